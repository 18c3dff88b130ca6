package http

import (
	"encoding/json"

	"github.com/crewchat/calls/internal/core/domain"
)

// Client-to-server event names. Server-to-client names live in the ws
// gateway package, next to the hub that emits them.
const (
	eventRegisterUser = "register-user"
	eventCall         = "call"
	eventAcceptCall   = "accept-call"
	eventRejectCall   = "reject-call"
	eventHangUp       = "hang-up"
	eventOffer        = "webrtc-offer"
	eventAnswer       = "webrtc-answer"
	eventICECandidate = "webrtc-ice-candidate"
)

// envelope is the wire frame for every signaling event in both directions.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

type registerPayload struct {
	UserID domain.UserID `json:"userId"`
}

type callPayload struct {
	Caller domain.UserID   `json:"caller"`
	Other  domain.UserID   `json:"other"`
	Type   domain.CallType `json:"type"`
}

type callIDPayload struct {
	CallID domain.CallID `json:"callId"`
}

type hangUpPayload struct {
	CallID domain.CallID `json:"callId"`
	By     domain.UserID `json:"by"`
}
