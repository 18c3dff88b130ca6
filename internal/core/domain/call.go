package domain

import (
	"errors"
	"time"
)

type CallType string

const (
	CallTypeAudio CallType = "audio"
	CallTypeVideo CallType = "video"
)

type CallStatus string

const (
	StatusCalling      CallStatus = "calling"
	StatusAccepted     CallStatus = "accepted"
	StatusRejected     CallStatus = "rejected"
	StatusEnded        CallStatus = "ended"
	StatusDisconnected CallStatus = "disconnected"
	StatusCalleeBusy   CallStatus = "callee-busy"
)

var ErrSelfCall = errors.New("caller and callee are the same user")

// CallRecord describes one call attempt between two users. It lives in the
// shared store under a TTL; deletion is terminal. Fields are omitted when
// empty so a transient status-only notice stays slim on the wire.
type CallRecord struct {
	CallID     CallID     `json:"callId,omitempty"`
	Caller     UserID     `json:"caller,omitempty"`
	Callee     UserID     `json:"callee,omitempty"`
	Type       CallType   `json:"type,omitempty"`
	Status     CallStatus `json:"status"`
	CreatedAt  time.Time  `json:"createdAt,omitzero"`
	AcceptedAt *time.Time `json:"acceptedAt,omitempty"`
}

// Other returns the participant on the opposite side of the call from user.
func (r CallRecord) Other(user UserID) UserID {
	if r.Caller == user {
		return r.Callee
	}
	return r.Caller
}

func (r CallRecord) Involves(user UserID) bool {
	return r.Caller == user || r.Callee == user
}

// CallNotice is what an endpoint actually receives on the incoming-call
// channel: either a full record, or a transient status-only notice such as
// callee-busy that was never persisted.
type CallNotice struct {
	CallRecord
	EndedBy UserID `json:"endedBy,omitempty"`
	Reason  string `json:"reason,omitempty"`
}

func NoticeFor(rec CallRecord) CallNotice {
	return CallNotice{CallRecord: rec}
}

func EndedNotice(rec CallRecord, by UserID) CallNotice {
	rec.Status = StatusEnded
	return CallNotice{CallRecord: rec, EndedBy: by}
}

func RejectedNotice(rec CallRecord) CallNotice {
	rec.Status = StatusRejected
	return CallNotice{CallRecord: rec}
}

func DisconnectedNotice(rec CallRecord) CallNotice {
	rec.Status = StatusDisconnected
	return CallNotice{CallRecord: rec}
}

func BusyNotice() CallNotice {
	return CallNotice{
		CallRecord: CallRecord{Status: StatusCalleeBusy},
		Reason:     "User is already in another call",
	}
}
