package domain

// SessionDescription carries an SDP blob between endpoints. Type is "offer"
// or "answer", matching the underlying transport's vocabulary.
type SessionDescription struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

// Candidate is one network-traversal candidate in transit. The inner fields
// mirror the transport's trickle format and are opaque to the relay.
type Candidate struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

// OfferSignal is relayed from the offerer to the answerer. The role map rides
// with the offer so the answerer can route tracks by slot index.
type OfferSignal struct {
	From    UserID             `json:"from"`
	To      UserID             `json:"to"`
	SDP     SessionDescription `json:"sdp"`
	RoleMap RoleMap            `json:"midRoleMap"`
}

type AnswerSignal struct {
	From UserID             `json:"from"`
	To   UserID             `json:"to"`
	SDP  SessionDescription `json:"sdp"`
}

type CandidateSignal struct {
	From      UserID    `json:"from"`
	To        UserID    `json:"to"`
	Candidate Candidate `json:"candidate"`
}
