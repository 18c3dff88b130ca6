package domain

import (
	"github.com/google/uuid"
)

// UserID is the opaque identifier the identity service assigns to a user.
// The calling core never inspects it; it is only an addressing key.
type UserID string

func (id UserID) String() string {
	return string(id)
}

type CallID string

func NewCallID() CallID {
	return CallID(uuid.New().String())
}

func (id CallID) String() string {
	return string(id)
}
