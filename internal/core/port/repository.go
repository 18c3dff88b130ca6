package port

import (
	"context"
	"time"

	"github.com/crewchat/calls/internal/core/domain"
)

// CallRepository is the shared call store: call records plus per-user active
// call pointers, both under TTLs. A missing key is reported as ok=false, not
// an error; expiry is the normal way crashed clients get cleaned up.
type CallRepository interface {
	GetCall(ctx context.Context, id domain.CallID) (domain.CallRecord, bool, error)
	PutCall(ctx context.Context, rec domain.CallRecord, ttl time.Duration) error
	DeleteCall(ctx context.Context, id domain.CallID) error

	GetPointer(ctx context.Context, user domain.UserID) (domain.CallID, bool, error)
	PutPointer(ctx context.Context, user domain.UserID, id domain.CallID, ttl time.Duration) error
	DeletePointer(ctx context.Context, user domain.UserID) error
}
