// Package memory holds an in-process CallRepository used by tests and by
// single-node deployments that run without Redis.
package memory

import (
	"context"
	"sync"
	"time"

	"github.com/crewchat/calls/internal/core/domain"
)

type entry struct {
	record    domain.CallRecord
	callID    domain.CallID
	expiresAt time.Time
}

// CallRepository keeps call records and pointers in maps, honoring TTLs
// against an injectable clock so expiry is testable without sleeping.
type CallRepository struct {
	mu       sync.Mutex
	calls    map[domain.CallID]entry
	pointers map[domain.UserID]entry

	Now func() time.Time
}

func NewCallRepository() *CallRepository {
	return &CallRepository{
		calls:    make(map[domain.CallID]entry),
		pointers: make(map[domain.UserID]entry),
		Now:      time.Now,
	}
}

func (r *CallRepository) GetCall(ctx context.Context, id domain.CallID) (domain.CallRecord, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.calls[id]
	if !ok || r.expired(e) {
		delete(r.calls, id)
		return domain.CallRecord{}, false, nil
	}
	return e.record, true, nil
}

func (r *CallRepository) PutCall(ctx context.Context, rec domain.CallRecord, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls[rec.CallID] = entry{record: rec, expiresAt: r.Now().Add(ttl)}
	return nil
}

func (r *CallRepository) DeleteCall(ctx context.Context, id domain.CallID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.calls, id)
	return nil
}

func (r *CallRepository) GetPointer(ctx context.Context, user domain.UserID) (domain.CallID, bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.pointers[user]
	if !ok || r.expired(e) {
		delete(r.pointers, user)
		return "", false, nil
	}
	return e.callID, true, nil
}

func (r *CallRepository) PutPointer(ctx context.Context, user domain.UserID, id domain.CallID, ttl time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pointers[user] = entry{callID: id, expiresAt: r.Now().Add(ttl)}
	return nil
}

func (r *CallRepository) DeletePointer(ctx context.Context, user domain.UserID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.pointers, user)
	return nil
}

func (r *CallRepository) expired(e entry) bool {
	return !e.expiresAt.After(r.Now())
}
