package service

import (
	"context"
	"sync"
	"time"

	"github.com/crewchat/calls/internal/core/domain"
	"github.com/crewchat/calls/internal/core/port"
	"github.com/rs/zerolog/log"
)

// SessionConfig tunes the call state machine's timing.
type SessionConfig struct {
	// RingTTL bounds how long an unanswered call may sit in the store.
	RingTTL time.Duration
	// ActiveTTL bounds an accepted call; refreshed on every transition.
	ActiveTTL time.Duration
	// DisconnectGrace is how long a dropped endpoint may stay away before
	// the call is torn down.
	DisconnectGrace time.Duration
}

func (c SessionConfig) withDefaults() SessionConfig {
	out := c
	if out.RingTTL <= 0 {
		out.RingTTL = 60 * time.Second
	}
	if out.ActiveTTL <= 0 {
		out.ActiveTTL = 20 * time.Minute
	}
	if out.DisconnectGrace <= 0 {
		out.DisconnectGrace = 10 * time.Second
	}
	return out
}

// SessionService owns the call state machine: who is in a call with whom,
// at most one active call per user, teardown on reject/hang-up, and a grace
// window for transient disconnects. Every read of the store may find the key
// gone (TTL expiry or a concurrent teardown); that is always a benign no-op.
type SessionService struct {
	repo    port.CallRepository
	gateway port.SignalGateway
	cfg     SessionConfig

	locks stripedLocks

	timerMu sync.Mutex
	timers  map[domain.UserID]*time.Timer

	now   func() time.Time
	newID func() domain.CallID
}

func NewSessionService(repo port.CallRepository, gateway port.SignalGateway, cfg SessionConfig) *SessionService {
	return &SessionService{
		repo:    repo,
		gateway: gateway,
		cfg:     cfg.withDefaults(),
		timers:  make(map[domain.UserID]*time.Timer),
		now:     time.Now,
		newID:   domain.NewCallID,
	}
}

// Register binds a user to a live signaling session. If the user has an
// active call, the record is re-emitted to them and the other party is told
// to kick off its reconnection path. Any pending disconnect timer for the
// user is cancelled: the reconnect succeeded within the grace window.
func (s *SessionService) Register(ctx context.Context, user domain.UserID) error {
	s.cancelTimer(user)

	callID, ok, err := s.repo.GetPointer(ctx, user)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}
	rec, ok, err := s.repo.GetCall(ctx, callID)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	log.Info().Str("user_id", user.String()).Str("call_id", callID.String()).Msg("User re-registered into active call")

	if err := s.gateway.EmitCallNotice(ctx, user, domain.NoticeFor(rec)); err != nil {
		return err
	}
	return s.gateway.EmitReconnectNeeded(ctx, rec.Other(user))
}

// Call starts a new call. A caller's stale call always loses to the new one;
// a callee's existing call always wins, answered with a transient busy
// notice to the caller only.
func (s *SessionService) Call(ctx context.Context, caller, callee domain.UserID, callType domain.CallType) error {
	if caller == callee {
		return domain.ErrSelfCall
	}

	unlock := s.locks.lockPair(userKey(caller), userKey(callee))
	defer unlock()

	if err := s.teardownPriorCall(ctx, caller); err != nil {
		return err
	}

	if _, busy, err := s.repo.GetPointer(ctx, callee); err != nil {
		return err
	} else if busy {
		log.Debug().Str("caller", caller.String()).Str("callee", callee.String()).Msg("Callee busy")
		return s.gateway.EmitCallNotice(ctx, caller, domain.BusyNotice())
	}

	rec := domain.CallRecord{
		CallID:    s.newID(),
		Caller:    caller,
		Callee:    callee,
		Type:      callType,
		Status:    domain.StatusCalling,
		CreatedAt: s.now(),
	}
	if err := s.repo.PutCall(ctx, rec, s.cfg.RingTTL); err != nil {
		return err
	}
	if err := s.repo.PutPointer(ctx, caller, rec.CallID, s.cfg.RingTTL); err != nil {
		return err
	}
	if err := s.repo.PutPointer(ctx, callee, rec.CallID, s.cfg.RingTTL); err != nil {
		return err
	}

	log.Info().
		Str("call_id", rec.CallID.String()).
		Str("caller", caller.String()).
		Str("callee", callee.String()).
		Str("type", string(callType)).
		Msg("Call initiated")

	s.notifyBoth(ctx, rec, domain.NoticeFor(rec))
	return nil
}

// teardownPriorCall removes the caller's existing call, if any, and tells
// the abandoned party it ended. Caller's stripe must already be held.
func (s *SessionService) teardownPriorCall(ctx context.Context, caller domain.UserID) error {
	priorID, ok, err := s.repo.GetPointer(ctx, caller)
	if err != nil || !ok {
		return err
	}
	prior, ok, err := s.repo.GetCall(ctx, priorID)
	if err != nil {
		return err
	}
	if !ok {
		// Record expired under the pointer; just drop the pointer.
		return s.repo.DeletePointer(ctx, caller)
	}

	if err := s.removeCallState(ctx, prior); err != nil {
		return err
	}
	log.Info().Str("call_id", priorID.String()).Str("caller", caller.String()).Msg("Prior call torn down by new call")
	return s.gateway.EmitCallNotice(ctx, prior.Other(caller), domain.EndedNotice(prior, caller))
}

// lockCall resolves a record and takes both participants' stripes, in the
// same order Call does, then re-reads the record under the lock. A call torn
// down concurrently comes back as ok=false, so a stale operation can never
// write state for a record that no longer exists.
func (s *SessionService) lockCall(ctx context.Context, callID domain.CallID) (domain.CallRecord, func(), bool, error) {
	rec, ok, err := s.repo.GetCall(ctx, callID)
	if err != nil || !ok {
		return domain.CallRecord{}, nil, false, err
	}

	unlock := s.locks.lockPair(userKey(rec.Caller), userKey(rec.Callee))
	rec, ok, err = s.repo.GetCall(ctx, callID)
	if err != nil || !ok {
		unlock()
		return domain.CallRecord{}, nil, false, err
	}
	return rec, unlock, true, nil
}

// Accept moves a ringing call to accepted and extends both pointers to the
// long TTL. Idempotent against a stale callId.
func (s *SessionService) Accept(ctx context.Context, callID domain.CallID) error {
	rec, unlock, ok, err := s.lockCall(ctx, callID)
	if err != nil || !ok {
		return err
	}
	defer unlock()

	acceptedAt := s.now()
	rec.Status = domain.StatusAccepted
	rec.AcceptedAt = &acceptedAt

	if err := s.repo.PutCall(ctx, rec, s.cfg.ActiveTTL); err != nil {
		return err
	}
	if err := s.repo.PutPointer(ctx, rec.Caller, callID, s.cfg.ActiveTTL); err != nil {
		return err
	}
	if err := s.repo.PutPointer(ctx, rec.Callee, callID, s.cfg.ActiveTTL); err != nil {
		return err
	}

	log.Info().Str("call_id", callID.String()).Msg("Call accepted")
	s.notifyBoth(ctx, rec, domain.NoticeFor(rec))
	return nil
}

// Reject deletes a ringing call and notifies both parties. No-op when the
// record is already gone.
func (s *SessionService) Reject(ctx context.Context, callID domain.CallID) error {
	rec, unlock, ok, err := s.lockCall(ctx, callID)
	if err != nil || !ok {
		return err
	}
	defer unlock()

	if err := s.removeCallState(ctx, rec); err != nil {
		return err
	}

	log.Info().Str("call_id", callID.String()).Msg("Call rejected")
	s.notifyBoth(ctx, rec, domain.RejectedNotice(rec))
	return nil
}

// HangUp ends a call on either side's request. No-op when the record is
// already gone.
func (s *SessionService) HangUp(ctx context.Context, callID domain.CallID, by domain.UserID) error {
	rec, unlock, ok, err := s.lockCall(ctx, callID)
	if err != nil || !ok {
		return err
	}
	defer unlock()

	if err := s.removeCallState(ctx, rec); err != nil {
		return err
	}

	log.Info().Str("call_id", callID.String()).Str("by", by.String()).Msg("Call ended")
	s.notifyBoth(ctx, rec, domain.EndedNotice(rec, by))
	return nil
}

// Disconnect notes that a user's signaling session dropped. If they are in a
// call, a grace timer starts; re-registering before it fires cancels it, and
// a second disconnect replaces it. When the timer fires, the call is looked
// up fresh and torn down with a disconnected notice to both parties.
func (s *SessionService) Disconnect(ctx context.Context, user domain.UserID) error {
	_, ok, err := s.repo.GetPointer(ctx, user)
	if err != nil {
		return err
	}
	if !ok {
		return nil
	}

	log.Info().
		Str("user_id", user.String()).
		Dur("grace", s.cfg.DisconnectGrace).
		Msg("User disconnected, starting grace timer")

	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if prev, ok := s.timers[user]; ok {
		prev.Stop()
	}
	s.timers[user] = time.AfterFunc(s.cfg.DisconnectGrace, func() {
		s.expireDisconnect(user)
	})
	return nil
}

// expireDisconnect fires after the grace window. The call is re-resolved
// from the store because it may have changed or ended while the timer ran.
func (s *SessionService) expireDisconnect(user domain.UserID) {
	ctx := context.Background()

	s.timerMu.Lock()
	delete(s.timers, user)
	s.timerMu.Unlock()

	callID, ok, err := s.repo.GetPointer(ctx, user)
	if err != nil || !ok {
		return
	}
	rec, unlock, ok, err := s.lockCall(ctx, callID)
	if err != nil || !ok {
		return
	}
	defer unlock()

	// The call may have been replaced while the timer ran; only tear down
	// what the user still points at.
	cur, ok, err := s.repo.GetPointer(ctx, user)
	if err != nil || !ok || cur != callID {
		return
	}
	if err := s.removeCallState(ctx, rec); err != nil {
		log.Error().Err(err).Str("call_id", callID.String()).Msg("Failed to clean up call after disconnect")
		return
	}

	log.Info().Str("call_id", callID.String()).Str("user_id", user.String()).Msg("Grace window elapsed, call torn down")
	s.notifyBoth(ctx, rec, domain.DisconnectedNotice(rec))
}

// Close stops all outstanding grace timers. Used on shutdown.
func (s *SessionService) Close() {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	for user, t := range s.timers {
		t.Stop()
		delete(s.timers, user)
	}
}

func (s *SessionService) cancelTimer(user domain.UserID) {
	s.timerMu.Lock()
	defer s.timerMu.Unlock()
	if t, ok := s.timers[user]; ok {
		t.Stop()
		delete(s.timers, user)
		log.Debug().Str("user_id", user.String()).Msg("Reconnect cancelled disconnect timer")
	}
}

func (s *SessionService) removeCallState(ctx context.Context, rec domain.CallRecord) error {
	if err := s.repo.DeleteCall(ctx, rec.CallID); err != nil {
		return err
	}
	if err := s.repo.DeletePointer(ctx, rec.Caller); err != nil {
		return err
	}
	return s.repo.DeletePointer(ctx, rec.Callee)
}

func (s *SessionService) notifyBoth(ctx context.Context, rec domain.CallRecord, notice domain.CallNotice) {
	for _, user := range []domain.UserID{rec.Caller, rec.Callee} {
		if err := s.gateway.EmitCallNotice(ctx, user, notice); err != nil {
			log.Error().Err(err).Str("user_id", user.String()).Msg("Failed to deliver call notice")
		}
	}
}

func userKey(u domain.UserID) string { return "user:" + u.String() }
