package service

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/crewchat/calls/internal/core/domain"
	"github.com/crewchat/calls/internal/core/port"
	"github.com/rs/zerolog/log"
)

type EngineState int

const (
	EngineIdle EngineState = iota
	EnginePreparing
	EngineOfferSent
	EngineOfferReceived
	EngineConnected
	EngineClosed
)

func (s EngineState) String() string {
	switch s {
	case EngineIdle:
		return "idle"
	case EnginePreparing:
		return "preparing"
	case EngineOfferSent:
		return "offer-sent"
	case EngineOfferReceived:
		return "offer-received"
	case EngineConnected:
		return "connected"
	case EngineClosed:
		return "closed"
	}
	return "unknown"
}

// slot is one transceiver plus whatever track currently rides on it.
type slot struct {
	role        domain.MediaRole
	transceiver port.Transceiver
	live        port.LocalTrack // nil while on placeholder
	placeholder port.LocalTrack
	enabled     bool
}

// EngineConfig wires one negotiation engine instance.
type EngineConfig struct {
	LocalUser  domain.UserID
	RemoteUser domain.UserID
	CallType   domain.CallType
	// Offerer marks the side that produces offers; by convention the
	// caller, retargeted only by an explicit renegotiation.
	Offerer bool

	Transport port.TransportFactory
	Media     port.MediaSource
	Signals   port.SignalSender

	// AcquireTimeout bounds each hardware acquisition attempt.
	AcquireTimeout time.Duration

	// OnRemoteTrack receives each inbound track with its resolved role.
	OnRemoteTrack func(role domain.MediaRole, track port.RemoteTrack)
	// OnDown fires when the peer transport reports failed/disconnected;
	// the owner treats it like a user disconnect.
	OnDown func()
}

// Engine is the per-call, per-endpoint media negotiation state machine. It
// multiplexes the four fixed media roles over one peer transport, queues
// candidates that outrun the remote description, and renegotiates when
// tracks change or the peer returns from a drop.
//
// The two endpoints of a call run independent Engine instances with no
// shared memory; all coordination is via the signaling relay. Within one
// instance every transition holds mu, so signaling events apply strictly in
// arrival order.
type Engine struct {
	cfg EngineConfig

	mu            sync.Mutex
	state         EngineState
	offerer       bool
	transport     port.PeerTransport
	slots         []*slot
	remoteRoles   domain.RoleMap
	remoteApplied bool
	pending       []domain.Candidate
}

func NewEngine(cfg EngineConfig) *Engine {
	if cfg.AcquireTimeout <= 0 {
		cfg.AcquireTimeout = 5 * time.Second
	}
	return &Engine{
		cfg:     cfg,
		state:   EngineIdle,
		offerer: cfg.Offerer,
	}
}

// Start brings the engine up, tearing down any prior transport first. The
// offerer immediately prepares and publishes an offer; the answerer waits
// for one to arrive.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.teardownLocked()
	e.state = EngineIdle

	if !e.offerer {
		return nil
	}
	if err := e.prepareLocked(ctx); err != nil {
		return err
	}
	return e.sendOfferLocked(ctx)
}

// prepareLocked creates the transport and lays out the four transceivers in
// the fixed role order. Camera and microphone are acquired best-effort; a
// denied or absent device leaves a placeholder on the slot so the layout,
// and therefore the slot-index role mapping, is identical on both ends.
// Screen slots always start on placeholders.
func (e *Engine) prepareLocked(ctx context.Context) error {
	e.state = EnginePreparing

	t, err := e.cfg.Transport()
	if err != nil {
		e.state = EngineClosed
		return fmt.Errorf("create transport: %w", err)
	}
	e.transport = t
	e.remoteApplied = false
	e.pending = nil
	e.slots = e.slots[:0]

	t.OnCandidate(e.handleLocalCandidate)
	t.OnTrack(e.handleRemoteTrack)
	t.OnNegotiationNeeded(e.handleNegotiationNeeded)
	t.OnDown(e.handleTransportDown)

	for _, role := range domain.RoleOrder {
		track, enabled := e.acquireInitial(ctx, role)
		tr, err := t.AddTransceiver(role.Kind(), track)
		if err != nil {
			e.teardownLocked()
			return fmt.Errorf("add %s transceiver: %w", role, err)
		}
		sl := &slot{role: role, transceiver: tr, enabled: enabled}
		if enabled {
			sl.live = track
		} else {
			sl.placeholder = track
		}
		e.slots = append(e.slots, sl)
	}
	return nil
}

// acquireInitial returns the starting track for a role and whether it is
// live hardware. Screen roles, and camera on audio-only calls, begin on
// placeholders without touching hardware.
func (e *Engine) acquireInitial(ctx context.Context, role domain.MediaRole) (port.LocalTrack, bool) {
	wantLive := role == domain.RoleMicrophoneAudio ||
		(role == domain.RoleCameraVideo && e.cfg.CallType == domain.CallTypeVideo)
	if !wantLive {
		return e.cfg.Media.Placeholder(role), false
	}

	acqCtx, cancel := context.WithTimeout(ctx, e.cfg.AcquireTimeout)
	defer cancel()
	res := e.cfg.Media.Acquire(acqCtx, role)
	if res.Outcome == port.CaptureGranted {
		return res.Track, true
	}
	log.Warn().
		Str("role", string(role)).
		Int("outcome", int(res.Outcome)).
		Msg("Hardware unavailable, starting on placeholder")
	return e.cfg.Media.Placeholder(role), false
}

func (e *Engine) sendOfferLocked(ctx context.Context) error {
	offer, err := e.transport.CreateOffer(ctx)
	if err != nil {
		return fmt.Errorf("create offer: %w", err)
	}
	if err := e.transport.SetLocalDescription(offer); err != nil {
		return fmt.Errorf("set local offer: %w", err)
	}
	if err := e.cfg.Signals.SendOffer(ctx, e.cfg.RemoteUser, offer, domain.FixedRoleMap()); err != nil {
		return err
	}
	e.state = EngineOfferSent
	log.Debug().Str("remote", e.cfg.RemoteUser.String()).Msg("Offer published")
	return nil
}

// HandleOffer applies a remote offer and replies with an answer. If no
// transport exists yet the engine prepares one first; either way this side
// becomes the answerer and adopts the offerer's role map.
func (e *Engine) HandleOffer(ctx context.Context, sig domain.OfferSignal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == EngineClosed {
		return nil
	}
	if err := sig.RoleMap.Validate(); err != nil {
		return fmt.Errorf("offer role map: %w", err)
	}

	if e.transport == nil {
		if err := e.prepareLocked(ctx); err != nil {
			return err
		}
	}
	e.offerer = false
	e.remoteRoles = sig.RoleMap
	e.state = EngineOfferReceived

	if err := e.transport.SetRemoteDescription(sig.SDP); err != nil {
		return fmt.Errorf("set remote offer: %w", err)
	}
	e.remoteApplied = true
	e.drainCandidatesLocked()

	answer, err := e.transport.CreateAnswer(ctx)
	if err != nil {
		return fmt.Errorf("create answer: %w", err)
	}
	if err := e.transport.SetLocalDescription(answer); err != nil {
		return fmt.Errorf("set local answer: %w", err)
	}
	if err := e.cfg.Signals.SendAnswer(ctx, sig.From, answer); err != nil {
		return err
	}
	e.state = EngineConnected
	return nil
}

// HandleAnswer applies the remote answer and drains any queued candidates.
func (e *Engine) HandleAnswer(ctx context.Context, sig domain.AnswerSignal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.transport == nil || e.state == EngineClosed {
		return nil
	}
	if err := e.transport.SetRemoteDescription(sig.SDP); err != nil {
		return fmt.Errorf("set remote answer: %w", err)
	}
	e.remoteApplied = true
	e.drainCandidatesLocked()
	e.state = EngineConnected
	return nil
}

// HandleCandidate applies a remote candidate, or queues it when the remote
// description has not landed yet. Queued candidates drain in receipt order,
// exactly once.
func (e *Engine) HandleCandidate(sig domain.CandidateSignal) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.state == EngineClosed {
		return nil
	}
	if !e.remoteApplied || e.transport == nil {
		e.pending = append(e.pending, sig.Candidate)
		return nil
	}
	return e.transport.AddCandidate(sig.Candidate)
}

func (e *Engine) drainCandidatesLocked() {
	for _, cand := range e.pending {
		if err := e.transport.AddCandidate(cand); err != nil {
			log.Warn().Err(err).Msg("Queued candidate failed to apply")
		}
	}
	e.pending = nil
}

// Toggle switches a media role's outgoing track between live hardware and
// the placeholder. Turning off stops the device. Turning on acquires it; if
// that fails the placeholder stays put and ErrMediaUnavailable is returned,
// with the call continuing degraded. The transceiver itself never changes,
// so no renegotiation of the layout is needed.
func (e *Engine) Toggle(ctx context.Context, role domain.MediaRole, on bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	sl := e.slotLocked(role)
	if sl == nil {
		return fmt.Errorf("no transceiver for role %s", role)
	}

	if !on {
		if !sl.enabled {
			return nil
		}
		if sl.placeholder == nil {
			sl.placeholder = e.cfg.Media.Placeholder(role)
		}
		if err := sl.transceiver.ReplaceTrack(sl.placeholder); err != nil {
			return err
		}
		if sl.live != nil {
			if err := sl.live.Stop(); err != nil {
				log.Warn().Err(err).Str("role", string(role)).Msg("Failed to stop local track")
			}
			sl.live = nil
		}
		sl.enabled = false
		log.Debug().Str("role", string(role)).Msg("Role toggled off")
		return nil
	}

	if sl.enabled {
		return nil
	}
	acqCtx, cancel := context.WithTimeout(ctx, e.cfg.AcquireTimeout)
	defer cancel()
	res := e.cfg.Media.Acquire(acqCtx, role)
	if res.Outcome != port.CaptureGranted {
		return domain.ErrMediaUnavailable
	}
	if err := sl.transceiver.ReplaceTrack(res.Track); err != nil {
		res.Track.Stop()
		return err
	}
	sl.live = res.Track
	sl.enabled = true
	log.Debug().Str("role", string(role)).Msg("Role toggled on")
	return nil
}

// Enabled reports whether a role currently carries live hardware.
func (e *Engine) Enabled(role domain.MediaRole) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	sl := e.slotLocked(role)
	return sl != nil && sl.enabled
}

// ReconnectNeeded is delivered when the remote endpoint comes back after a
// drop. Only the offerer restarts negotiation; the answerer tears down and
// waits for the fresh offer, so the two sides never race to renegotiate.
func (e *Engine) ReconnectNeeded(ctx context.Context) error {
	e.mu.Lock()
	offerer := e.offerer
	e.mu.Unlock()

	if offerer {
		log.Info().Str("remote", e.cfg.RemoteUser.String()).Msg("Peer returned, restarting negotiation as offerer")
		return e.Start(ctx)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
	e.state = EngineIdle
	log.Info().Str("remote", e.cfg.RemoteUser.String()).Msg("Peer returned, awaiting fresh offer")
	return nil
}

// Stop releases all hardware, closes the transport, and clears every queue.
// Safe to call from any state, any number of times.
func (e *Engine) Stop() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.teardownLocked()
	e.state = EngineClosed
}

// State reports the engine's current lifecycle state.
func (e *Engine) State() EngineState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

func (e *Engine) teardownLocked() {
	for _, sl := range e.slots {
		if sl.live != nil {
			sl.live.Stop()
		}
	}
	e.slots = nil
	e.pending = nil
	e.remoteRoles = nil
	e.remoteApplied = false
	if e.transport != nil {
		if err := e.transport.Close(); err != nil {
			log.Warn().Err(err).Msg("Failed to close peer transport")
		}
		e.transport = nil
	}
}

func (e *Engine) slotLocked(role domain.MediaRole) *slot {
	for _, sl := range e.slots {
		if sl.role == role {
			return sl
		}
	}
	return nil
}

// handleLocalCandidate forwards a locally gathered candidate to the peer.
func (e *Engine) handleLocalCandidate(cand domain.Candidate) {
	if err := e.cfg.Signals.SendCandidate(context.Background(), e.cfg.RemoteUser, cand); err != nil {
		log.Warn().Err(err).Msg("Failed to send local candidate")
	}
}

// handleRemoteTrack routes an inbound track to its logical role. The
// offerer resolves slots against its own fixed layout; the answerer trusts
// the map that came with the offer.
func (e *Engine) handleRemoteTrack(slotIndex int, track port.RemoteTrack) {
	e.mu.Lock()
	roles := e.remoteRoles
	offerer := e.offerer
	e.mu.Unlock()

	var role domain.MediaRole
	var ok bool
	if offerer || roles == nil {
		role, ok = domain.FixedRoleMap().RoleAt(slotIndex)
	} else {
		role, ok = roles.RoleAt(slotIndex)
	}
	if !ok {
		log.Warn().Int("slot", slotIndex).Msg("Remote track with unmapped slot index")
		return
	}
	if e.cfg.OnRemoteTrack != nil {
		e.cfg.OnRemoteTrack(role, track)
	}
}

// handleNegotiationNeeded reacts to the transport asking for a new round.
// Only the current offerer acts; the answerer will see the resulting offer.
func (e *Engine) handleNegotiationNeeded() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.offerer || e.transport == nil || e.state == EngineClosed || e.state == EnginePreparing {
		return
	}
	if err := e.sendOfferLocked(context.Background()); err != nil {
		log.Warn().Err(err).Msg("Renegotiation offer failed")
	}
}

// handleTransportDown treats a failed transport like a user disconnect: the
// owner gets the grace-window behavior, not an immediate teardown here.
func (e *Engine) handleTransportDown() {
	log.Warn().Str("remote", e.cfg.RemoteUser.String()).Msg("Peer transport down")
	if e.cfg.OnDown != nil {
		e.cfg.OnDown()
	}
}
