package port

import (
	"context"

	"github.com/crewchat/calls/internal/core/domain"
)

// LocalTrack is an outgoing media track: live hardware or a placeholder.
// Stop releases the underlying capture device; stopping a placeholder is a
// no-op.
type LocalTrack interface {
	Kind() domain.TrackKind
	Stop() error
}

// RemoteTrack is an incoming media track surfaced to the UI layer.
type RemoteTrack interface {
	ID() string
	Kind() domain.TrackKind
}

type CaptureOutcome int

const (
	CaptureGranted CaptureOutcome = iota
	CaptureDenied
	CaptureUnavailable
)

// CaptureResult is the tagged outcome of a hardware acquisition attempt.
// Track is non-nil only when Outcome is CaptureGranted.
type CaptureResult struct {
	Outcome CaptureOutcome
	Track   LocalTrack
}

// MediaSource acquires hardware tracks and hands out placeholders. Acquire
// must respect ctx's deadline; a denied or absent device is an outcome, not
// an error.
type MediaSource interface {
	Acquire(ctx context.Context, role domain.MediaRole) CaptureResult
	Placeholder(role domain.MediaRole) LocalTrack
}

// Transceiver is one fixed bidirectional media slot on the peer transport.
type Transceiver interface {
	ReplaceTrack(t LocalTrack) error
}

// PeerTransport wraps the underlying peer connection for one call. The
// engine drives it single-threaded; callbacks may fire from transport
// goroutines and must be registered before negotiation starts.
type PeerTransport interface {
	AddTransceiver(kind domain.TrackKind, initial LocalTrack) (Transceiver, error)

	CreateOffer(ctx context.Context) (domain.SessionDescription, error)
	CreateAnswer(ctx context.Context) (domain.SessionDescription, error)
	SetLocalDescription(sdp domain.SessionDescription) error
	SetRemoteDescription(sdp domain.SessionDescription) error
	AddCandidate(cand domain.Candidate) error

	OnCandidate(fn func(domain.Candidate))
	OnTrack(fn func(slot int, track RemoteTrack))
	OnNegotiationNeeded(fn func())
	OnDown(fn func())

	Close() error
}

// TransportFactory builds a fresh PeerTransport per negotiation attempt; a
// reconnect always starts from a new transport.
type TransportFactory func() (PeerTransport, error)
