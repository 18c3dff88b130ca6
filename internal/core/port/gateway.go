package port

import (
	"context"

	"github.com/crewchat/calls/internal/core/domain"
)

// SignalGateway delivers events to every live session a user currently has.
// A user with no connected session is not an error; the event is dropped and
// the TTL machinery handles the rest.
type SignalGateway interface {
	EmitCallNotice(ctx context.Context, to domain.UserID, notice domain.CallNotice) error
	EmitReconnectNeeded(ctx context.Context, to domain.UserID) error

	EmitOffer(ctx context.Context, to domain.UserID, sig domain.OfferSignal) error
	EmitAnswer(ctx context.Context, to domain.UserID, sig domain.AnswerSignal) error
	EmitCandidate(ctx context.Context, to domain.UserID, sig domain.CandidateSignal) error
}

// SignalSender is the outbound half an endpoint's negotiation engine uses.
// It is the client-side mirror of SignalGateway.
type SignalSender interface {
	SendOffer(ctx context.Context, to domain.UserID, sdp domain.SessionDescription, roles domain.RoleMap) error
	SendAnswer(ctx context.Context, to domain.UserID, sdp domain.SessionDescription) error
	SendCandidate(ctx context.Context, to domain.UserID, cand domain.Candidate) error
}
