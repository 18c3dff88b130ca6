package ws

import (
	"context"
	"sync"

	"github.com/crewchat/calls/internal/core/domain"
	"github.com/rs/zerolog/log"
)

// Event names on the wire, shared with the driving layer and the peer
// client.
const (
	EventIncomingCall    = "incoming-call"
	EventReconnectNeeded = "reconnect-needed"
	EventOffer           = "webrtc-offer"
	EventAnswer          = "webrtc-answer"
	EventICECandidate    = "webrtc-ice-candidate"
)

// Hub implements port.SignalGateway: it addresses events by user ID, where
// each user is a multicast group of their currently connected sessions.
type Hub struct {
	mu    sync.Mutex
	users map[domain.UserID]map[Client]bool
	quit  chan struct{}
}

func NewHub() *Hub {
	return &Hub{
		users: make(map[domain.UserID]map[Client]bool),
		quit:  make(chan struct{}),
	}
}

func (h *Hub) Register(user domain.UserID, c Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.users[user]
	if !ok {
		clients = make(map[Client]bool)
		h.users[user] = clients
	}
	clients[c] = true
	log.Info().Str("user_id", user.String()).Int("sessions", len(clients)).Msg("Session registered")
}

// Unregister drops one session. Returns true when it was the user's last
// one, which is what should start the disconnect grace timer.
func (h *Hub) Unregister(user domain.UserID, c Client) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	clients, ok := h.users[user]
	if !ok {
		return false
	}
	delete(clients, c)
	if len(clients) > 0 {
		return false
	}
	delete(h.users, user)
	log.Info().Str("user_id", user.String()).Msg("Last session unregistered")
	return true
}

func (h *Hub) EmitCallNotice(ctx context.Context, to domain.UserID, notice domain.CallNotice) error {
	return h.emit(to, EventIncomingCall, notice)
}

func (h *Hub) EmitReconnectNeeded(ctx context.Context, to domain.UserID) error {
	return h.emit(to, EventReconnectNeeded, nil)
}

func (h *Hub) EmitOffer(ctx context.Context, to domain.UserID, sig domain.OfferSignal) error {
	return h.emit(to, EventOffer, sig)
}

func (h *Hub) EmitAnswer(ctx context.Context, to domain.UserID, sig domain.AnswerSignal) error {
	return h.emit(to, EventAnswer, sig)
}

func (h *Hub) EmitCandidate(ctx context.Context, to domain.UserID, sig domain.CandidateSignal) error {
	return h.emit(to, EventICECandidate, sig)
}

// emit fans one event out to every session the user has. An absent user is
// fine; they may be offline, and TTL expiry covers the fallout. A session
// that fails to write is dropped.
func (h *Hub) emit(to domain.UserID, event string, payload any) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	clients := h.users[to]
	for c := range clients {
		if err := c.Send(event, payload); err != nil {
			log.Error().Err(err).Str("user_id", to.String()).Str("event", event).Msg("Error sending event, dropping session")
			c.Close()
			delete(clients, c)
		}
	}
	if len(clients) == 0 {
		delete(h.users, to)
	}
	return nil
}

// Stop closes every live session. Used on shutdown.
func (h *Hub) Stop() {
	select {
	case <-h.quit:
		return
	default:
		close(h.quit)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	for user, clients := range h.users {
		for c := range clients {
			c.Close()
		}
		delete(h.users, user)
	}
}
