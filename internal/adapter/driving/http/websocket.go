package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"sync"

	"github.com/crewchat/calls/internal/adapter/driven/gateway/ws"
	"github.com/crewchat/calls/internal/core/domain"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	// TODO: restrict origins once the web client's deploy origin is pinned down
	CheckOrigin: func(r *http.Request) bool { return true },
}

// wsClient is one upgraded connection. It is anonymous until the peer sends
// register-user; only then does it join the hub and become addressable.
type wsClient struct {
	conn *websocket.Conn

	writeMu sync.Mutex
}

func (c *wsClient) Send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	return c.conn.WriteJSON(envelope{Event: event, Data: data})
}

func (c *wsClient) Close() error {
	return c.conn.Close()
}

// ServeWS upgrades the connection and pumps signaling events into the
// session service and the relay until the peer goes away.
func (h *Handler) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("Error while upgrading ws")
		return
	}

	client := &wsClient{conn: conn}
	var userID domain.UserID

	log.Info().Str("remote_addr", r.RemoteAddr).Msg("New signaling connection")

	defer func() {
		conn.Close()
		if userID == "" {
			return
		}
		last := h.Hub.Unregister(userID, client)
		log.Info().Str("user_id", userID.String()).Bool("last_session", last).Msg("Signaling connection closed")
		if last {
			if err := h.Sessions.Disconnect(context.Background(), userID); err != nil {
				log.Error().Err(err).Str("user_id", userID.String()).Msg("Disconnect handling failed")
			}
		}
	}()

	for {
		var env envelope
		if err := conn.ReadJSON(&env); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure, websocket.CloseNormalClosure) {
				log.Error().Err(err).Msg("Unexpected close error")
			}
			return
		}

		if err := h.dispatch(r.Context(), client, &userID, env); err != nil {
			log.Error().Err(err).Str("event", env.Event).Msg("Failed to handle event")
		}
	}
}

// dispatch routes one inbound envelope. Call intents go to the session
// service; webrtc events are relayed verbatim to their target user.
func (h *Handler) dispatch(ctx context.Context, client *wsClient, userID *domain.UserID, env envelope) error {
	switch env.Event {
	case eventRegisterUser:
		var p registerPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		if p.UserID == "" {
			return errors.New("register-user without userId")
		}
		if *userID != "" && *userID != p.UserID {
			h.Hub.Unregister(*userID, client)
		}
		*userID = p.UserID
		h.Hub.Register(p.UserID, client)
		return h.Sessions.Register(ctx, p.UserID)

	case eventCall:
		var p callPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		return h.Sessions.Call(ctx, p.Caller, p.Other, p.Type)

	case eventAcceptCall:
		var p callIDPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		return h.Sessions.Accept(ctx, p.CallID)

	case eventRejectCall:
		var p callIDPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		return h.Sessions.Reject(ctx, p.CallID)

	case eventHangUp:
		var p hangUpPayload
		if err := json.Unmarshal(env.Data, &p); err != nil {
			return err
		}
		return h.Sessions.HangUp(ctx, p.CallID, p.By)

	case eventOffer:
		var sig domain.OfferSignal
		if err := json.Unmarshal(env.Data, &sig); err != nil {
			return err
		}
		return h.Hub.EmitOffer(ctx, sig.To, sig)

	case eventAnswer:
		var sig domain.AnswerSignal
		if err := json.Unmarshal(env.Data, &sig); err != nil {
			return err
		}
		return h.Hub.EmitAnswer(ctx, sig.To, sig)

	case eventICECandidate:
		var sig domain.CandidateSignal
		if err := json.Unmarshal(env.Data, &sig); err != nil {
			return err
		}
		return h.Hub.EmitCandidate(ctx, sig.To, sig)

	default:
		log.Debug().Str("event", env.Event).Msg("Ignoring unknown event")
		return nil
	}
}

var _ ws.Client = (*wsClient)(nil)
