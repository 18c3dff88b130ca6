// Command peer is a headless call endpoint: it registers a user against the
// signaling server, places or answers calls, and runs the negotiation
// engine over a real Pion peer connection with whatever capture hardware
// the host has.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/crewchat/calls/internal/adapter/driven/media/pion"
	"github.com/crewchat/calls/internal/config"
	"github.com/crewchat/calls/internal/core/domain"
	"github.com/crewchat/calls/internal/core/port"
	"github.com/crewchat/calls/internal/core/service"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// envelope mirrors the server's wire frame. Kept as a local copy so the
// binary does not reach into the server's driving package.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

const (
	eventRegisterUser    = "register-user"
	eventCall            = "call"
	eventAcceptCall      = "accept-call"
	eventHangUp          = "hang-up"
	eventIncomingCall    = "incoming-call"
	eventReconnectNeeded = "reconnect-needed"
	eventOffer           = "webrtc-offer"
	eventAnswer          = "webrtc-answer"
	eventICECandidate    = "webrtc-ice-candidate"
)

// conn is the websocket link to the relay, shared by the engine's signal
// sender and the call control messages.
type conn struct {
	self domain.UserID

	mu sync.Mutex
	ws *websocket.Conn
}

func (c *conn) send(event string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(envelope{Event: event, Data: data})
}

func (c *conn) SendOffer(ctx context.Context, to domain.UserID, sdp domain.SessionDescription, roles domain.RoleMap) error {
	return c.send(eventOffer, domain.OfferSignal{From: c.self, To: to, SDP: sdp, RoleMap: roles})
}

func (c *conn) SendAnswer(ctx context.Context, to domain.UserID, sdp domain.SessionDescription) error {
	return c.send(eventAnswer, domain.AnswerSignal{From: c.self, To: to, SDP: sdp})
}

func (c *conn) SendCandidate(ctx context.Context, to domain.UserID, cand domain.Candidate) error {
	return c.send(eventICECandidate, domain.CandidateSignal{From: c.self, To: to, Candidate: cand})
}

var _ port.SignalSender = (*conn)(nil)

// app holds the at-most-one active engine and the pieces to build the next
// one.
type app struct {
	conn  *conn
	stack *pion.Stack
	cfg   *config.Peer

	mu     sync.Mutex
	engine *service.Engine
	call   domain.CallRecord
}

func main() {
	w := zerolog.ConsoleWriter{Out: os.Stdout}
	log.Logger = zerolog.New(w).With().Timestamp().Logger()

	var (
		user     = flag.String("user", "", "user id to register as (required)")
		callUser = flag.String("call", "", "user id to call on startup")
		callType = flag.String("type", "video", "call type: audio or video")
		answer   = flag.Bool("answer", true, "auto-accept incoming calls")
	)
	flag.Parse()
	if *user == "" {
		log.Fatal().Msg("-user is required")
	}

	if err := config.LoadEnv(); err != nil {
		log.Fatal().Err(err).Msg("Failed to load env file")
	}
	cfg, err := config.New[config.Peer]()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to parse config")
	}

	stack, err := pion.NewStack()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to build webrtc stack")
	}

	wsConn, _, err := websocket.DefaultDialer.Dial(cfg.ServerURL, nil)
	if err != nil {
		log.Fatal().Err(err).Str("url", cfg.ServerURL).Msg("Failed to reach signaling server")
	}
	defer wsConn.Close()

	a := &app{
		conn:  &conn{self: domain.UserID(*user), ws: wsConn},
		stack: stack,
		cfg:   cfg,
	}

	if err := a.conn.send(eventRegisterUser, map[string]string{"userId": *user}); err != nil {
		log.Fatal().Err(err).Msg("Failed to register")
	}
	log.Info().Str("user_id", *user).Msg("Registered with signaling server")

	if *callUser != "" {
		err := a.conn.send(eventCall, map[string]string{
			"caller": *user,
			"other":  *callUser,
			"type":   *callType,
		})
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to place call")
		}
		log.Info().Str("callee", *callUser).Msg("Calling")
	}

	go a.readLoop(*answer)

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt, syscall.SIGTERM)
	<-quit

	a.hangUp()
	log.Info().Msg("Peer exited")
}

func (a *app) readLoop(autoAnswer bool) {
	ctx := context.Background()
	for {
		var env envelope
		if err := a.conn.ws.ReadJSON(&env); err != nil {
			log.Error().Err(err).Msg("Signaling connection lost")
			return
		}

		switch env.Event {
		case eventIncomingCall:
			var notice domain.CallNotice
			if err := json.Unmarshal(env.Data, &notice); err != nil {
				log.Error().Err(err).Msg("Bad incoming-call payload")
				continue
			}
			a.onCallNotice(ctx, notice, autoAnswer)

		case eventReconnectNeeded:
			a.mu.Lock()
			engine := a.engine
			a.mu.Unlock()
			if engine != nil {
				if err := engine.ReconnectNeeded(ctx); err != nil {
					log.Error().Err(err).Msg("Reconnect handling failed")
				}
			}

		case eventOffer:
			var sig domain.OfferSignal
			if err := json.Unmarshal(env.Data, &sig); err != nil {
				continue
			}
			if engine := a.currentEngine(); engine != nil {
				if err := engine.HandleOffer(ctx, sig); err != nil {
					log.Error().Err(err).Msg("Offer handling failed")
				}
			}

		case eventAnswer:
			var sig domain.AnswerSignal
			if err := json.Unmarshal(env.Data, &sig); err != nil {
				continue
			}
			if engine := a.currentEngine(); engine != nil {
				if err := engine.HandleAnswer(ctx, sig); err != nil {
					log.Error().Err(err).Msg("Answer handling failed")
				}
			}

		case eventICECandidate:
			var sig domain.CandidateSignal
			if err := json.Unmarshal(env.Data, &sig); err != nil {
				continue
			}
			if engine := a.currentEngine(); engine != nil {
				if err := engine.HandleCandidate(sig); err != nil {
					log.Error().Err(err).Msg("Candidate handling failed")
				}
			}
		}
	}
}

func (a *app) onCallNotice(ctx context.Context, notice domain.CallNotice, autoAnswer bool) {
	switch notice.Status {
	case domain.StatusCalling:
		if notice.Callee == a.conn.self && autoAnswer {
			log.Info().Str("caller", notice.Caller.String()).Msg("Incoming call, accepting")
			if err := a.conn.send(eventAcceptCall, map[string]string{"callId": notice.CallID.String()}); err != nil {
				log.Error().Err(err).Msg("Accept failed")
			}
		} else {
			log.Info().Str("caller", notice.Caller.String()).Str("call_id", notice.CallID.String()).Msg("Ringing")
		}

	case domain.StatusAccepted:
		a.startEngine(ctx, notice.CallRecord)

	case domain.StatusCalleeBusy:
		log.Warn().Str("reason", notice.Reason).Msg("Callee busy")

	case domain.StatusEnded, domain.StatusRejected, domain.StatusDisconnected:
		log.Info().Str("status", string(notice.Status)).Msg("Call over")
		a.stopEngine()
	}
}

func (a *app) startEngine(ctx context.Context, rec domain.CallRecord) {
	a.mu.Lock()
	if a.engine != nil {
		a.engine.Stop()
	}
	remote := rec.Other(a.conn.self)
	engine := service.NewEngine(service.EngineConfig{
		LocalUser:      a.conn.self,
		RemoteUser:     remote,
		CallType:       rec.Type,
		Offerer:        rec.Caller == a.conn.self,
		Transport:      a.stack.NewTransport(pion.Config{STUNURLs: a.cfg.STUNURLs}),
		Media:          a.stack,
		Signals:        a.conn,
		AcquireTimeout: a.cfg.AcquireTimeout,
		OnRemoteTrack: func(role domain.MediaRole, track port.RemoteTrack) {
			log.Info().Str("role", string(role)).Str("track_id", track.ID()).Msg("Remote track live")
		},
		OnDown: func() {
			log.Warn().Msg("Peer transport went down, waiting for signaling to resolve it")
		},
	})
	a.engine = engine
	a.call = rec
	a.mu.Unlock()

	if err := engine.Start(ctx); err != nil {
		log.Error().Err(err).Msg("Engine start failed")
	}
}

func (a *app) currentEngine() *service.Engine {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.engine
}

func (a *app) stopEngine() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.engine != nil {
		a.engine.Stop()
		a.engine = nil
	}
}

func (a *app) hangUp() {
	a.mu.Lock()
	rec := a.call
	engine := a.engine
	a.engine = nil
	a.mu.Unlock()

	if engine != nil {
		engine.Stop()
		_ = a.conn.send(eventHangUp, map[string]string{
			"callId": rec.CallID.String(),
			"by":     a.conn.self.String(),
		})
	}
}
