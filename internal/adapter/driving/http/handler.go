package http

import (
	"net/http"

	"github.com/crewchat/calls/internal/adapter/driven/gateway/ws"
	"github.com/crewchat/calls/internal/core/service"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
)

type Handler struct {
	Sessions *service.SessionService
	Hub      *ws.Hub
}

func NewHandler(sessions *service.SessionService, hub *ws.Hub) *Handler {
	return &Handler{
		Sessions: sessions,
		Hub:      hub,
	}
}

func (h *Handler) NewRouter() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	r.Get("/ws", h.ServeWS)

	return r
}
