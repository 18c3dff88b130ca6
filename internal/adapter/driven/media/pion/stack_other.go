//go:build !linux

package pion

import (
	"context"

	"github.com/crewchat/calls/internal/core/domain"
	"github.com/crewchat/calls/internal/core/port"
	"github.com/pion/interceptor"
	"github.com/pion/webrtc/v4"
)

// Stack without capture drivers: calls negotiate and receive remote media,
// but every local role rides a placeholder.
type Stack struct {
	api *webrtc.API
}

func NewStack() (*Stack, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
	)
	return &Stack{api: api}, nil
}

func (s *Stack) Acquire(ctx context.Context, role domain.MediaRole) port.CaptureResult {
	return port.CaptureResult{Outcome: port.CaptureUnavailable}
}
