//go:build linux

package pion

import (
	"context"
	"time"

	"github.com/crewchat/calls/internal/core/domain"
	"github.com/crewchat/calls/internal/core/port"
	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"     // registers the V4L2 camera driver
	_ "github.com/pion/mediadevices/pkg/driver/microphone" // registers the malgo microphone driver
	_ "github.com/pion/mediadevices/pkg/driver/screen"     // registers the X11 screen driver
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Stack bundles the webrtc API with the codec selector that mediadevices
// tracks are encoded against. Both must share one media engine or
// SetRemoteDescription rejects the negotiated codecs.
type Stack struct {
	api      *webrtc.API
	selector *mediadevices.CodecSelector
}

func NewStack() (*Stack, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = 1_500_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}

	selector := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)

	mediaEngine := &webrtc.MediaEngine{}
	selector.Populate(mediaEngine)

	registry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, registry); err != nil {
		return nil, err
	}

	// The default 5s disconnectedTimeout tears a call down on any brief NAT
	// hiccup; give ICE room to recover before OnDown fires.
	se := webrtc.SettingEngine{}
	se.SetICETimeouts(30*time.Second, 120*time.Second, 2*time.Second)

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(registry),
		webrtc.WithSettingEngine(se),
	)

	return &Stack{api: api, selector: selector}, nil
}

// Acquire opens the capture device for one role. The attempt is bounded by
// ctx: mediadevices itself does not take a context, so acquisition runs in
// a goroutine and a late-arriving track is released immediately.
func (s *Stack) Acquire(ctx context.Context, role domain.MediaRole) port.CaptureResult {
	type outcome struct {
		track mediadevices.Track
		err   error
	}
	ch := make(chan outcome, 1)

	go func() {
		track, err := s.open(role)
		ch <- outcome{track: track, err: err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if out := <-ch; out.track != nil {
				out.track.Close()
			}
		}()
		log.Warn().Str("role", string(role)).Msg("Hardware acquisition timed out")
		return port.CaptureResult{Outcome: port.CaptureUnavailable}
	case out := <-ch:
		if out.err != nil {
			log.Warn().Err(out.err).Str("role", string(role)).Msg("Hardware acquisition failed")
			return port.CaptureResult{Outcome: port.CaptureDenied}
		}
		if out.track == nil {
			return port.CaptureResult{Outcome: port.CaptureUnavailable}
		}
		track := out.track
		return port.CaptureResult{
			Outcome: port.CaptureGranted,
			Track: &localTrack{
				track: track,
				kind:  role.Kind(),
				stop:  track.Close,
			},
		}
	}
}

func (s *Stack) open(role domain.MediaRole) (mediadevices.Track, error) {
	var stream mediadevices.MediaStream
	var err error

	switch role {
	case domain.RoleCameraVideo:
		stream, err = mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Codec: s.selector,
			Video: func(c *mediadevices.MediaTrackConstraints) {
				// Raw formats only: some cameras expose an MJPEG node with
				// malformed frames that poisons the VP8 encoder.
				c.FrameFormat = prop.FrameFormatOneOf{
					frame.FormatYUYV,
					frame.FormatI420,
					frame.FormatI444,
					frame.FormatRGBA,
				}
				c.Width = prop.IntRanged{Max: 640}
				c.Height = prop.IntRanged{Max: 480}
			},
		})
	case domain.RoleMicrophoneAudio:
		stream, err = mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
			Codec: s.selector,
			Audio: func(_ *mediadevices.MediaTrackConstraints) {},
		})
	case domain.RoleScreenVideo:
		stream, err = mediadevices.GetDisplayMedia(mediadevices.MediaStreamConstraints{
			Codec: s.selector,
			Video: func(_ *mediadevices.MediaTrackConstraints) {},
		})
	default:
		// No system-audio capture driver; screen audio stays a placeholder.
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	tracks := stream.GetTracks()
	if len(tracks) == 0 {
		return nil, nil
	}
	track := tracks[0]
	for _, extra := range tracks[1:] {
		extra.Close()
	}
	return track, nil
}
