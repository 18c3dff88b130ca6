// Package pion adapts a webrtc.PeerConnection to the negotiation engine's
// PeerTransport port and handles hardware capture. Capture is only real on
// Linux (V4L2 camera, malgo microphone, X11 screen); elsewhere every role
// degrades to a placeholder so a call can still receive media.
package pion

import (
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/crewchat/calls/internal/core/domain"
	"github.com/crewchat/calls/internal/core/port"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"
)

// Config for building peer connections.
type Config struct {
	STUNURLs []string
}

func (c Config) iceServers() []webrtc.ICEServer {
	urls := c.STUNURLs
	if len(urls) == 0 {
		urls = []string{"stun:stun.l.google.com:19302"}
	}
	return []webrtc.ICEServer{{URLs: urls}}
}

// localTrack wraps a webrtc track plus the release hook for its capture
// device. Placeholders have no hook.
type localTrack struct {
	track webrtc.TrackLocal
	kind  domain.TrackKind
	stop  func() error
}

func (t *localTrack) Kind() domain.TrackKind { return t.kind }

func (t *localTrack) Stop() error {
	if t.stop == nil {
		return nil
	}
	return t.stop()
}

type remoteTrack struct {
	track *webrtc.TrackRemote
}

func (t *remoteTrack) ID() string { return t.track.ID() }

func (t *remoteTrack) Kind() domain.TrackKind {
	if t.track.Kind() == webrtc.RTPCodecTypeAudio {
		return domain.TrackKindAudio
	}
	return domain.TrackKindVideo
}

// Placeholder returns a static sample track that never produces frames: a
// blank video or silent audio slot that keeps the transceiver layout and
// direction intact while the real device is off.
func (s *Stack) Placeholder(role domain.MediaRole) port.LocalTrack {
	var capability webrtc.RTPCodecCapability
	if role.Kind() == domain.TrackKindAudio {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}
	} else {
		capability = webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}
	}
	track, err := webrtc.NewTrackLocalStaticSample(capability, string(role)+"-placeholder", "placeholder")
	if err != nil {
		// Only reachable with a broken codec capability constant.
		log.Error().Err(err).Str("role", string(role)).Msg("Failed to build placeholder track")
		return &localTrack{kind: role.Kind()}
	}
	return &localTrack{track: track, kind: role.Kind()}
}

// NewTransport returns a factory producing one Transport per negotiation
// attempt.
func (s *Stack) NewTransport(cfg Config) port.TransportFactory {
	return func() (port.PeerTransport, error) {
		pc, err := s.api.NewPeerConnection(webrtc.Configuration{
			ICEServers: cfg.iceServers(),
		})
		if err != nil {
			return nil, err
		}
		return &Transport{pc: pc, done: make(chan struct{})}, nil
	}
}

// Transport implements port.PeerTransport on a Pion peer connection.
type Transport struct {
	pc *webrtc.PeerConnection

	closeOnce sync.Once
	done      chan struct{}

	downOnce sync.Once
}

func (t *Transport) AddTransceiver(kind domain.TrackKind, initial port.LocalTrack) (port.Transceiver, error) {
	lt, ok := initial.(*localTrack)
	if !ok || lt.track == nil {
		return nil, errors.New("pion: initial track is not a pion local track")
	}
	tr, err := t.pc.AddTransceiverFromTrack(lt.track, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionSendrecv,
	})
	if err != nil {
		return nil, err
	}
	return &transceiver{tr: tr}, nil
}

type transceiver struct {
	tr *webrtc.RTPTransceiver
}

func (t *transceiver) ReplaceTrack(next port.LocalTrack) error {
	lt, ok := next.(*localTrack)
	if !ok {
		return errors.New("pion: replacement track is not a pion local track")
	}
	return t.tr.Sender().ReplaceTrack(lt.track)
}

func (t *Transport) CreateOffer(ctx context.Context) (domain.SessionDescription, error) {
	desc, err := t.pc.CreateOffer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(desc), nil
}

func (t *Transport) CreateAnswer(ctx context.Context) (domain.SessionDescription, error) {
	desc, err := t.pc.CreateAnswer(nil)
	if err != nil {
		return domain.SessionDescription{}, err
	}
	return fromPion(desc), nil
}

func (t *Transport) SetLocalDescription(sdp domain.SessionDescription) error {
	return t.pc.SetLocalDescription(toPion(sdp))
}

func (t *Transport) SetRemoteDescription(sdp domain.SessionDescription) error {
	return t.pc.SetRemoteDescription(toPion(sdp))
}

func (t *Transport) AddCandidate(cand domain.Candidate) error {
	return t.pc.AddICECandidate(webrtc.ICECandidateInit{
		Candidate:     cand.Candidate,
		SDPMid:        cand.SDPMid,
		SDPMLineIndex: cand.SDPMLineIndex,
	})
}

func (t *Transport) OnCandidate(fn func(domain.Candidate)) {
	t.pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		init := c.ToJSON()
		fn(domain.Candidate{
			Candidate:     init.Candidate,
			SDPMid:        init.SDPMid,
			SDPMLineIndex: init.SDPMLineIndex,
		})
	})
}

func (t *Transport) OnTrack(fn func(slot int, track port.RemoteTrack)) {
	t.pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		slot := t.slotIndex(receiver)
		if slot < 0 {
			log.Warn().Str("track_id", remote.ID()).Msg("Remote track on unknown transceiver")
			return
		}

		go t.drain(remote)
		if remote.Kind() == webrtc.RTPCodecTypeVideo {
			go t.keyframeLoop(remote)
		}

		fn(slot, &remoteTrack{track: remote})
	})
}

// slotIndex finds the transceiver position for a receiver. Transceivers are
// stored in creation order, which is the fixed role order both ends use.
func (t *Transport) slotIndex(receiver *webrtc.RTPReceiver) int {
	for i, tr := range t.pc.GetTransceivers() {
		if tr.Receiver() == receiver {
			return i
		}
	}
	return -1
}

// drain keeps reading inbound RTP so jitter buffers never back up; the UI
// consumes frames further downstream via its own reader when it wants them.
func (t *Transport) drain(remote *webrtc.TrackRemote) {
	buf := make([]byte, 1500)
	for {
		select {
		case <-t.done:
			return
		default:
		}
		if _, _, err := remote.Read(buf); err != nil {
			if !errors.Is(err, io.EOF) {
				log.Debug().Err(err).Str("track_id", remote.ID()).Msg("Remote track read ended")
			}
			return
		}
	}
}

// keyframeLoop requests a keyframe right away and then periodically, so a
// freshly routed or re-enabled video slot renders without a long wait.
func (t *Transport) keyframeLoop(remote *webrtc.TrackRemote) {
	sendPLI := func() {
		err := t.pc.WriteRTCP([]rtcp.Packet{
			&rtcp.PictureLossIndication{MediaSSRC: uint32(remote.SSRC())},
		})
		if err != nil && !errors.Is(err, io.ErrClosedPipe) {
			log.Debug().Err(err).Msg("PLI write failed")
		}
	}

	sendPLI()
	ticker := time.NewTicker(3 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
			sendPLI()
		}
	}
}

func (t *Transport) OnNegotiationNeeded(fn func()) {
	t.pc.OnNegotiationNeeded(fn)
}

func (t *Transport) OnDown(fn func()) {
	t.pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		switch state {
		case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateDisconnected:
			t.downOnce.Do(fn)
		}
	})
}

func (t *Transport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		close(t.done)
		err = t.pc.Close()
	})
	return err
}

func fromPion(desc webrtc.SessionDescription) domain.SessionDescription {
	return domain.SessionDescription{Type: desc.Type.String(), SDP: desc.SDP}
}

func toPion(sdp domain.SessionDescription) webrtc.SessionDescription {
	return webrtc.SessionDescription{Type: webrtc.NewSDPType(sdp.Type), SDP: sdp.SDP}
}

var (
	_ port.PeerTransport = (*Transport)(nil)
	_ port.MediaSource   = (*Stack)(nil)
)
