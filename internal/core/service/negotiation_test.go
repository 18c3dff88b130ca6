package service

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/crewchat/calls/internal/core/domain"
	"github.com/crewchat/calls/internal/core/port"
)

type fakeTrack struct {
	kind        domain.TrackKind
	placeholder bool
	mu          sync.Mutex
	stopped     bool
}

func (t *fakeTrack) Kind() domain.TrackKind { return t.kind }

func (t *fakeTrack) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

func (t *fakeTrack) isStopped() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopped
}

type fakeRemoteTrack struct {
	id   string
	kind domain.TrackKind
}

func (t *fakeRemoteTrack) ID() string             { return t.id }
func (t *fakeRemoteTrack) Kind() domain.TrackKind { return t.kind }

type fakeMedia struct {
	mu   sync.Mutex
	deny map[domain.MediaRole]bool
}

func (m *fakeMedia) Acquire(_ context.Context, role domain.MediaRole) port.CaptureResult {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.deny[role] {
		return port.CaptureResult{Outcome: port.CaptureDenied}
	}
	return port.CaptureResult{
		Outcome: port.CaptureGranted,
		Track:   &fakeTrack{kind: role.Kind()},
	}
}

func (m *fakeMedia) Placeholder(role domain.MediaRole) port.LocalTrack {
	return &fakeTrack{kind: role.Kind(), placeholder: true}
}

type fakeTransceiver struct {
	kind     domain.TrackKind
	mu       sync.Mutex
	replaced []port.LocalTrack
}

func (t *fakeTransceiver) ReplaceTrack(next port.LocalTrack) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.replaced = append(t.replaced, next)
	return nil
}

func (t *fakeTransceiver) current() port.LocalTrack {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.replaced) == 0 {
		return nil
	}
	return t.replaced[len(t.replaced)-1]
}

type fakeTransport struct {
	mu           sync.Mutex
	transceivers []*fakeTransceiver
	initial      []port.LocalTrack
	localDescs   []domain.SessionDescription
	remoteDescs  []domain.SessionDescription
	applied      []domain.Candidate
	offers       int
	answers      int
	closed       bool

	onCandidate func(domain.Candidate)
	onTrack     func(int, port.RemoteTrack)
	onNegotiate func()
	onDown      func()
}

func (t *fakeTransport) AddTransceiver(kind domain.TrackKind, initial port.LocalTrack) (port.Transceiver, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	tr := &fakeTransceiver{kind: kind}
	t.transceivers = append(t.transceivers, tr)
	t.initial = append(t.initial, initial)
	return tr, nil
}

func (t *fakeTransport) CreateOffer(context.Context) (domain.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.offers++
	return domain.SessionDescription{Type: "offer", SDP: fmt.Sprintf("offer-%d", t.offers)}, nil
}

func (t *fakeTransport) CreateAnswer(context.Context) (domain.SessionDescription, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.answers++
	return domain.SessionDescription{Type: "answer", SDP: fmt.Sprintf("answer-%d", t.answers)}, nil
}

func (t *fakeTransport) SetLocalDescription(sdp domain.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.localDescs = append(t.localDescs, sdp)
	return nil
}

func (t *fakeTransport) SetRemoteDescription(sdp domain.SessionDescription) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.remoteDescs = append(t.remoteDescs, sdp)
	return nil
}

func (t *fakeTransport) AddCandidate(cand domain.Candidate) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.applied = append(t.applied, cand)
	return nil
}

func (t *fakeTransport) OnCandidate(fn func(domain.Candidate))        { t.onCandidate = fn }
func (t *fakeTransport) OnTrack(fn func(int, port.RemoteTrack))       { t.onTrack = fn }
func (t *fakeTransport) OnNegotiationNeeded(fn func())                { t.onNegotiate = fn }
func (t *fakeTransport) OnDown(fn func())                             { t.onDown = fn }

func (t *fakeTransport) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.closed = true
	return nil
}

func (t *fakeTransport) appliedCandidates() []domain.Candidate {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]domain.Candidate, len(t.applied))
	copy(out, t.applied)
	return out
}

type fakeSignals struct {
	mu         sync.Mutex
	offers     []domain.OfferSignal
	answers    []domain.AnswerSignal
	candidates []domain.CandidateSignal
}

func (s *fakeSignals) SendOffer(_ context.Context, to domain.UserID, sdp domain.SessionDescription, roles domain.RoleMap) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offers = append(s.offers, domain.OfferSignal{To: to, SDP: sdp, RoleMap: roles})
	return nil
}

func (s *fakeSignals) SendAnswer(_ context.Context, to domain.UserID, sdp domain.SessionDescription) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.answers = append(s.answers, domain.AnswerSignal{To: to, SDP: sdp})
	return nil
}

func (s *fakeSignals) SendCandidate(_ context.Context, to domain.UserID, cand domain.Candidate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, domain.CandidateSignal{To: to, Candidate: cand})
	return nil
}

func (s *fakeSignals) offerCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.offers)
}

type engineFixture struct {
	engine     *Engine
	media      *fakeMedia
	signals    *fakeSignals
	transports []*fakeTransport

	mu          sync.Mutex
	remoteRoles []domain.MediaRole
}

func newEngineFixture(t *testing.T, offerer bool, callType domain.CallType) *engineFixture {
	t.Helper()
	f := &engineFixture{
		media:   &fakeMedia{deny: make(map[domain.MediaRole]bool)},
		signals: &fakeSignals{},
	}
	f.engine = NewEngine(EngineConfig{
		LocalUser:  "alice",
		RemoteUser: "bob",
		CallType:   callType,
		Offerer:    offerer,
		Transport: func() (port.PeerTransport, error) {
			tr := &fakeTransport{}
			f.mu.Lock()
			f.transports = append(f.transports, tr)
			f.mu.Unlock()
			return tr, nil
		},
		Media:   f.media,
		Signals: f.signals,
		OnRemoteTrack: func(role domain.MediaRole, _ port.RemoteTrack) {
			f.mu.Lock()
			f.remoteRoles = append(f.remoteRoles, role)
			f.mu.Unlock()
		},
	})
	return f
}

func (f *engineFixture) transport(t *testing.T, i int) *fakeTransport {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if i >= len(f.transports) {
		t.Fatalf("transport %d was never created (have %d)", i, len(f.transports))
	}
	return f.transports[i]
}

func cand(n int) domain.CandidateSignal {
	return domain.CandidateSignal{
		From:      "bob",
		To:        "alice",
		Candidate: domain.Candidate{Candidate: fmt.Sprintf("candidate-%d", n)},
	}
}

func TestOffererStartLaysOutFourSlotsAndPublishesOffer(t *testing.T) {
	f := newEngineFixture(t, true, domain.CallTypeVideo)

	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	tr := f.transport(t, 0)
	if len(tr.transceivers) != 4 {
		t.Fatalf("expected 4 transceivers, got %d", len(tr.transceivers))
	}
	wantKinds := []domain.TrackKind{
		domain.TrackKindVideo, domain.TrackKindAudio,
		domain.TrackKindVideo, domain.TrackKindAudio,
	}
	for i, want := range wantKinds {
		if tr.transceivers[i].kind != want {
			t.Fatalf("slot %d kind = %s, want %s", i, tr.transceivers[i].kind, want)
		}
	}

	// Camera and mic start live on a video call; screen slots on placeholders.
	if f.engine.Enabled(domain.RoleCameraVideo) != true || f.engine.Enabled(domain.RoleMicrophoneAudio) != true {
		t.Fatal("camera and microphone should start enabled")
	}
	if f.engine.Enabled(domain.RoleScreenVideo) || f.engine.Enabled(domain.RoleScreenAudio) {
		t.Fatal("screen slots must start disabled")
	}

	if f.signals.offerCount() != 1 {
		t.Fatalf("expected exactly one offer, got %d", f.signals.offerCount())
	}
	offer := f.signals.offers[0]
	if offer.To != "bob" {
		t.Fatalf("offer addressed to %s", offer.To)
	}
	if err := offer.RoleMap.Validate(); err != nil {
		t.Fatalf("published role map invalid: %v", err)
	}
	if role, _ := offer.RoleMap.RoleAt(0); role != domain.RoleCameraVideo {
		t.Fatalf("slot 0 must be camera-video, got %s", role)
	}
	if len(tr.localDescs) != 1 || tr.localDescs[0].SDP != "offer-1" {
		t.Fatal("offer must be set as the local description")
	}
	if got := f.engine.State(); got != EngineOfferSent {
		t.Fatalf("state = %s, want offer-sent", got)
	}
}

func TestAudioCallStartsCameraOnPlaceholder(t *testing.T) {
	f := newEngineFixture(t, true, domain.CallTypeAudio)
	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	if f.engine.Enabled(domain.RoleCameraVideo) {
		t.Fatal("audio call must not open the camera")
	}
	if !f.engine.Enabled(domain.RoleMicrophoneAudio) {
		t.Fatal("audio call still needs the microphone")
	}
}

func TestDeniedHardwareDegradesToPlaceholder(t *testing.T) {
	f := newEngineFixture(t, true, domain.CallTypeVideo)
	f.media.deny[domain.RoleCameraVideo] = true

	if err := f.engine.Start(context.Background()); err != nil {
		t.Fatalf("start must succeed despite denial: %v", err)
	}
	if f.engine.Enabled(domain.RoleCameraVideo) {
		t.Fatal("denied camera must leave the slot disabled")
	}
	tr := f.transport(t, 0)
	ft := tr.initial[0].(*fakeTrack)
	if !ft.placeholder {
		t.Fatal("camera slot must carry a placeholder")
	}
	if f.signals.offerCount() != 1 {
		t.Fatal("the call must still go out")
	}
}

func TestAnswererHandlesOfferAndReplies(t *testing.T) {
	f := newEngineFixture(t, false, domain.CallTypeVideo)
	ctx := context.Background()

	if err := f.engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if len(f.transports) != 0 {
		t.Fatal("answerer must not prepare before an offer arrives")
	}

	offer := domain.OfferSignal{
		From:    "bob",
		To:      "alice",
		SDP:     domain.SessionDescription{Type: "offer", SDP: "remote-offer"},
		RoleMap: domain.FixedRoleMap(),
	}
	if err := f.engine.HandleOffer(ctx, offer); err != nil {
		t.Fatalf("handle offer: %v", err)
	}

	tr := f.transport(t, 0)
	if len(tr.transceivers) != 4 {
		t.Fatal("answerer must lay out the same four slots")
	}
	if len(tr.remoteDescs) != 1 || tr.remoteDescs[0].SDP != "remote-offer" {
		t.Fatal("remote offer must be applied")
	}
	if f.signals.offerCount() != 0 {
		t.Fatal("answerer must not publish an offer")
	}
	if len(f.signals.answers) != 1 || f.signals.answers[0].To != "bob" {
		t.Fatal("answer must go back to the offerer")
	}
	if got := f.engine.State(); got != EngineConnected {
		t.Fatalf("state = %s, want connected", got)
	}
}

func TestOfferWithBrokenRoleMapIsRejected(t *testing.T) {
	f := newEngineFixture(t, false, domain.CallTypeVideo)
	offer := domain.OfferSignal{
		From: "bob", To: "alice",
		SDP:     domain.SessionDescription{Type: "offer", SDP: "x"},
		RoleMap: domain.RoleMap{"0": domain.RoleCameraVideo},
	}
	if err := f.engine.HandleOffer(context.Background(), offer); err == nil {
		t.Fatal("a short role map must be rejected")
	}
}

func TestCandidatesQueueUntilRemoteDescriptionThenDrainInOrder(t *testing.T) {
	f := newEngineFixture(t, false, domain.CallTypeVideo)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		if err := f.engine.HandleCandidate(cand(i)); err != nil {
			t.Fatalf("queueing candidate %d: %v", i, err)
		}
	}

	offer := domain.OfferSignal{
		From: "bob", To: "alice",
		SDP:     domain.SessionDescription{Type: "offer", SDP: "remote-offer"},
		RoleMap: domain.FixedRoleMap(),
	}
	if err := f.engine.HandleOffer(ctx, offer); err != nil {
		t.Fatalf("handle offer: %v", err)
	}

	// A candidate arriving after the remote description applies directly.
	if err := f.engine.HandleCandidate(cand(4)); err != nil {
		t.Fatalf("late candidate: %v", err)
	}

	applied := f.transport(t, 0).appliedCandidates()
	if len(applied) != 4 {
		t.Fatalf("want 4 applied candidates exactly once, got %d", len(applied))
	}
	for i, c := range applied {
		want := fmt.Sprintf("candidate-%d", i+1)
		if c.Candidate != want {
			t.Fatalf("candidate %d applied out of order: %s", i, c.Candidate)
		}
	}
}

func TestOffererDrainsQueueOnAnswer(t *testing.T) {
	f := newEngineFixture(t, true, domain.CallTypeVideo)
	ctx := context.Background()

	if err := f.engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	f.engine.HandleCandidate(cand(1))
	f.engine.HandleCandidate(cand(2))

	if got := len(f.transport(t, 0).appliedCandidates()); got != 0 {
		t.Fatalf("candidates must wait for the answer, got %d applied", got)
	}

	answer := domain.AnswerSignal{From: "bob", To: "alice", SDP: domain.SessionDescription{Type: "answer", SDP: "remote-answer"}}
	if err := f.engine.HandleAnswer(ctx, answer); err != nil {
		t.Fatalf("handle answer: %v", err)
	}

	applied := f.transport(t, 0).appliedCandidates()
	if len(applied) != 2 || applied[0].Candidate != "candidate-1" {
		t.Fatalf("queued candidates must drain in order after the answer: %+v", applied)
	}
	if got := f.engine.State(); got != EngineConnected {
		t.Fatalf("state = %s, want connected", got)
	}
}

func TestToggleOffThenOnKeepsOneTransceiverPerRole(t *testing.T) {
	f := newEngineFixture(t, true, domain.CallTypeVideo)
	ctx := context.Background()
	if err := f.engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	tr := f.transport(t, 0)
	liveCamera := tr.initial[0].(*fakeTrack)

	if err := f.engine.Toggle(ctx, domain.RoleCameraVideo, false); err != nil {
		t.Fatalf("toggle off: %v", err)
	}
	if !liveCamera.isStopped() {
		t.Fatal("toggling off must release the device")
	}
	slot0 := tr.transceivers[0]
	if cur, ok := slot0.current().(*fakeTrack); !ok || !cur.placeholder {
		t.Fatal("the slot must carry a placeholder while off")
	}

	if err := f.engine.Toggle(ctx, domain.RoleCameraVideo, true); err != nil {
		t.Fatalf("toggle on: %v", err)
	}
	if cur, ok := slot0.current().(*fakeTrack); !ok || cur.placeholder {
		t.Fatal("the slot must carry the live track when back on")
	}
	if len(tr.transceivers) != 4 {
		t.Fatalf("toggling must never add transceivers, got %d", len(tr.transceivers))
	}
	if !f.engine.Enabled(domain.RoleCameraVideo) {
		t.Fatal("role should report enabled again")
	}
}

func TestToggleOnFailureKeepsPlaceholderAndReports(t *testing.T) {
	f := newEngineFixture(t, true, domain.CallTypeVideo)
	ctx := context.Background()
	if err := f.engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	f.media.mu.Lock()
	f.media.deny[domain.RoleScreenVideo] = true
	f.media.mu.Unlock()

	err := f.engine.Toggle(ctx, domain.RoleScreenVideo, true)
	if err != domain.ErrMediaUnavailable {
		t.Fatalf("expected ErrMediaUnavailable, got %v", err)
	}
	if f.engine.Enabled(domain.RoleScreenVideo) {
		t.Fatal("failed toggle must leave the role disabled")
	}
}

func TestToggleIsIdempotentPerDirection(t *testing.T) {
	f := newEngineFixture(t, true, domain.CallTypeVideo)
	ctx := context.Background()
	if err := f.engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	tr := f.transport(t, 0)
	slot1 := tr.transceivers[1]

	f.engine.Toggle(ctx, domain.RoleMicrophoneAudio, false)
	replacements := len(slot1.replaced)
	f.engine.Toggle(ctx, domain.RoleMicrophoneAudio, false)
	if len(slot1.replaced) != replacements {
		t.Fatal("a second off must not replace the track again")
	}
}

func TestRemoteTracksRouteByOffererRoleMap(t *testing.T) {
	f := newEngineFixture(t, false, domain.CallTypeVideo)
	ctx := context.Background()

	// The offerer sends a shuffled map; the answerer must trust it rather
	// than its own layout.
	shuffled := domain.RoleMap{
		"0": domain.RoleMicrophoneAudio,
		"1": domain.RoleCameraVideo,
		"2": domain.RoleScreenAudio,
		"3": domain.RoleScreenVideo,
	}
	offer := domain.OfferSignal{
		From: "bob", To: "alice",
		SDP:     domain.SessionDescription{Type: "offer", SDP: "remote-offer"},
		RoleMap: shuffled,
	}
	if err := f.engine.HandleOffer(ctx, offer); err != nil {
		t.Fatalf("handle offer: %v", err)
	}

	tr := f.transport(t, 0)
	tr.onTrack(0, &fakeRemoteTrack{id: "a", kind: domain.TrackKindAudio})
	tr.onTrack(1, &fakeRemoteTrack{id: "b", kind: domain.TrackKindVideo})

	f.mu.Lock()
	got := append([]domain.MediaRole(nil), f.remoteRoles...)
	f.mu.Unlock()
	want := []domain.MediaRole{domain.RoleMicrophoneAudio, domain.RoleCameraVideo}
	if len(got) != len(want) || got[0] != want[0] || got[1] != want[1] {
		t.Fatalf("routed roles = %v, want %v", got, want)
	}
}

func TestNegotiationNeededOnlyMovesTheOfferer(t *testing.T) {
	offerer := newEngineFixture(t, true, domain.CallTypeVideo)
	ctx := context.Background()
	if err := offerer.engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	offerer.transport(t, 0).onNegotiate()
	if offerer.signals.offerCount() != 2 {
		t.Fatalf("offerer should republish, got %d offers", offerer.signals.offerCount())
	}

	answerer := newEngineFixture(t, false, domain.CallTypeVideo)
	offer := domain.OfferSignal{
		From: "bob", To: "alice",
		SDP:     domain.SessionDescription{Type: "offer", SDP: "remote-offer"},
		RoleMap: domain.FixedRoleMap(),
	}
	if err := answerer.engine.HandleOffer(ctx, offer); err != nil {
		t.Fatalf("handle offer: %v", err)
	}
	answerer.transport(t, 0).onNegotiate()
	if answerer.signals.offerCount() != 0 {
		t.Fatal("answerer must wait for an offer instead of producing one")
	}
}

func TestReconnectNeededRestartsOnlyTheOfferer(t *testing.T) {
	f := newEngineFixture(t, true, domain.CallTypeVideo)
	ctx := context.Background()
	if err := f.engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}

	if err := f.engine.ReconnectNeeded(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !f.transport(t, 0).closed {
		t.Fatal("old transport must be torn down")
	}
	if len(f.transports) != 2 {
		t.Fatalf("offerer must build a fresh transport, have %d", len(f.transports))
	}
	if f.signals.offerCount() != 2 {
		t.Fatalf("offerer must publish a fresh offer, got %d", f.signals.offerCount())
	}
}

func TestReconnectNeededParksTheAnswerer(t *testing.T) {
	f := newEngineFixture(t, false, domain.CallTypeVideo)
	ctx := context.Background()
	offer := domain.OfferSignal{
		From: "bob", To: "alice",
		SDP:     domain.SessionDescription{Type: "offer", SDP: "remote-offer"},
		RoleMap: domain.FixedRoleMap(),
	}
	if err := f.engine.HandleOffer(ctx, offer); err != nil {
		t.Fatalf("handle offer: %v", err)
	}

	if err := f.engine.ReconnectNeeded(ctx); err != nil {
		t.Fatalf("reconnect: %v", err)
	}
	if !f.transport(t, 0).closed {
		t.Fatal("answerer must tear down its transport")
	}
	if len(f.transports) != 1 {
		t.Fatal("answerer must not build a new transport on its own")
	}
	if f.signals.offerCount() != 0 {
		t.Fatal("answerer must not publish an offer")
	}
	if got := f.engine.State(); got != EngineIdle {
		t.Fatalf("state = %s, want idle", got)
	}
}

func TestStopReleasesEverythingAndIsIdempotent(t *testing.T) {
	f := newEngineFixture(t, true, domain.CallTypeVideo)
	ctx := context.Background()
	if err := f.engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	tr := f.transport(t, 0)
	liveCamera := tr.initial[0].(*fakeTrack)
	liveMic := tr.initial[1].(*fakeTrack)

	f.engine.Stop()
	f.engine.Stop()

	if !tr.closed {
		t.Fatal("transport must be closed")
	}
	if !liveCamera.isStopped() || !liveMic.isStopped() {
		t.Fatal("all hardware tracks must be released")
	}
	if got := f.engine.State(); got != EngineClosed {
		t.Fatalf("state = %s, want closed", got)
	}

	// Signals landing after Stop are swallowed, not applied.
	if err := f.engine.HandleCandidate(cand(9)); err != nil {
		t.Fatalf("post-stop candidate must be a no-op, got %v", err)
	}
	if len(tr.appliedCandidates()) != 0 {
		t.Fatal("post-stop candidate must not be applied")
	}
}
