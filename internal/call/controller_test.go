package call

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/1ureka/p2pcall/internal/config"
	"github.com/1ureka/p2pcall/internal/peer"
	"github.com/1ureka/p2pcall/internal/signaling"
)

const (
	testOfferSDP  = "v=0\r\no=- 1 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\n"
	testAnswerSDP = "v=0\r\no=- 2 1 IN IP4 0.0.0.0\r\ns=-\r\nt=0 0\r\nm=video 9 UDP/TLS/RTP/SAVPF 96\r\n"
	candA         = "candidate:1 1 udp 2130706431 192.0.2.1 50000 typ host"
	candB         = "candidate:2 1 udp 1694498815 198.51.100.7 50001 typ srflx raddr 192.0.2.1 rport 50000"
)

// Compile-time interface checks.
var (
	_ Session     = (*fakeSession)(nil)
	_ MediaSource = (*fakeSource)(nil)
	_ Sink        = (*fakeSink)(nil)
	_ View        = (*recordingView)(nil)
)

// ---------------------------------------------------------------------------
// Fakes
// ---------------------------------------------------------------------------

// fakeSession records every call made on it. When gate is set,
// SetRemoteDescription signals entered and blocks until gate is closed.
type fakeSession struct {
	mu         sync.Mutex
	tracks     int
	local      []webrtc.SessionDescription
	remote     []webrtc.SessionDescription
	candidates []string
	keyframes  int
	closed     bool
	observer   peer.Observer
	sub        peer.Observer // last subscribed observer, kept after unsubscribe

	// candidatesOnLocal are reported synchronously from SetLocalDescription.
	candidatesOnLocal []string
	remoteErr         error
	gate              chan struct{}
	entered           chan struct{}
}

func (s *fakeSession) AddTrack(webrtc.TrackLocal) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tracks++
	return nil
}

func (s *fakeSession) CreateOffer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: testOfferSDP}, nil
}

func (s *fakeSession) CreateAnswer() (webrtc.SessionDescription, error) {
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: testAnswerSDP}, nil
}

func (s *fakeSession) SetLocalDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	s.local = append(s.local, desc)
	pending := s.candidatesOnLocal
	s.mu.Unlock()

	for _, c := range pending {
		s.emitCandidate(c)
	}
	return nil
}

func (s *fakeSession) SetRemoteDescription(desc webrtc.SessionDescription) error {
	s.mu.Lock()
	gate, entered, err := s.gate, s.entered, s.remoteErr
	s.mu.Unlock()

	if gate != nil {
		close(entered)
		<-gate
	}
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.remote = append(s.remote, desc)
	return nil
}

func (s *fakeSession) AddICECandidate(c webrtc.ICECandidateInit) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.candidates = append(s.candidates, c.Candidate)
	return nil
}

func (s *fakeSession) RequestKeyframe(webrtc.SSRC) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.keyframes++
	return nil
}

func (s *fakeSession) Subscribe(o peer.Observer) func() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observer = o
	s.sub = o
	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.observer = nil
	}
}

func (s *fakeSession) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	s.observer = nil
	return nil
}

func (s *fakeSession) current() peer.Observer {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.observer
}

func (s *fakeSession) emitCandidate(c string) {
	if o := s.current(); o != nil {
		o.OnICECandidate(webrtc.ICECandidateInit{Candidate: c})
	}
}

func (s *fakeSession) emitState(state webrtc.PeerConnectionState) {
	if o := s.current(); o != nil {
		o.OnConnectionStateChange(state)
	}
}

func (s *fakeSession) appliedCandidates() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.candidates...)
}

func (s *fakeSession) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type fakeSource struct {
	tracks []webrtc.TrackLocal
	closed bool
}

func (f *fakeSource) Tracks() []webrtc.TrackLocal { return f.tracks }
func (f *fakeSource) Close() error                { f.closed = true; return nil }

type fakeSink struct {
	mu       sync.Mutex
	attached []string
	resets   int
	keyframe func()
}

func (f *fakeSink) Attach(track peer.RemoteTrack, requestKeyframe func()) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = append(f.attached, track.ID())
	f.keyframe = requestKeyframe
}

func (f *fakeSink) Reset() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.attached = nil
	f.resets++
}

func (f *fakeSink) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.attached)
}

func (f *fakeSink) resetCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.resets
}

type outgoingText struct {
	kind signaling.Kind
	text string
}

type recordingView struct {
	mu       sync.Mutex
	statuses []string
	outgoing []outgoingText
	cleared  int
}

func (v *recordingView) Status(line string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.statuses = append(v.statuses, line)
}

func (v *recordingView) Outgoing(kind signaling.Kind, text string) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.outgoing = append(v.outgoing, outgoingText{kind: kind, text: text})
}

func (v *recordingView) Cleared() {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cleared++
}

func (v *recordingView) kinds() []signaling.Kind {
	v.mu.Lock()
	defer v.mu.Unlock()
	out := make([]signaling.Kind, 0, len(v.outgoing))
	for _, o := range v.outgoing {
		out = append(out, o.kind)
	}
	return out
}

// fakeTrack is a remote track that never delivers packets.
type fakeTrack struct {
	peer.RemoteTrack
	id string
}

func (t fakeTrack) ID() string                { return t.id }
func (t fakeTrack) SSRC() webrtc.SSRC         { return 1234 }
func (t fakeTrack) Kind() webrtc.RTPCodecType { return webrtc.RTPCodecTypeVideo }

// ---------------------------------------------------------------------------
// Harness
// ---------------------------------------------------------------------------

type harness struct {
	ctl  *Controller
	sink *fakeSink
	view *recordingView
	src  *fakeSource

	mu         sync.Mutex
	sessions   []*fakeSession
	prepare    func(*fakeSession)
	acquireErr error
	sessionErr error
}

func newHarness(t *testing.T) *harness {
	t.Helper()

	h := &harness{sink: &fakeSink{}, view: &recordingView{}, src: &fakeSource{}}
	h.ctl = New(Deps{
		Acquire: func(ctx context.Context) (MediaSource, error) {
			if h.acquireErr != nil {
				return nil, h.acquireErr
			}
			return h.src, nil
		},
		NewSession: func() (Session, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			if h.sessionErr != nil {
				return nil, h.sessionErr
			}
			s := &fakeSession{}
			if h.prepare != nil {
				h.prepare(s)
			}
			h.sessions = append(h.sessions, s)
			return s, nil
		},
		Sink: h.sink,
		View: h.view,
	})
	t.Cleanup(func() { _ = h.ctl.Close() })
	return h
}

func (h *harness) session(t *testing.T) *fakeSession {
	t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	require.NotEmpty(t, h.sessions, "no session created")
	return h.sessions[len(h.sessions)-1]
}

func (h *harness) sessionCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

func candidateText(t *testing.T, c string) string {
	t.Helper()
	text, err := signaling.Encode(signaling.CandidateMessage(webrtc.ICECandidateInit{Candidate: c}))
	require.NoError(t, err)
	return text
}

func answerText(t *testing.T) string {
	t.Helper()
	text, err := signaling.Encode(signaling.DescriptionMessage(webrtc.SessionDescription{
		Type: webrtc.SDPTypeAnswer,
		SDP:  testAnswerSDP,
	}))
	require.NoError(t, err)
	return text
}

func offerText(t *testing.T) string {
	t.Helper()
	text, err := signaling.Encode(signaling.DescriptionMessage(webrtc.SessionDescription{
		Type: webrtc.SDPTypeOffer,
		SDP:  testOfferSDP,
	}))
	require.NoError(t, err)
	return text
}

// ready returns a harness in StateMediaReady.
func ready(t *testing.T) *harness {
	t.Helper()
	h := newHarness(t)
	require.NoError(t, h.ctl.AcquireMedia(context.Background()))
	return h
}

// ---------------------------------------------------------------------------
// Tests
// ---------------------------------------------------------------------------

func TestAcquireMedia(t *testing.T) {
	t.Run("success", func(t *testing.T) {
		h := newHarness(t)
		assert.Equal(t, []Action{ActionStartCamera}, h.ctl.Actions())

		require.NoError(t, h.ctl.AcquireMedia(context.Background()))
		assert.Equal(t, StateMediaReady, h.ctl.State())
		assert.Equal(t, []Action{ActionCreateCall, ActionJoinCall}, h.ctl.Actions())
		assert.Equal(t, "Camera started. Ready to create or join a call.", h.ctl.Status())
	})

	t.Run("failure keeps the action available", func(t *testing.T) {
		h := newHarness(t)
		h.acquireErr = errors.New("permission denied")

		err := h.ctl.AcquireMedia(context.Background())
		require.ErrorIs(t, err, ErrMediaAcquisition)
		assert.Equal(t, StateIdle, h.ctl.State())
		assert.Equal(t, []Action{ActionStartCamera}, h.ctl.Actions())
		assert.True(t, strings.HasPrefix(h.ctl.Status(), "Error"), h.ctl.Status())
		assert.Contains(t, h.ctl.Status(), "permission denied")

		h.acquireErr = nil
		require.NoError(t, h.ctl.AcquireMedia(context.Background()))
		assert.Equal(t, StateMediaReady, h.ctl.State())
	})

	t.Run("unavailable before media", func(t *testing.T) {
		h := newHarness(t)
		err := h.ctl.StartCall(context.Background(), config.RoleInitiator)
		require.ErrorIs(t, err, ErrActionUnavailable)
		assert.Equal(t, StateIdle, h.ctl.State())
		assert.Zero(t, h.sessionCount())
	})
}

func TestCreateCallEmitsOffer(t *testing.T) {
	h := ready(t)
	track, err := webrtc.NewTrackLocalStaticSample(
		webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "p2pcall")
	require.NoError(t, err)
	h.src.tracks = []webrtc.TrackLocal{track}

	require.NoError(t, h.ctl.StartCall(context.Background(), config.RoleInitiator))

	assert.Equal(t, StateOffering, h.ctl.State())
	assert.Equal(t, config.RoleInitiator, h.ctl.Role())
	assert.True(t, h.ctl.HasSession())
	assert.Equal(t, []Action{ActionSubmit, ActionHangUp}, h.ctl.Actions())
	assert.Contains(t, h.ctl.Outgoing(), `"type":"offer"`)
	assert.Equal(t, "Share the offer with your peer.", h.ctl.Status())

	s := h.session(t)
	assert.Equal(t, 1, s.tracks)
	require.Len(t, s.local, 1)
	assert.Equal(t, webrtc.SDPTypeOffer, s.local[0].Type)
	assert.Equal(t, 1, h.sink.resetCount(), "sink is reset when a session is created")
}

func TestJoinCallIsLazy(t *testing.T) {
	h := ready(t)

	require.NoError(t, h.ctl.StartCall(context.Background(), config.RoleResponder))
	assert.Equal(t, StateAwaitingOffer, h.ctl.State())
	assert.False(t, h.ctl.HasSession())
	assert.Zero(t, h.sessionCount())
	assert.Equal(t, []Action{ActionSubmit, ActionHangUp}, h.ctl.Actions())
	assert.Empty(t, h.ctl.Outgoing())
}

func TestLocalCandidatesFollowDescription(t *testing.T) {
	h := ready(t)
	h.prepare = func(s *fakeSession) { s.candidatesOnLocal = []string{candA} }

	require.NoError(t, h.ctl.StartCall(context.Background(), config.RoleInitiator))
	assert.Equal(t, []signaling.Kind{signaling.KindOffer, signaling.KindCandidate}, h.view.kinds())

	h.session(t).emitCandidate(candB)
	assert.Equal(t,
		[]signaling.Kind{signaling.KindOffer, signaling.KindCandidate, signaling.KindCandidate},
		h.view.kinds())
	assert.Contains(t, h.ctl.Outgoing(), "198.51.100.7")
	assert.Equal(t, "New ICE candidate. Share with peer.", h.ctl.Status())
}

func TestOfferAnswerBetweenControllers(t *testing.T) {
	ctx := context.Background()
	a := ready(t)
	b := ready(t)

	require.NoError(t, a.ctl.StartCall(ctx, config.RoleInitiator))
	offer := a.ctl.Outgoing()
	require.Contains(t, offer, `"type":"offer"`)

	require.NoError(t, b.ctl.StartCall(ctx, config.RoleResponder))
	require.NoError(t, b.ctl.Submit(ctx, offer))
	assert.Equal(t, StateNegotiating, b.ctl.State())
	assert.True(t, b.ctl.HasSession())
	answer := b.ctl.Outgoing()
	require.Contains(t, answer, `"type":"answer"`)
	assert.Equal(t, "Share the answer with the caller.", b.ctl.Status())
	assert.Equal(t, offer, b.ctl.Pasted())

	bs := b.session(t)
	require.Len(t, bs.remote, 1)
	assert.Equal(t, testOfferSDP, bs.remote[0].SDP)

	require.NoError(t, a.ctl.Submit(ctx, answer))
	assert.Equal(t, StateNegotiating, a.ctl.State())
	as := a.session(t)
	require.Len(t, as.remote, 1)
	assert.Equal(t, webrtc.SDPTypeAnswer, as.remote[0].Type)

	as.emitState(webrtc.PeerConnectionStateConnected)
	bs.emitState(webrtc.PeerConnectionStateConnected)
	assert.Equal(t, StateConnected, a.ctl.State())
	assert.Equal(t, StateConnected, b.ctl.State())
	assert.Equal(t, "Connected!", a.ctl.Status())
}

func TestNegotiatingAlwaysHasSession(t *testing.T) {
	ctx := context.Background()
	h := newHarness(t)

	check := func() {
		if h.ctl.State() == StateNegotiating {
			assert.True(t, h.ctl.HasSession())
		}
	}

	steps := []func() error{
		func() error { return h.ctl.AcquireMedia(ctx) },
		func() error { return h.ctl.StartCall(ctx, config.RoleInitiator) },
		func() error { return h.ctl.Submit(ctx, candidateText(t, candA)) },
		func() error { return h.ctl.Submit(ctx, answerText(t)) },
		func() error { return h.ctl.Submit(ctx, candidateText(t, candB)) },
		h.ctl.HangUp,
		func() error { return h.ctl.StartCall(ctx, config.RoleResponder) },
		func() error { return h.ctl.Submit(ctx, candidateText(t, candA)) },
		func() error { return h.ctl.Submit(ctx, "not json") },
		func() error { return h.ctl.Submit(ctx, offerText(t)) },
		h.ctl.HangUp,
	}
	for _, step := range steps {
		_ = step()
		check()
	}
}

func TestCandidateWithoutSession(t *testing.T) {
	h := ready(t)
	require.NoError(t, h.ctl.StartCall(context.Background(), config.RoleResponder))
	resets := h.sink.resetCount()

	err := h.ctl.Submit(context.Background(), candidateText(t, candA))
	require.ErrorIs(t, err, ErrInvalidSignalingState)
	assert.Equal(t, StateAwaitingOffer, h.ctl.State())
	assert.False(t, h.ctl.HasSession())
	assert.Zero(t, h.sessionCount())
	assert.Equal(t, resets, h.sink.resetCount())
	assert.True(t, strings.HasPrefix(h.ctl.Status(), "Error"), h.ctl.Status())

	// Submit stays available for the real offer.
	require.NoError(t, h.ctl.Submit(context.Background(), offerText(t)))
	assert.Equal(t, StateNegotiating, h.ctl.State())
}

func TestMalformedInput(t *testing.T) {
	h := ready(t)
	require.NoError(t, h.ctl.StartCall(context.Background(), config.RoleInitiator))
	s := h.session(t)
	resets := h.sink.resetCount()
	outgoing := h.ctl.Outgoing()

	for _, text := range []string{
		"not json",
		"",
		`{"type":"pranswer","sdp":"v=0"}`,
		`{"type":"answer"}`,
		`{"foo":"bar"}`,
		`{"candidate":""}`,
	} {
		err := h.ctl.Submit(context.Background(), text)
		require.ErrorIs(t, err, ErrSignalingParse, text)
		assert.Equal(t, StateOffering, h.ctl.State(), text)
		assert.True(t, strings.HasPrefix(h.ctl.Status(), "Error"), text)
	}

	assert.Empty(t, s.remote)
	assert.Empty(t, s.appliedCandidates())
	assert.False(t, s.isClosed())
	assert.Equal(t, resets, h.sink.resetCount())
	assert.Equal(t, outgoing, h.ctl.Outgoing())
	assert.Contains(t, h.ctl.Actions(), ActionSubmit)
}

func TestCandidatesAppliedInOrder(t *testing.T) {
	ctx := context.Background()

	t.Run("after answer", func(t *testing.T) {
		h := ready(t)
		require.NoError(t, h.ctl.StartCall(ctx, config.RoleInitiator))
		require.NoError(t, h.ctl.Submit(ctx, answerText(t)))

		require.NoError(t, h.ctl.Submit(ctx, candidateText(t, candA)))
		require.NoError(t, h.ctl.Submit(ctx, candidateText(t, candB)))
		assert.Equal(t, []string{candA, candB}, h.session(t).appliedCandidates())
		assert.Equal(t, "ICE candidate added.", h.ctl.Status())
	})

	t.Run("queued before answer", func(t *testing.T) {
		h := ready(t)
		require.NoError(t, h.ctl.StartCall(ctx, config.RoleInitiator))

		require.NoError(t, h.ctl.Submit(ctx, candidateText(t, candA)))
		assert.Empty(t, h.session(t).appliedCandidates())
		assert.Equal(t, StateNegotiating, h.ctl.State())

		require.NoError(t, h.ctl.Submit(ctx, answerText(t)))
		require.NoError(t, h.ctl.Submit(ctx, candidateText(t, candB)))
		assert.Equal(t, []string{candA, candB}, h.session(t).appliedCandidates())
	})
}

func TestRoleChecks(t *testing.T) {
	ctx := context.Background()

	t.Run("initiator rejects offer", func(t *testing.T) {
		h := ready(t)
		require.NoError(t, h.ctl.StartCall(ctx, config.RoleInitiator))
		require.ErrorIs(t, h.ctl.Submit(ctx, offerText(t)), ErrInvalidSignalingState)
		assert.Equal(t, StateOffering, h.ctl.State())
	})

	t.Run("responder rejects answer", func(t *testing.T) {
		h := ready(t)
		require.NoError(t, h.ctl.StartCall(ctx, config.RoleResponder))
		require.ErrorIs(t, h.ctl.Submit(ctx, answerText(t)), ErrInvalidSignalingState)
		assert.Equal(t, StateAwaitingOffer, h.ctl.State())
		assert.False(t, h.ctl.HasSession())
	})

	t.Run("second offer", func(t *testing.T) {
		h := ready(t)
		require.NoError(t, h.ctl.StartCall(ctx, config.RoleResponder))
		require.NoError(t, h.ctl.Submit(ctx, offerText(t)))
		require.ErrorIs(t, h.ctl.Submit(ctx, offerText(t)), ErrInvalidSignalingState)
		assert.Equal(t, 1, h.sessionCount())
	})

	t.Run("second answer", func(t *testing.T) {
		h := ready(t)
		require.NoError(t, h.ctl.StartCall(ctx, config.RoleInitiator))
		require.NoError(t, h.ctl.Submit(ctx, answerText(t)))
		require.ErrorIs(t, h.ctl.Submit(ctx, answerText(t)), ErrInvalidSignalingState)
		assert.Len(t, h.session(t).remote, 1)
	})
}

func TestNegotiationFailure(t *testing.T) {
	ctx := context.Background()

	t.Run("session creation", func(t *testing.T) {
		h := ready(t)
		h.sessionErr = errors.New("no api")
		err := h.ctl.StartCall(ctx, config.RoleInitiator)
		require.ErrorIs(t, err, ErrNegotiationFailure)
		assert.Equal(t, StateMediaReady, h.ctl.State())
		assert.False(t, h.ctl.HasSession())
		assert.Equal(t, []Action{ActionCreateCall, ActionJoinCall}, h.ctl.Actions())
	})

	t.Run("bad offer", func(t *testing.T) {
		h := ready(t)
		h.prepare = func(s *fakeSession) { s.remoteErr = errors.New("bad sdp") }
		require.NoError(t, h.ctl.StartCall(ctx, config.RoleResponder))

		err := h.ctl.Submit(ctx, offerText(t))
		require.ErrorIs(t, err, ErrNegotiationFailure)
		assert.Equal(t, StateAwaitingOffer, h.ctl.State())
		assert.False(t, h.ctl.HasSession())
		assert.True(t, h.session(t).isClosed())
		assert.Empty(t, h.ctl.Outgoing())
	})

	t.Run("disconnected is reported only", func(t *testing.T) {
		h := ready(t)
		require.NoError(t, h.ctl.StartCall(ctx, config.RoleInitiator))
		require.NoError(t, h.ctl.Submit(ctx, answerText(t)))
		s := h.session(t)

		s.emitState(webrtc.PeerConnectionStateConnected)
		s.emitState(webrtc.PeerConnectionStateFailed)
		assert.Equal(t, "Disconnected.", h.ctl.Status())
		assert.Equal(t, StateConnected, h.ctl.State())
		assert.True(t, h.ctl.HasSession())
	})
}

func TestHangUp(t *testing.T) {
	ctx := context.Background()

	setups := map[string]func(t *testing.T, h *harness){
		"media-ready": func(t *testing.T, h *harness) {},
		"offering": func(t *testing.T, h *harness) {
			require.NoError(t, h.ctl.StartCall(ctx, config.RoleInitiator))
		},
		"awaiting-offer": func(t *testing.T, h *harness) {
			require.NoError(t, h.ctl.StartCall(ctx, config.RoleResponder))
		},
		"negotiating": func(t *testing.T, h *harness) {
			require.NoError(t, h.ctl.StartCall(ctx, config.RoleResponder))
			require.NoError(t, h.ctl.Submit(ctx, offerText(t)))
			h.session(t).emitCandidate(candA)
		},
		"connected": func(t *testing.T, h *harness) {
			require.NoError(t, h.ctl.StartCall(ctx, config.RoleInitiator))
			require.NoError(t, h.ctl.Submit(ctx, answerText(t)))
			s := h.session(t)
			s.emitState(webrtc.PeerConnectionStateConnected)
			s.sub.OnTrack(fakeTrack{id: "remote-video"})
			require.Equal(t, 1, h.sink.Len())
		},
	}

	for name, setup := range setups {
		t.Run(name, func(t *testing.T) {
			h := ready(t)
			setup(t, h)

			require.NoError(t, h.ctl.HangUp())
			assert.Equal(t, StateEnded, h.ctl.State())
			assert.False(t, h.ctl.HasSession())
			assert.Zero(t, h.sink.Len())
			assert.Empty(t, h.ctl.Outgoing())
			assert.Empty(t, h.ctl.Pasted())
			assert.Equal(t, []Action{ActionCreateCall, ActionJoinCall}, h.ctl.Actions())
			assert.Equal(t, "Call ended.", h.ctl.Status())
			assert.False(t, h.src.closed, "local media survives hang-up")
			if h.sessionCount() > 0 {
				assert.True(t, h.session(t).isClosed())
			}
		})
	}

	t.Run("idle", func(t *testing.T) {
		h := newHarness(t)
		require.ErrorIs(t, h.ctl.HangUp(), ErrActionUnavailable)
		assert.Equal(t, StateIdle, h.ctl.State())
	})

	t.Run("next call starts clean", func(t *testing.T) {
		h := ready(t)
		require.NoError(t, h.ctl.StartCall(ctx, config.RoleInitiator))
		require.NoError(t, h.ctl.HangUp())

		require.NoError(t, h.ctl.StartCall(ctx, config.RoleInitiator))
		assert.Equal(t, 2, h.sessionCount())
		assert.Equal(t, StateOffering, h.ctl.State())
	})
}

func TestStaleEventsDropped(t *testing.T) {
	h := ready(t)
	require.NoError(t, h.ctl.StartCall(context.Background(), config.RoleInitiator))
	old := h.session(t).sub
	require.NotNil(t, old)

	require.NoError(t, h.ctl.HangUp())
	emitted := len(h.view.kinds())

	old.OnICECandidate(webrtc.ICECandidateInit{Candidate: candA})
	old.OnTrack(fakeTrack{id: "late"})
	old.OnConnectionStateChange(webrtc.PeerConnectionStateConnected)

	assert.Len(t, h.view.kinds(), emitted)
	assert.Zero(t, h.sink.Len())
	assert.Equal(t, StateEnded, h.ctl.State())
}

func TestTrackKeyframeRequests(t *testing.T) {
	h := ready(t)
	require.NoError(t, h.ctl.StartCall(context.Background(), config.RoleInitiator))
	s := h.session(t)

	s.sub.OnTrack(fakeTrack{id: "remote-video"})
	require.Equal(t, 1, h.sink.Len())
	require.NotNil(t, h.sink.keyframe)

	h.sink.keyframe()
	s.mu.Lock()
	defer s.mu.Unlock()
	assert.Equal(t, 1, s.keyframes)
}

// blockedResponder returns a responder harness whose offer application is
// parked inside SetRemoteDescription, plus the gate that releases it and the
// channel carrying Submit's result.
func blockedResponder(t *testing.T) (*harness, chan struct{}, <-chan error) {
	t.Helper()
	gate := make(chan struct{})
	entered := make(chan struct{})

	h := ready(t)
	h.prepare = func(s *fakeSession) {
		s.gate = gate
		s.entered = entered
	}
	require.NoError(t, h.ctl.StartCall(context.Background(), config.RoleResponder))

	offer := offerText(t)
	result := make(chan error, 1)
	go func() { result <- h.ctl.Submit(context.Background(), offer) }()

	select {
	case <-entered:
	case <-time.After(2 * time.Second):
		t.Fatal("offer application never started")
	}
	return h, gate, result
}

func TestBusyWhileInFlight(t *testing.T) {
	h, gate, result := blockedResponder(t)

	assert.Equal(t, []Action{ActionHangUp}, h.ctl.Actions())
	err := h.ctl.Submit(context.Background(), candidateText(t, candA))
	require.ErrorIs(t, err, ErrBusy)

	close(gate)
	select {
	case err := <-result:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not finish")
	}

	assert.Equal(t, StateNegotiating, h.ctl.State())
	assert.Equal(t, []Action{ActionSubmit, ActionHangUp}, h.ctl.Actions())
}

func TestHangUpDuringOperation(t *testing.T) {
	h, gate, result := blockedResponder(t)
	s := h.session(t)

	require.NoError(t, h.ctl.HangUp())
	assert.Equal(t, StateEnded, h.ctl.State())
	assert.True(t, s.isClosed())

	close(gate)
	select {
	case err := <-result:
		require.ErrorIs(t, err, ErrCallEnded)
	case <-time.After(2 * time.Second):
		t.Fatal("submit did not finish")
	}

	assert.Equal(t, StateEnded, h.ctl.State())
	assert.False(t, h.ctl.HasSession())
	assert.Empty(t, h.ctl.Outgoing())
	assert.NotContains(t, h.view.kinds(), signaling.KindAnswer)
	assert.Equal(t, []Action{ActionCreateCall, ActionJoinCall}, h.ctl.Actions())
}

func TestCloseReleasesMedia(t *testing.T) {
	h := ready(t)
	require.NoError(t, h.ctl.StartCall(context.Background(), config.RoleInitiator))
	s := h.session(t)

	require.NoError(t, h.ctl.Close())
	assert.True(t, h.src.closed)
	assert.True(t, s.isClosed())
	assert.Equal(t, StateIdle, h.ctl.State())
	assert.Equal(t, []Action{ActionStartCamera}, h.ctl.Actions())
}
