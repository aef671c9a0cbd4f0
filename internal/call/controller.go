package call

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/config"
	"github.com/1ureka/p2pcall/internal/peer"
	"github.com/1ureka/p2pcall/internal/signaling"
	"github.com/1ureka/p2pcall/internal/util"
)

// Controller owns the connection lifecycle. It is created once per process.
//
// At most one negotiation-affecting operation runs at a time: while one is in
// flight every action except hang-up is reported disabled and rejected with
// ErrBusy. Capability calls are made without holding the lock; events from
// the session arrive on pion goroutines and are dropped once their session
// has been replaced or hung up.
type Controller struct {
	acquire    func(ctx context.Context) (MediaSource, error)
	newSession func() (Session, error)
	sink       Sink
	view       View

	mu    sync.Mutex
	state State
	role  config.Role
	busy  bool

	media       MediaSource
	session     Session
	unsubscribe func()
	gen         uint64 // bumped on every session creation and hang-up

	remoteSet    bool                      // remote description applied
	localSent    bool                      // local description emitted
	queuedRemote []webrtc.ICECandidateInit // remote candidates waiting for the remote description
	heldLocal    []webrtc.ICECandidateInit // local candidates waiting for the local description

	status   string
	outgoing string
	pasted   string
}

// New creates a Controller in StateIdle.
func New(d Deps) *Controller {
	return &Controller{
		acquire:    d.Acquire,
		newSession: d.NewSession,
		sink:       d.Sink,
		view:       d.View,
		state:      StateIdle,
	}
}

// ---------------------------------------------------------------------------
// Queries
// ---------------------------------------------------------------------------

// State returns the current lifecycle state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Role returns the role of the current or last call attempt.
func (c *Controller) Role() config.Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// Status returns the status line.
func (c *Controller) Status() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Outgoing returns the most recently displayed relay text.
func (c *Controller) Outgoing() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.outgoing
}

// Pasted returns the most recently submitted text.
func (c *Controller) Pasted() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.pasted
}

// HasSession reports whether a peer session exists.
func (c *Controller) HasSession() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

// Actions returns the currently enabled actions in display order.
func (c *Controller) Actions() []Action {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []Action
	for _, a := range []Action{ActionStartCamera, ActionCreateCall, ActionJoinCall, ActionSubmit, ActionHangUp} {
		if c.enabledLocked(a) {
			out = append(out, a)
		}
	}
	return out
}

func (c *Controller) enabledLocked(a Action) bool {
	if a == ActionHangUp {
		return c.state.inCall()
	}
	if c.busy {
		return false
	}
	switch a {
	case ActionStartCamera:
		return c.media == nil
	case ActionCreateCall, ActionJoinCall:
		return c.media != nil && (c.state == StateMediaReady || c.state == StateEnded)
	case ActionSubmit:
		return c.state.inCall()
	}
	return false
}

// ---------------------------------------------------------------------------
// Status helpers (lock held)
// ---------------------------------------------------------------------------

func (c *Controller) setStatusLocked(line string) {
	c.status = line
	util.LogDebug("status: %s", line)
	c.view.Status(line)
}

// failLocked surfaces err on the status line and returns it.
func (c *Controller) failLocked(what string, err error) error {
	c.setStatusLocked(fmt.Sprintf("Error: %s: %v", what, err))
	return err
}

func (c *Controller) fail(what string, err error) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.failLocked(what, err)
}

// beginLocked marks a as in flight or explains why it cannot run.
func (c *Controller) beginLocked(a Action) error {
	if c.busy && a != ActionHangUp {
		return ErrBusy
	}
	if !c.enabledLocked(a) {
		return fmt.Errorf("%w: %s in state %s", ErrActionUnavailable, a, c.state)
	}
	c.busy = true
	return nil
}

func (c *Controller) finish() {
	c.mu.Lock()
	c.busy = false
	c.mu.Unlock()
}

func (c *Controller) emitLocked(msg signaling.Message) {
	text, err := signaling.Encode(msg)
	if err != nil {
		util.LogError("encode %s: %v", msg.Kind, err)
		return
	}
	c.outgoing = text
	util.LogDebug("outgoing %s [%s]", msg.Kind, util.Fingerprint(text))
	c.view.Outgoing(msg.Kind, text)
}

// ---------------------------------------------------------------------------
// Actions
// ---------------------------------------------------------------------------

// AcquireMedia acquires the local media source (Idle → MediaReady). On
// failure the controller stays Idle and the action remains available.
func (c *Controller) AcquireMedia(ctx context.Context) error {
	c.mu.Lock()
	if err := c.beginLocked(ActionStartCamera); err != nil {
		defer c.mu.Unlock()
		return c.failLocked("cannot start camera", err)
	}
	c.setStatusLocked("Accessing camera...")
	c.mu.Unlock()

	src, err := c.acquire(ctx)

	c.mu.Lock()
	defer c.mu.Unlock()
	c.busy = false

	if err != nil {
		if !errors.Is(err, ErrMediaAcquisition) {
			err = fmt.Errorf("%w: %w", ErrMediaAcquisition, err)
		}
		return c.failLocked("accessing camera", err)
	}

	c.media = src
	c.state = StateMediaReady
	c.setStatusLocked("Camera started. Ready to create or join a call.")
	return nil
}

// StartCall begins a call attempt. The initiator creates a session and emits
// an offer (→ Offering); the responder waits for a pasted offer
// (→ AwaitingOffer).
func (c *Controller) StartCall(ctx context.Context, role config.Role) error {
	var action Action
	switch role {
	case config.RoleInitiator:
		action = ActionCreateCall
	case config.RoleResponder:
		action = ActionJoinCall
	default:
		return c.fail("cannot start call", fmt.Errorf("%w: unknown role %q", ErrActionUnavailable, role))
	}

	c.mu.Lock()
	if err := c.beginLocked(action); err != nil {
		defer c.mu.Unlock()
		return c.failLocked("cannot start call", err)
	}
	c.role = role
	c.outgoing = ""
	c.pasted = ""

	if role == config.RoleResponder {
		defer c.mu.Unlock()
		c.busy = false
		c.state = StateAwaitingOffer
		c.setStatusLocked("Paste the offer from the caller and submit.")
		return nil
	}

	c.state = StateOffering
	c.setStatusLocked("Creating call...")
	c.mu.Unlock()
	defer c.finish()

	if err := ctx.Err(); err != nil {
		return c.abandon(0, err)
	}

	s, gen, err := c.openSession()
	if err != nil {
		return c.abandon(gen, err)
	}

	offer, err := s.CreateOffer()
	if err != nil {
		return c.abandon(gen, fmt.Errorf("%w: create offer: %w", ErrNegotiationFailure, err))
	}
	if err := s.SetLocalDescription(offer); err != nil {
		return c.abandon(gen, fmt.Errorf("%w: set local offer: %w", ErrNegotiationFailure, err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.currentLocked(gen); err != nil {
		return err
	}
	c.emitLocalLocked(offer)
	c.setStatusLocked("Share the offer with your peer.")
	return nil
}

// Submit parses pasted text and applies it to the call.
func (c *Controller) Submit(ctx context.Context, text string) error {
	c.mu.Lock()
	if err := c.beginLocked(ActionSubmit); err != nil {
		defer c.mu.Unlock()
		return c.failLocked("cannot submit remote data", err)
	}
	c.pasted = text
	c.mu.Unlock()
	defer c.finish()

	msg, err := signaling.Parse(text)
	if err != nil {
		return c.fail("invalid signaling data", err)
	}
	if err := ctx.Err(); err != nil {
		return c.fail("submit cancelled", err)
	}

	util.LogEvent("applying relay text", "kind", msg.Kind, "fingerprint", util.Fingerprint(text))

	switch msg.Kind {
	case signaling.KindOffer:
		return c.applyOffer(*msg.Description)
	case signaling.KindAnswer:
		return c.applyAnswer(*msg.Description)
	default:
		return c.applyCandidate(*msg.Candidate)
	}
}

// HangUp ends the current call from any non-Idle state. The session is
// closed before HangUp returns; operations still in flight on it return
// ErrCallEnded. Local media is kept for the next call.
func (c *Controller) HangUp() error {
	c.mu.Lock()
	if c.state == StateIdle {
		defer c.mu.Unlock()
		return c.failLocked("cannot hang up", fmt.Errorf("%w: no call", ErrActionUnavailable))
	}

	s, unsubscribe := c.detachLocked()
	c.state = StateEnded
	c.outgoing = ""
	c.pasted = ""
	c.view.Cleared()
	c.setStatusLocked("Call ended.")
	c.mu.Unlock()

	closeSession(s, unsubscribe)
	return nil
}

// Close hangs up any call and releases the local media source.
func (c *Controller) Close() error {
	c.mu.Lock()
	s, unsubscribe := c.detachLocked()
	src := c.media
	c.media = nil
	c.state = StateIdle
	c.mu.Unlock()

	closeSession(s, unsubscribe)
	if src != nil {
		return src.Close()
	}
	return nil
}

// ---------------------------------------------------------------------------
// Session management
// ---------------------------------------------------------------------------

// openSession creates a session with the local tracks attached, resets the
// sink and subscribes to the session's events.
func (c *Controller) openSession() (Session, uint64, error) {
	c.mu.Lock()
	if !c.state.inCall() {
		c.mu.Unlock()
		return nil, 0, ErrCallEnded
	}
	c.gen++
	gen := c.gen
	var tracks []webrtc.TrackLocal
	if c.media != nil {
		tracks = c.media.Tracks()
	}
	c.mu.Unlock()

	s, err := c.newSession()
	if err != nil {
		return nil, gen, fmt.Errorf("%w: create session: %w", ErrNegotiationFailure, err)
	}
	for _, t := range tracks {
		if err := s.AddTrack(t); err != nil {
			s.Close()
			return nil, gen, fmt.Errorf("%w: add %s track: %w", ErrNegotiationFailure, t.Kind(), err)
		}
	}

	c.mu.Lock()
	if c.gen != gen || !c.state.inCall() {
		c.mu.Unlock()
		s.Close()
		return nil, gen, ErrCallEnded
	}
	c.sink.Reset()
	c.session = s
	c.remoteSet = false
	c.localSent = false
	c.queuedRemote = nil
	c.heldLocal = nil
	c.unsubscribe = s.Subscribe(&observer{c: c, gen: gen})
	c.mu.Unlock()

	return s, gen, nil
}

// detachLocked drops the current session and its event subscription and
// clears the sink. The caller closes the returned session outside the lock.
func (c *Controller) detachLocked() (Session, func()) {
	c.gen++
	s, unsubscribe := c.session, c.unsubscribe
	c.session = nil
	c.unsubscribe = nil
	c.remoteSet = false
	c.localSent = false
	c.queuedRemote = nil
	c.heldLocal = nil
	c.sink.Reset()
	return s, unsubscribe
}

func closeSession(s Session, unsubscribe func()) {
	if unsubscribe != nil {
		unsubscribe()
	}
	if s != nil {
		if err := s.Close(); err != nil {
			util.LogDebug("close session: %v", err)
		}
	}
}

// currentLocked returns ErrCallEnded if gen is no longer the live session.
func (c *Controller) currentLocked(gen uint64) error {
	if c.gen != gen || c.session == nil {
		util.LogDebug("discarding result for ended session %d", gen)
		return ErrCallEnded
	}
	return nil
}

// abandon handles a failed StartCall or offer application: a half-built
// session is discarded and the controller returns to where the attempt
// started (MediaReady for the initiator, AwaitingOffer for the responder).
func (c *Controller) abandon(gen uint64, err error) error {
	if errors.Is(err, ErrCallEnded) {
		return err
	}

	c.mu.Lock()
	if gen != 0 && c.gen != gen {
		c.mu.Unlock()
		return ErrCallEnded
	}
	if !c.state.inCall() {
		// Hung up before a session was even created.
		c.mu.Unlock()
		return ErrCallEnded
	}

	s, unsubscribe := c.detachLocked()
	if c.role == config.RoleInitiator {
		c.state = StateMediaReady
	} else {
		c.state = StateAwaitingOffer
	}
	c.outgoing = ""
	c.view.Cleared()
	err = c.failLocked("negotiation failed", err)
	c.mu.Unlock()

	closeSession(s, unsubscribe)
	return err
}

// emitLocalLocked exposes the local description and then any local
// candidates gathered before it, so the peer always sees the description first.
func (c *Controller) emitLocalLocked(desc webrtc.SessionDescription) {
	c.emitLocked(signaling.DescriptionMessage(desc))
	c.localSent = true
	for _, ci := range c.heldLocal {
		c.emitLocked(signaling.CandidateMessage(ci))
	}
	c.heldLocal = nil
}

// ---------------------------------------------------------------------------
// Applying remote messages
// ---------------------------------------------------------------------------

func (c *Controller) applyOffer(offer webrtc.SessionDescription) error {
	c.mu.Lock()
	switch {
	case c.role != config.RoleResponder:
		defer c.mu.Unlock()
		return c.failLocked("cannot apply offer",
			fmt.Errorf("%w: an offer can only be applied by the joining side", ErrInvalidSignalingState))
	case c.session != nil:
		defer c.mu.Unlock()
		return c.failLocked("cannot apply offer",
			fmt.Errorf("%w: a call is already negotiated, hang up first", ErrInvalidSignalingState))
	}
	c.setStatusLocked(fmt.Sprintf("Received offer (%s). Creating answer...", signaling.Summarize(offer.SDP)))
	c.mu.Unlock()

	s, gen, err := c.openSession()
	if err != nil {
		return c.abandon(gen, err)
	}

	if err := s.SetRemoteDescription(offer); err != nil {
		return c.abandon(gen, fmt.Errorf("%w: apply offer: %w", ErrNegotiationFailure, err))
	}
	queued, err := c.markRemoteApplied(gen)
	if err != nil {
		return err
	}
	c.addQueued(s, queued)

	answer, err := s.CreateAnswer()
	if err != nil {
		return c.abandon(gen, fmt.Errorf("%w: create answer: %w", ErrNegotiationFailure, err))
	}
	if err := s.SetLocalDescription(answer); err != nil {
		return c.abandon(gen, fmt.Errorf("%w: set local answer: %w", ErrNegotiationFailure, err))
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.currentLocked(gen); err != nil {
		return err
	}
	c.emitLocalLocked(answer)
	if c.state != StateConnected {
		c.state = StateNegotiating
	}
	c.setStatusLocked("Share the answer with the caller.")
	return nil
}

func (c *Controller) applyAnswer(answer webrtc.SessionDescription) error {
	c.mu.Lock()
	switch {
	case c.role != config.RoleInitiator:
		defer c.mu.Unlock()
		return c.failLocked("cannot apply answer",
			fmt.Errorf("%w: an answer can only be applied by the calling side", ErrInvalidSignalingState))
	case c.session == nil:
		defer c.mu.Unlock()
		return c.failLocked("cannot apply answer",
			fmt.Errorf("%w: no call to apply the answer to", ErrInvalidSignalingState))
	case c.remoteSet:
		defer c.mu.Unlock()
		return c.failLocked("cannot apply answer",
			fmt.Errorf("%w: an answer was already applied", ErrInvalidSignalingState))
	}
	s, gen := c.session, c.gen
	c.setStatusLocked(fmt.Sprintf("Received answer (%s). Connecting...", signaling.Summarize(answer.SDP)))
	c.mu.Unlock()

	if err := s.SetRemoteDescription(answer); err != nil {
		c.mu.Lock()
		defer c.mu.Unlock()
		if cerr := c.currentLocked(gen); cerr != nil {
			return cerr
		}
		return c.failLocked("applying answer", fmt.Errorf("%w: %w", ErrNegotiationFailure, err))
	}

	queued, err := c.markRemoteApplied(gen)
	if err != nil {
		return err
	}
	c.addQueued(s, queued)
	return nil
}

func (c *Controller) applyCandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if c.session == nil {
		defer c.mu.Unlock()
		return c.failLocked("cannot add ICE candidate",
			fmt.Errorf("%w: no call to add the candidate to", ErrInvalidSignalingState))
	}
	if !c.remoteSet {
		defer c.mu.Unlock()
		c.queuedRemote = append(c.queuedRemote, ci)
		c.advanceLocked()
		c.setStatusLocked(fmt.Sprintf("Queued ICE candidate %d until the remote description is applied.", len(c.queuedRemote)))
		return nil
	}
	s, gen := c.session, c.gen
	c.setStatusLocked("Received ICE candidate. Adding...")
	c.mu.Unlock()

	err := s.AddICECandidate(ci)

	c.mu.Lock()
	defer c.mu.Unlock()
	if cerr := c.currentLocked(gen); cerr != nil {
		return cerr
	}
	if err != nil {
		return c.failLocked("adding ICE candidate", fmt.Errorf("%w: %w", ErrNegotiationFailure, err))
	}
	c.advanceLocked()
	c.setStatusLocked("ICE candidate added.")
	return nil
}

// markRemoteApplied records that the remote description is set, moves to
// Negotiating and hands back the candidates queued so far.
func (c *Controller) markRemoteApplied(gen uint64) ([]webrtc.ICECandidateInit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.currentLocked(gen); err != nil {
		return nil, err
	}
	c.remoteSet = true
	c.advanceLocked()
	queued := c.queuedRemote
	c.queuedRemote = nil
	return queued, nil
}

// addQueued applies queued remote candidates in submission order. A failing
// candidate is reported and skipped.
func (c *Controller) addQueued(s Session, queued []webrtc.ICECandidateInit) {
	for i, ci := range queued {
		if err := s.AddICECandidate(ci); err != nil {
			util.LogWarning("queued ICE candidate %d: %v", i+1, err)
		}
	}
	if len(queued) > 0 {
		util.LogInfo("applied %d queued ICE candidate(s)", len(queued))
	}
}

// advanceLocked moves Offering/AwaitingOffer to Negotiating.
func (c *Controller) advanceLocked() {
	if c.state == StateOffering || c.state == StateAwaitingOffer {
		c.state = StateNegotiating
	}
}

// ---------------------------------------------------------------------------
// Session events
// ---------------------------------------------------------------------------

// observer binds session events to the generation they were subscribed for.
type observer struct {
	c   *Controller
	gen uint64
}

var _ peer.Observer = (*observer)(nil)

func (o *observer) OnICECandidate(ci webrtc.ICECandidateInit) {
	c := o.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != o.gen || c.session == nil {
		return
	}
	if !c.localSent {
		c.heldLocal = append(c.heldLocal, ci)
		return
	}
	c.emitLocked(signaling.CandidateMessage(ci))
	c.setStatusLocked("New ICE candidate. Share with peer.")
}

func (o *observer) OnTrack(track peer.RemoteTrack) {
	c := o.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != o.gen || c.session == nil {
		return
	}
	s := c.session
	ssrc := track.SSRC()
	c.sink.Attach(track, func() {
		if err := s.RequestKeyframe(ssrc); err != nil {
			util.LogDebug("keyframe request: %v", err)
		}
	})
}

func (o *observer) OnConnectionStateChange(state webrtc.PeerConnectionState) {
	c := o.c
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.gen != o.gen || c.session == nil {
		return
	}

	switch state {
	case webrtc.PeerConnectionStateConnected:
		if c.state.inCall() {
			c.state = StateConnected
		}
		c.setStatusLocked("Connected!")
	case webrtc.PeerConnectionStateDisconnected, webrtc.PeerConnectionStateFailed:
		util.LogWarning("%v: connection %s, hang up to start over", ErrNegotiationFailure, state)
		c.setStatusLocked("Disconnected.")
	}
}
