// Package call implements the connection lifecycle of one two-party call:
// acquiring local media, creating or joining a call, applying relayed
// messages and hanging up.
package call

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/peer"
	"github.com/1ureka/p2pcall/internal/signaling"
)

// State is a state of the connection lifecycle.
type State int

const (
	StateIdle State = iota
	StateMediaReady
	StateOffering
	StateAwaitingOffer
	StateNegotiating
	StateConnected
	StateEnded
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateMediaReady:
		return "media-ready"
	case StateOffering:
		return "offering"
	case StateAwaitingOffer:
		return "awaiting-offer"
	case StateNegotiating:
		return "negotiating"
	case StateConnected:
		return "connected"
	case StateEnded:
		return "ended"
	default:
		return "unknown"
	}
}

// inCall reports whether a call attempt is active in s.
func (s State) inCall() bool {
	switch s {
	case StateOffering, StateAwaitingOffer, StateNegotiating, StateConnected:
		return true
	}
	return false
}

// Action is a user-facing trigger.
type Action string

const (
	ActionStartCamera Action = "start-camera"
	ActionCreateCall  Action = "create-call"
	ActionJoinCall    Action = "join-call"
	ActionSubmit      Action = "submit"
	ActionHangUp      Action = "hang-up"
)

// Error kinds. Every error returned by the Controller wraps one of these.
var (
	ErrMediaAcquisition      = errors.New("media acquisition failed")
	ErrSignalingParse        = signaling.ErrParse
	ErrInvalidSignalingState = errors.New("invalid signaling state")
	ErrNegotiationFailure    = errors.New("negotiation failure")
	ErrBusy                  = errors.New("another operation is still in progress")
	ErrActionUnavailable     = errors.New("action unavailable")
	// ErrCallEnded is returned by an operation whose call was hung up while it
	// was in flight. Its result has been discarded.
	ErrCallEnded = errors.New("call ended")
)

// MediaSource is the local camera/microphone.
type MediaSource interface {
	Tracks() []webrtc.TrackLocal
	Close() error
}

// Session is the peer connection of one call attempt. *peer.Session
// implements it.
type Session interface {
	AddTrack(webrtc.TrackLocal) error
	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	AddICECandidate(webrtc.ICECandidateInit) error
	RequestKeyframe(webrtc.SSRC) error
	Subscribe(peer.Observer) (unsubscribe func())
	Close() error
}

var _ Session = (*peer.Session)(nil)

// Sink is the remote media display. *media.Sink implements it.
type Sink interface {
	Attach(track peer.RemoteTrack, requestKeyframe func())
	Reset()
	Len() int
}

// View is the display boundary. Its methods are called with the controller
// lock held and must not call back into the Controller.
type View interface {
	// Status shows the single status line.
	Status(line string)
	// Outgoing shows relay text for the operator to copy.
	Outgoing(kind signaling.Kind, text string)
	// Cleared removes any displayed relay text.
	Cleared()
}

// Deps are the capabilities a Controller drives.
type Deps struct {
	Acquire    func(ctx context.Context) (MediaSource, error)
	NewSession func() (Session, error)
	Sink       Sink
	View       View
}
