package peer

import (
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtcp"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/1ureka/p2pcall/internal/util"
)

// RemoteTrack is the part of *webrtc.TrackRemote the media sink consumes.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	Codec() webrtc.RTPCodecParameters
	SSRC() webrtc.SSRC
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

var _ RemoteTrack = (*webrtc.TrackRemote)(nil)

// Observer receives the events of one session. Callbacks arrive on pion
// goroutines.
type Observer interface {
	// OnICECandidate is called for every local candidate gathered; the end
	// of gathering is not reported.
	OnICECandidate(webrtc.ICECandidateInit)
	OnTrack(RemoteTrack)
	OnConnectionStateChange(webrtc.PeerConnectionState)
}

// Session wraps a single PeerConnection for one call attempt.
//
// At most one observer is subscribed at a time. After the unsubscribe func
// returns, or after Close, no further events are delivered.
type Session struct {
	pc *webrtc.PeerConnection

	mu       sync.RWMutex
	observer Observer
	subID    uint64
	pcState  webrtc.PeerConnectionState

	closeOnce sync.Once
	closeErr  error
}

// NewSession creates a PeerConnection on api with the given ICE servers.
func NewSession(api *webrtc.API, iceServers []webrtc.ICEServer) (*Session, error) {
	pc, err := api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		return nil, err
	}

	s := &Session{pc: pc, pcState: webrtc.PeerConnectionStateNew}

	pc.OnICECandidate(func(c *webrtc.ICECandidate) {
		if c == nil {
			return
		}
		if o := s.current(); o != nil {
			o.OnICECandidate(c.ToJSON())
		}
	})

	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		util.LogDebug("remote %s track %s (%s)", track.Kind(), track.ID(), track.Codec().MimeType)
		if o := s.current(); o != nil {
			o.OnTrack(track)
		}
	})

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		util.LogDebug("PeerConnection state: %s", state.String())
		s.mu.Lock()
		s.pcState = state
		s.mu.Unlock()
		if o := s.current(); o != nil {
			o.OnConnectionStateChange(state)
		}
	})

	return s, nil
}

func (s *Session) current() Observer {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.observer
}

// Subscribe installs o as the session's observer, replacing any previous one,
// and returns a func that removes it.
func (s *Session) Subscribe(o Observer) (unsubscribe func()) {
	s.mu.Lock()
	s.subID++
	id := s.subID
	s.observer = o
	s.mu.Unlock()

	return func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.subID == id {
			s.observer = nil
		}
	}
}

// ---------------------------------------------------------------------------
// Media
// ---------------------------------------------------------------------------

// AddTrack attaches a local track. Incoming RTCP for it is drained so the
// interceptors (NACK, reports) keep working.
func (s *Session) AddTrack(track webrtc.TrackLocal) error {
	sender, err := s.pc.AddTrack(track)
	if err != nil {
		return err
	}

	go func() {
		buf := make([]byte, 1500)
		for {
			if _, _, err := sender.Read(buf); err != nil {
				return
			}
		}
	}()
	return nil
}

// RequestKeyframe asks the remote sender of ssrc for a new keyframe.
func (s *Session) RequestKeyframe(ssrc webrtc.SSRC) error {
	return s.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(ssrc)},
	})
}

// ---------------------------------------------------------------------------
// Signaling
// ---------------------------------------------------------------------------

// CreateOffer generates an SDP offer.
func (s *Session) CreateOffer() (webrtc.SessionDescription, error) {
	return s.pc.CreateOffer(nil)
}

// CreateAnswer generates an SDP answer.
func (s *Session) CreateAnswer() (webrtc.SessionDescription, error) {
	return s.pc.CreateAnswer(nil)
}

// SetLocalDescription applies the local SDP and starts candidate gathering.
func (s *Session) SetLocalDescription(desc webrtc.SessionDescription) error {
	return s.pc.SetLocalDescription(desc)
}

// SetRemoteDescription applies the remote SDP.
func (s *Session) SetRemoteDescription(desc webrtc.SessionDescription) error {
	return s.pc.SetRemoteDescription(desc)
}

// AddICECandidate adds a remote ICE candidate received through the relay.
func (s *Session) AddICECandidate(candidate webrtc.ICECandidateInit) error {
	return s.pc.AddICECandidate(candidate)
}

// ---------------------------------------------------------------------------
// Lifecycle
// ---------------------------------------------------------------------------

// ConnectionState returns the last observed PeerConnection state.
func (s *Session) ConnectionState() webrtc.PeerConnectionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.pcState
}

// Close drops the observer and shuts the PeerConnection down. It is safe to
// call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.observer = nil
		s.subID++
		s.mu.Unlock()
		s.closeErr = s.pc.Close()
	})
	return s.closeErr
}
