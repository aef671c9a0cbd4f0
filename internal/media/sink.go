package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media/ivfwriter"
	"github.com/pion/webrtc/v4/pkg/media/oggwriter"

	"github.com/1ureka/p2pcall/internal/peer"
	"github.com/1ureka/p2pcall/internal/util"
)

const keyframeInterval = 3 * time.Second

type recorder interface {
	WriteRTP(*rtp.Packet) error
	Close() error
}

// Sink collects the remote tracks of the current call. Every attached track
// is drained until its session closes or the sink is reset; when a record
// directory is set, VP8 and Opus tracks are also written to disk.
type Sink struct {
	recordDir string

	mu     sync.Mutex
	call   int
	tracks []string
	ctx    context.Context
	cancel context.CancelFunc
}

// NewSink creates an empty sink. recordDir may be empty.
func NewSink(recordDir string) *Sink {
	ctx, cancel := context.WithCancel(context.Background())
	return &Sink{recordDir: recordDir, ctx: ctx, cancel: cancel}
}

// Attach adds a remote track. requestKeyframe, if not nil, is called
// periodically for video tracks so a recording can start decoding.
func (s *Sink) Attach(track peer.RemoteTrack, requestKeyframe func()) {
	s.mu.Lock()
	ctx := s.ctx
	call := s.call
	label := fmt.Sprintf("%s %s (%s)", track.Kind(), track.Codec().MimeType, track.ID())
	s.tracks = append(s.tracks, label)
	s.mu.Unlock()

	rec := s.openRecorder(call, track)

	util.Stats.AddTrack()
	util.LogEvent("remote track attached", "kind", track.Kind(), "codec", track.Codec().MimeType, "id", track.ID())

	if track.Kind() == webrtc.RTPCodecTypeVideo && requestKeyframe != nil {
		go func() {
			ticker := time.NewTicker(keyframeInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					requestKeyframe()
				}
			}
		}()
	}

	go s.drain(ctx, track, rec)
}

// drain reads RTP until the track ends or the sink is reset.
func (s *Sink) drain(ctx context.Context, track peer.RemoteTrack, rec recorder) {
	defer util.Stats.RemoveTrack()
	defer func() {
		if rec != nil {
			if err := rec.Close(); err != nil {
				util.LogWarning("close recording of %s: %v", track.ID(), err)
			}
		}
	}()

	for {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			util.LogDebug("remote track %s ended: %v", track.ID(), err)
			return
		}
		if ctx.Err() != nil {
			return
		}

		util.Stats.AddRecv(len(pkt.Payload))

		if rec != nil {
			if err := rec.WriteRTP(pkt); err != nil {
				util.LogWarning("record %s: %v", track.ID(), err)
				rec.Close()
				rec = nil
			}
		}
	}
}

func (s *Sink) openRecorder(call int, track peer.RemoteTrack) recorder {
	if s.recordDir == "" {
		return nil
	}
	if err := os.MkdirAll(s.recordDir, 0o755); err != nil {
		util.LogWarning("recording disabled: %v", err)
		return nil
	}

	base := fmt.Sprintf("call%d-%s-%s", call, track.Kind(), sanitize(track.ID()))
	mime := track.Codec().MimeType

	var (
		rec recorder
		err error
	)
	switch {
	case strings.EqualFold(mime, webrtc.MimeTypeVP8):
		rec, err = ivfwriter.New(filepath.Join(s.recordDir, base+".ivf"))
	case strings.EqualFold(mime, webrtc.MimeTypeOpus):
		rec, err = oggwriter.New(filepath.Join(s.recordDir, base+".ogg"), 48000, 2)
	default:
		util.LogWarning("recording %s is not supported, track %s is only played out", mime, track.ID())
		return nil
	}
	if err != nil {
		util.LogWarning("recording disabled for %s: %v", track.ID(), err)
		return nil
	}
	return rec
}

// Reset forgets every attached track and stops draining them. It is called
// whenever a session is created or hung up.
func (s *Sink) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.cancel()
	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.tracks = nil
	s.call++
}

// Len returns the number of tracks attached since the last reset.
func (s *Sink) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.tracks)
}

// Tracks describes the attached tracks, e.g. "video video/VP8 (abc)".
func (s *Sink) Tracks() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.tracks...)
}

func sanitize(id string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		default:
			return '_'
		}
	}, id)
}
