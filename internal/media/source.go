// Package media provides the local media source attached to every call and
// the sink that collects the remote tracks of the current call.
package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/1ureka/p2pcall/internal/config"
	"github.com/1ureka/p2pcall/internal/util"
)

const (
	streamID          = "p2pcall"
	oggPageDuration   = 20 * time.Millisecond
	defaultFrameDelay = 33 * time.Millisecond
)

// opusSilence is a single 20 ms Opus frame of silence (TOC 0xf8, CELT FB).
var opusSilence = []byte{0xf8, 0xff, 0xfe}

// ErrUnavailable is returned when a configured input cannot be opened.
var ErrUnavailable = errors.New("media input unavailable")

// Source is the local "camera and microphone": one or two sample tracks fed
// by background pumps until Close.
type Source struct {
	tracks []webrtc.TrackLocal
	files  []*os.File

	cancel context.CancelFunc
	wg     sync.WaitGroup
	once   sync.Once
}

// Acquire opens the configured inputs and starts pumping samples. Video comes
// from an IVF file, audio from an Ogg/Opus file; without an audio file a
// silent microphone is generated so a call always carries at least one track.
func Acquire(ctx context.Context, cfg config.Media) (*Source, error) {
	pumpCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	s := &Source{cancel: cancel}

	if cfg.VideoFile != "" {
		if err := s.addVideo(pumpCtx, cfg.VideoFile); err != nil {
			s.Close()
			return nil, err
		}
	}

	var err error
	if cfg.AudioFile != "" {
		err = s.addOggAudio(pumpCtx, cfg.AudioFile)
	} else {
		err = s.addSilence(pumpCtx)
	}
	if err != nil {
		s.Close()
		return nil, err
	}

	return s, nil
}

// Tracks returns the local tracks to attach to a new session.
func (s *Source) Tracks() []webrtc.TrackLocal {
	return s.tracks
}

// Close stops the pumps and releases the input files.
func (s *Source) Close() error {
	var errs []error
	s.once.Do(func() {
		s.cancel()
		s.wg.Wait()
		for _, f := range s.files {
			errs = append(errs, f.Close())
		}
	})
	return errors.Join(errs...)
}

func (s *Source) open(path string) (*os.File, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	s.files = append(s.files, f)
	return f, nil
}

// ---------------------------------------------------------------------------
// Video (IVF)
// ---------------------------------------------------------------------------

func (s *Source) addVideo(ctx context.Context, path string) error {
	f, err := s.open(path)
	if err != nil {
		return err
	}

	reader, header, err := ivfreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}

	var mimeType string
	switch header.FourCC {
	case "VP80":
		mimeType = webrtc.MimeTypeVP8
	case "VP90":
		mimeType = webrtc.MimeTypeVP9
	case "AV01":
		mimeType = webrtc.MimeTypeAV1
	default:
		return fmt.Errorf("%w: %s: unsupported IVF codec %q", ErrUnavailable, path, header.FourCC)
	}

	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: mimeType}, "video", streamID)
	if err != nil {
		return fmt.Errorf("create video track: %w", err)
	}
	s.tracks = append(s.tracks, track)

	delay := defaultFrameDelay
	if header.TimebaseDenominator > 0 && header.TimebaseNumerator > 0 {
		delay = time.Duration(header.TimebaseNumerator) * time.Second / time.Duration(header.TimebaseDenominator)
	}

	util.LogDebug("video source %s: %s, %dx%d, %s per frame", path, mimeType, header.Width, header.Height, delay)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pumpIVF(ctx, f, reader, track, delay)
	}()
	return nil
}

// pumpIVF writes one frame per tick, rewinding at end of file.
func (s *Source) pumpIVF(ctx context.Context, f *os.File, reader *ivfreader.IVFReader, track *webrtc.TrackLocalStaticSample, delay time.Duration) {
	ticker := time.NewTicker(delay)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		frame, _, err := reader.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			if reader, err = rewindIVF(f); err != nil {
				util.LogWarning("video source stopped: %v", err)
				return
			}
			continue
		}
		if err != nil {
			util.LogWarning("video source stopped: %v", err)
			return
		}

		if err := track.WriteSample(media.Sample{Data: frame, Duration: delay}); err != nil {
			util.LogDebug("write video sample: %v", err)
			continue
		}
		util.Stats.AddSent(len(frame))
	}
}

func rewindIVF(f *os.File) (*ivfreader.IVFReader, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	reader, _, err := ivfreader.NewWith(f)
	return reader, err
}

// ---------------------------------------------------------------------------
// Audio (Ogg/Opus or generated silence)
// ---------------------------------------------------------------------------

func newOpusTrack() (*webrtc.TrackLocalStaticSample, error) {
	track, err := webrtc.NewTrackLocalStaticSample(webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", streamID)
	if err != nil {
		return nil, fmt.Errorf("create audio track: %w", err)
	}
	return track, nil
}

func (s *Source) addOggAudio(ctx context.Context, path string) error {
	f, err := s.open(path)
	if err != nil {
		return err
	}

	reader, header, err := oggreader.NewWith(f)
	if err != nil {
		return fmt.Errorf("%w: %s: %v", ErrUnavailable, path, err)
	}

	track, err := newOpusTrack()
	if err != nil {
		return err
	}
	s.tracks = append(s.tracks, track)

	util.LogDebug("audio source %s: %d Hz, %d channel(s)", path, header.SampleRate, header.Channels)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.pumpOgg(ctx, f, reader, track)
	}()
	return nil
}

// pumpOgg writes one page per 20 ms tick, rewinding at end of file.
func (s *Source) pumpOgg(ctx context.Context, f *os.File, reader *oggreader.OggReader, track *webrtc.TrackLocalStaticSample) {
	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		page, _, err := reader.ParseNextPage()
		if errors.Is(err, io.EOF) {
			if reader, err = rewindOgg(f); err != nil {
				util.LogWarning("audio source stopped: %v", err)
				return
			}
			continue
		}
		if err != nil {
			util.LogWarning("audio source stopped: %v", err)
			return
		}

		if err := track.WriteSample(media.Sample{Data: page, Duration: oggPageDuration}); err != nil {
			util.LogDebug("write audio sample: %v", err)
			continue
		}
		util.Stats.AddSent(len(page))
	}
}

func rewindOgg(f *os.File) (*oggreader.OggReader, error) {
	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	reader, _, err := oggreader.NewWith(f)
	return reader, err
}

func (s *Source) addSilence(ctx context.Context) error {
	track, err := newOpusTrack()
	if err != nil {
		return err
	}
	s.tracks = append(s.tracks, track)

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()

		ticker := time.NewTicker(oggPageDuration)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
			}
			if err := track.WriteSample(media.Sample{Data: opusSilence, Duration: oggPageDuration}); err == nil {
				util.Stats.AddSent(len(opusSilence))
			}
		}
	}()
	return nil
}
