package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide media traffic counter.
var Stats = &stats{}

type stats struct {
	RemoteTracks atomic.Int64 // remote tracks currently attached to the sink
	PacketsRecv  atomic.Int64 // cumulative RTP packets read from remote tracks
	BytesSent    atomic.Int64 // cumulative sample bytes written to local tracks
	BytesRecv    atomic.Int64 // cumulative RTP payload bytes read from remote tracks
}

func (s *stats) AddTrack()     { s.RemoteTracks.Add(1) }
func (s *stats) RemoveTrack()  { s.RemoteTracks.Add(-1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) {
	s.PacketsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs media statistics
// every 10 seconds while a remote track is attached. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevPackets int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				packets := Stats.PacketsRecv.Load()
				tracks := Stats.RemoteTracks.Load()

				outS := float64(sent-prevSent) / 10.0
				inS := float64(recv-prevRecv) / 10.0
				pps := float64(packets-prevPackets) / 10.0

				if tracks > 0 {
					pterm.DefaultLogger.Info(formatStats(inS, outS, pps, tracks))
				}

				prevSent = sent
				prevRecv = recv
				prevPackets = packets

			case <-ctx.Done():
				return
			}
		}
	}()
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(inS, outS, pps float64, tracks int64) string {
	return fmt.Sprintf("In: %s/s (%4.0f pkt/s) | Out: %s/s | Tracks: %d",
		formatBytes(inS),
		pps,
		formatBytes(outS),
		tracks,
	)
}
