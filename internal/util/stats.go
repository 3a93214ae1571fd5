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

// Stats is the process-wide media counter of the receiving side.
var Stats = &stats{}

type stats struct {
	Sessions    atomic.Int64 // cumulative count of negotiated sessions
	Tracks      atomic.Int64 // cumulative count of inbound tracks
	PacketsRecv atomic.Int64 // cumulative RTP packets read from tracks
	BytesRecv   atomic.Int64 // cumulative RTP payload bytes read from tracks
	PLISent     atomic.Int64 // cumulative picture loss indications written
}

func (s *stats) AddSession() { s.Sessions.Add(1) }
func (s *stats) AddTrack()   { s.Tracks.Add(1) }
func (s *stats) AddPLI()     { s.PLISent.Add(1) }
func (s *stats) AddPacket(n int) {
	s.PacketsRecv.Add(1)
	s.BytesRecv.Add(int64(n))
}

// StatsSnapshot is a point-in-time copy of Stats.
type StatsSnapshot struct {
	Sessions    int64 `json:"sessions"`
	Tracks      int64 `json:"tracks"`
	PacketsRecv int64 `json:"packets_recv"`
	BytesRecv   int64 `json:"bytes_recv"`
	PLISent     int64 `json:"pli_sent"`
}

// Snapshot returns the current counter values.
func (s *stats) Snapshot() StatsSnapshot {
	return StatsSnapshot{
		Sessions:    s.Sessions.Load(),
		Tracks:      s.Tracks.Load(),
		PacketsRecv: s.PacketsRecv.Load(),
		BytesRecv:   s.BytesRecv.Load(),
		PLISent:     s.PLISent.Load(),
	}
}

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs media statistics
// every 10 seconds. It stops when ctx is cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevBytes, prevPackets int64
		for {
			select {
			case <-ticker.C:
				bytes := Stats.BytesRecv.Load()
				packets := Stats.PacketsRecv.Load()

				rate := float64(bytes-prevBytes) / 10.0
				pps := float64(packets-prevPackets) / 10.0

				if bytes != prevBytes {
					pterm.DefaultLogger.Info(formatStats(rate, pps, Stats.Tracks.Load()))
				}

				prevBytes = bytes
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
func formatStats(rate, pps float64, tracks int64) string {
	return fmt.Sprintf("Video: %s/s | %6.1f pkt/s | Tracks: %d",
		formatBytes(rate),
		pps,
		tracks,
	)
}
