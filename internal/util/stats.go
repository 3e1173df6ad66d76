package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"
)

// ──────────────────────────────────────────────────────────────────────────────
// Global stats singleton
// ──────────────────────────────────────────────────────────────────────────────

// Stats is the process-wide session/traffic counter.
var Stats = &stats{}

type stats struct {
	Matched   atomic.Int64 // cumulative partner matches since process start
	Ended     atomic.Int64 // cumulative ended sessions since process start
	ChatsIn   atomic.Int64 // chat messages received
	ChatsOut  atomic.Int64 // chat messages sent
	BytesSent atomic.Int64 // cumulative media bytes written to local tracks
	BytesRecv atomic.Int64 // cumulative media bytes read from remote tracks
}

func (s *stats) AddMatch()     { s.Matched.Add(1) }
func (s *stats) AddEnded()     { s.Ended.Add(1) }
func (s *stats) AddChatIn()    { s.ChatsIn.Add(1) }
func (s *stats) AddChatOut()   { s.ChatsOut.Add(1) }
func (s *stats) AddSent(n int) { s.BytesSent.Add(int64(n)) }
func (s *stats) AddRecv(n int) { s.BytesRecv.Add(int64(n)) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs session statistics
// every 10 seconds while something is happening. It stops when ctx is
// cancelled.
func StartStatsReporter(ctx context.Context) {
	go func() {
		ticker := time.NewTicker(10 * time.Second)
		defer ticker.Stop()

		var prevSent, prevRecv, prevIn, prevOut int64
		for {
			select {
			case <-ticker.C:
				sent := Stats.BytesSent.Load()
				recv := Stats.BytesRecv.Load()
				in := Stats.ChatsIn.Load()
				out := Stats.ChatsOut.Load()

				upS := float64(sent-prevSent) / 10.0
				downS := float64(recv-prevRecv) / 10.0

				if upS > 10 || downS > 10 || in != prevIn || out != prevOut {
					LogInfo("%s", formatStats(upS, downS, in, out))
				}

				prevSent = sent
				prevRecv = recv
				prevIn = in
				prevOut = out

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
func formatStats(upS, downS float64, in, out int64) string {
	return fmt.Sprintf("Up: %s/s | Down: %s/s | Chat: %2d↑ %2d↓",
		formatBytes(upS),
		formatBytes(downS),
		out,
		in,
	)
}
