package media

import (
	"context"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/roulette-p2p/roulette/internal/util"
)

// TrackSink drains remote tracks, feeding the traffic stats and retaining
// the most recent video payload for abuse-report snapshots. One sink serves
// all tracks of the current session; Reset clears it between partners.
type TrackSink struct {
	mu       sync.Mutex
	lastSeen []byte
}

// NewTrackSink creates an empty sink.
func NewTrackSink() *TrackSink {
	return &TrackSink{}
}

// Consume reads a remote track until it ends or ctx is cancelled. Run it in
// its own goroutine per track.
func (s *TrackSink) Consume(ctx context.Context, track *webrtc.TrackRemote) {
	isVideo := track.Kind() == webrtc.RTPCodecTypeVideo
	for ctx.Err() == nil {
		pkt, _, err := track.ReadRTP()
		if err != nil {
			return
		}
		util.Stats.AddRecv(len(pkt.Payload))

		if isVideo && len(pkt.Payload) > 0 {
			s.mu.Lock()
			s.lastSeen = append(s.lastSeen[:0], pkt.Payload...)
			s.mu.Unlock()
		}
	}
}

// Snapshot returns the most recent remote video payload.
func (s *TrackSink) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastSeen == nil {
		return nil, ErrNoFrame
	}
	return append([]byte(nil), s.lastSeen...), nil
}

// Reset discards retained remote data. Called at session teardown so a
// report never carries a previous partner's frame.
func (s *TrackSink) Reset() {
	s.mu.Lock()
	s.lastSeen = nil
	s.mu.Unlock()
}
