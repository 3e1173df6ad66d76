package media

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/pion/webrtc/v4/pkg/media"
	"github.com/pion/webrtc/v4/pkg/media/ivfreader"
	"github.com/pion/webrtc/v4/pkg/media/oggreader"

	"github.com/roulette-p2p/roulette/internal/util"
)

// oggPageDuration is the fixed page duration pion's ogg writer produces.
const oggPageDuration = 20 * time.Millisecond

// FileSource streams a VP8 IVF file and an Ogg Opus file into local tracks,
// looping at EOF. Either path may be empty, yielding a video-only or
// audio-only source.
type FileSource struct {
	videoPath string
	audioPath string

	videoTrack *webrtc.TrackLocalStaticSample
	audioTrack *webrtc.TrackLocalStaticSample

	audioOn atomic.Bool
	videoOn atomic.Bool

	mu        sync.Mutex
	lastFrame []byte

	cancel context.CancelFunc
}

// NewFileSource validates the given media files and creates the tracks.
// Streaming starts with Start.
func NewFileSource(videoPath, audioPath string) (*FileSource, error) {
	if videoPath == "" && audioPath == "" {
		return nil, errors.New("no media files given")
	}

	s := &FileSource{videoPath: videoPath, audioPath: audioPath}
	s.audioOn.Store(true)
	s.videoOn.Store(true)

	if videoPath != "" {
		if _, err := os.Stat(videoPath); err != nil {
			return nil, fmt.Errorf("video file: %w", err)
		}
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8}, "video", "roulette")
		if err != nil {
			return nil, fmt.Errorf("create video track: %w", err)
		}
		s.videoTrack = track
	}
	if audioPath != "" {
		if _, err := os.Stat(audioPath); err != nil {
			return nil, fmt.Errorf("audio file: %w", err)
		}
		track, err := webrtc.NewTrackLocalStaticSample(
			webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus}, "audio", "roulette")
		if err != nil {
			return nil, fmt.Errorf("create audio track: %w", err)
		}
		s.audioTrack = track
	}
	return s, nil
}

// Start launches the streaming goroutines. They run until ctx is cancelled
// or Close is called, looping the files indefinitely.
func (s *FileSource) Start(ctx context.Context) {
	ctx, s.cancel = context.WithCancel(ctx)
	if s.videoTrack != nil {
		go s.streamVideo(ctx)
	}
	if s.audioTrack != nil {
		go s.streamAudio(ctx)
	}
}

// Tracks returns the live local tracks.
func (s *FileSource) Tracks() []webrtc.TrackLocal {
	var tracks []webrtc.TrackLocal
	if s.videoTrack != nil {
		tracks = append(tracks, s.videoTrack)
	}
	if s.audioTrack != nil {
		tracks = append(tracks, s.audioTrack)
	}
	return tracks
}

// SetAudioEnabled toggles the microphone (mute). Disabled tracks keep their
// pacing but skip the writes, so re-enabling is instant.
func (s *FileSource) SetAudioEnabled(on bool) { s.audioOn.Store(on) }

// SetVideoEnabled toggles the camera (hide).
func (s *FileSource) SetVideoEnabled(on bool) { s.videoOn.Store(on) }

// Snapshot returns the most recent encoded video frame.
func (s *FileSource) Snapshot() ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.lastFrame == nil {
		return nil, ErrNoFrame
	}
	return append([]byte(nil), s.lastFrame...), nil
}

// Close stops the streaming goroutines.
func (s *FileSource) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return nil
}

// streamVideo paces IVF frames onto the video track at the file's timebase,
// rewinding at EOF.
func (s *FileSource) streamVideo(ctx context.Context) {
	for ctx.Err() == nil {
		if err := s.playVideoOnce(ctx); err != nil {
			util.LogWarning("video stream stopped: %v", err)
			return
		}
	}
}

func (s *FileSource) playVideoOnce(ctx context.Context) error {
	file, err := os.Open(s.videoPath)
	if err != nil {
		return err
	}
	defer file.Close()

	ivf, header, err := ivfreader.NewWith(file)
	if err != nil {
		return fmt.Errorf("parse IVF: %w", err)
	}

	if header.TimebaseDenominator == 0 {
		return fmt.Errorf("invalid IVF timebase %d/%d",
			header.TimebaseNumerator, header.TimebaseDenominator)
	}
	frameDuration := time.Millisecond * time.Duration(
		(float32(header.TimebaseNumerator)/float32(header.TimebaseDenominator))*1000)
	if frameDuration <= 0 {
		return fmt.Errorf("invalid IVF timebase %d/%d",
			header.TimebaseNumerator, header.TimebaseDenominator)
	}
	ticker := time.NewTicker(frameDuration)
	defer ticker.Stop()

	for {
		frame, _, err := ivf.ParseNextFrame()
		if errors.Is(err, io.EOF) {
			return nil // rewind
		}
		if err != nil {
			return fmt.Errorf("parse IVF frame: %w", err)
		}

		s.mu.Lock()
		s.lastFrame = append(s.lastFrame[:0], frame...)
		s.mu.Unlock()

		if s.videoOn.Load() {
			if err := s.videoTrack.WriteSample(media.Sample{Data: frame, Duration: frameDuration}); err != nil {
				return fmt.Errorf("write video sample: %w", err)
			}
			util.Stats.AddSent(len(frame))
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// streamAudio paces Ogg pages onto the audio track, rewinding at EOF.
func (s *FileSource) streamAudio(ctx context.Context) {
	for ctx.Err() == nil {
		if err := s.playAudioOnce(ctx); err != nil {
			util.LogWarning("audio stream stopped: %v", err)
			return
		}
	}
}

func (s *FileSource) playAudioOnce(ctx context.Context) error {
	file, err := os.Open(s.audioPath)
	if err != nil {
		return err
	}
	defer file.Close()

	ogg, _, err := oggreader.NewWith(file)
	if err != nil {
		return fmt.Errorf("parse Ogg: %w", err)
	}

	ticker := time.NewTicker(oggPageDuration)
	defer ticker.Stop()

	var lastGranule uint64
	for {
		page, header, err := ogg.ParseNextPage()
		if errors.Is(err, io.EOF) {
			return nil // rewind
		}
		if err != nil {
			return fmt.Errorf("parse Ogg page: %w", err)
		}

		sampleCount := float64(header.GranulePosition - lastGranule)
		lastGranule = header.GranulePosition
		sampleDuration := time.Duration((sampleCount/48000)*1000) * time.Millisecond

		if s.audioOn.Load() {
			if err := s.audioTrack.WriteSample(media.Sample{Data: page, Duration: sampleDuration}); err != nil {
				return fmt.Errorf("write audio sample: %w", err)
			}
			util.Stats.AddSent(len(page))
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
