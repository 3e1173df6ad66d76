// Package media provides the local media source consumed by the session, and
// a sink for remote tracks. Capture hardware is out of scope: local media
// comes from prerecorded IVF/Ogg files, the same shape pion uses for
// file-backed tracks.
package media

import (
	"errors"

	"github.com/pion/webrtc/v4"
)

// ErrNoFrame is returned by Snapshot when no video frame has been produced
// or received yet.
var ErrNoFrame = errors.New("no frame available")

// Source produces the local tracks attached to a peer connection. Audio and
// video can be toggled independently (mute / hide).
type Source interface {
	Tracks() []webrtc.TrackLocal
	SetAudioEnabled(bool)
	SetVideoEnabled(bool)
	// Snapshot returns the most recent encoded video frame, used as the
	// opaque image payload of abuse reports.
	Snapshot() ([]byte, error)
	Close() error
}

// NullSource is a Source with no tracks. The client stays usable without
// media files: the peer connection is created receive-only.
type NullSource struct{}

func (NullSource) Tracks() []webrtc.TrackLocal { return nil }
func (NullSource) SetAudioEnabled(bool)        {}
func (NullSource) SetVideoEnabled(bool)        {}
func (NullSource) Snapshot() ([]byte, error)   { return nil, ErrNoFrame }
func (NullSource) Close() error                { return nil }
