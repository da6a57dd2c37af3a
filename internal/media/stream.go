// Package media owns local capture resources and the stream/track model the
// call session holds for both local and remote media.
package media

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/duo/internal/domain"
)

// Track is one audio or video track of a Stream.
type Track interface {
	ID() string
	Class() domain.TrackClass
	Enabled() bool
	SetEnabled(bool)
	// Stop releases the track. Safe to call more than once.
	Stop() error
	Stopped() bool
}

// Sendable is implemented by local tracks that can feed a PeerConnection.
type Sendable interface {
	Local() webrtc.TrackLocal
}

// Stream groups the tracks of one participant.
type Stream struct {
	id string

	mu     sync.RWMutex
	tracks []Track
}

func NewStream(id string, tracks ...Track) *Stream {
	return &Stream{id: id, tracks: tracks}
}

func (s *Stream) ID() string { return s.id }

func (s *Stream) Add(t Track) {
	s.mu.Lock()
	s.tracks = append(s.tracks, t)
	s.mu.Unlock()
}

func (s *Stream) Tracks() []Track {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Track, len(s.tracks))
	copy(out, s.tracks)
	return out
}

// Track returns the first track of class.
func (s *Stream) Track(class domain.TrackClass) (Track, bool) {
	for _, t := range s.Tracks() {
		if t.Class() == class {
			return t, true
		}
	}
	return nil, false
}

// EnabledTracks counts tracks that are still live and enabled.
func (s *Stream) EnabledTracks() int {
	n := 0
	for _, t := range s.Tracks() {
		if t.Enabled() && !t.Stopped() {
			n++
		}
	}
	return n
}

// Stop stops every track and reports the joined close errors.
func (s *Stream) Stop() error {
	var errs []error
	for _, t := range s.Tracks() {
		if err := t.Stop(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// localTrack wraps a captured Device. Disabling it keeps the sender bound but
// drops outgoing packets.
type localTrack struct {
	dev     Device
	local   webrtc.TrackLocal
	enabled atomic.Bool
	stopped atomic.Bool
	once    sync.Once
	stopErr error
}

// NewLocalTrack wraps a captured device; the track starts enabled.
func NewLocalTrack(dev Device) Track {
	return newLocalTrack(dev)
}

func newLocalTrack(dev Device) *localTrack {
	t := &localTrack{dev: dev}
	t.enabled.Store(true)
	if src, ok := dev.(Sendable); ok && src.Local() != nil {
		t.local = newGatedTrack(src.Local(), &t.enabled)
	}
	return t
}

func (t *localTrack) ID() string               { return t.dev.ID() }
func (t *localTrack) Class() domain.TrackClass { return t.dev.Class() }
func (t *localTrack) Enabled() bool            { return t.enabled.Load() }
func (t *localTrack) Stopped() bool            { return t.stopped.Load() }
func (t *localTrack) Local() webrtc.TrackLocal { return t.local }

func (t *localTrack) SetEnabled(v bool) {
	if t.stopped.Load() {
		return
	}
	t.enabled.Store(v)
}

func (t *localTrack) Stop() error {
	t.once.Do(func() {
		t.enabled.Store(false)
		t.stopped.Store(true)
		t.stopErr = t.dev.Close()
	})
	return t.stopErr
}

// remoteTrack is the receive side of a peer's track.
type remoteTrack struct {
	id      string
	class   domain.TrackClass
	stop    func() error
	enabled atomic.Bool
	stopped atomic.Bool
	once    sync.Once
	stopErr error
}

// NewRemoteTrack wraps a received track; stop is called once when the
// session releases it and may be nil.
func NewRemoteTrack(id string, class domain.TrackClass, stop func() error) Track {
	t := &remoteTrack{id: id, class: class, stop: stop}
	t.enabled.Store(true)
	return t
}

func (t *remoteTrack) ID() string               { return t.id }
func (t *remoteTrack) Class() domain.TrackClass { return t.class }
func (t *remoteTrack) Enabled() bool            { return t.enabled.Load() }
func (t *remoteTrack) Stopped() bool            { return t.stopped.Load() }

func (t *remoteTrack) SetEnabled(v bool) {
	if t.stopped.Load() {
		return
	}
	t.enabled.Store(v)
}

func (t *remoteTrack) Stop() error {
	t.once.Do(func() {
		t.enabled.Store(false)
		t.stopped.Store(true)
		if t.stop != nil {
			t.stopErr = t.stop()
		}
	})
	return t.stopErr
}

// ClassOf maps a pion codec type to a track class.
func ClassOf(kind webrtc.RTPCodecType) domain.TrackClass {
	if kind == webrtc.RTPCodecTypeVideo {
		return domain.Video
	}
	return domain.Audio
}
