package media

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/duo/internal/domain"
)

// Device is one captured source handed out by a Capturer.
type Device interface {
	ID() string
	Class() domain.TrackClass
	Close() error
}

// Capturer opens capture devices. Implementations report
// domain.ErrPermissionDenied, domain.ErrDeviceNotFound or domain.ErrDeviceError.
type Capturer interface {
	Capture(ctx context.Context, kind domain.MediaKind) ([]Device, error)
}

// Manager acquires and releases local capture streams.
type Manager struct {
	capturer Capturer
	timeout  time.Duration
}

// NewManager returns a manager over c. A zero timeout waits for the capturer
// as long as the caller's context allows.
func NewManager(c Capturer, acquireTimeout time.Duration) *Manager {
	return &Manager{capturer: c, timeout: acquireTimeout}
}

type captureResult struct {
	devs []Device
	err  error
}

// Acquire opens the devices needed for kind. If ctx ends first, Acquire
// returns and whatever the capturer eventually hands back is closed.
func (m *Manager) Acquire(ctx context.Context, kind domain.MediaKind) (*Stream, error) {
	if m.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.timeout)
		defer cancel()
	}

	done := make(chan captureResult, 1)
	go func() {
		devs, err := m.capturer.Capture(ctx, kind)
		done <- captureResult{devs: devs, err: err}
	}()

	select {
	case res := <-done:
		if res.err != nil {
			closeDevices(res.devs)
			return nil, classify(res.err)
		}
		return m.assemble(res.devs, kind)
	case <-ctx.Done():
		go func() {
			res := <-done
			if len(res.devs) > 0 {
				log.Info().Str("module", "media").Int("tracks", len(res.devs)).Msg("releasing late capture")
			}
			closeDevices(res.devs)
		}()
		return nil, fmt.Errorf("acquire %s: %w", kind, ctx.Err())
	}
}

func (m *Manager) assemble(devs []Device, kind domain.MediaKind) (*Stream, error) {
	var hasAudio, hasVideo bool
	for _, d := range devs {
		switch d.Class() {
		case domain.Audio:
			hasAudio = true
		case domain.Video:
			hasVideo = true
		}
	}
	if !hasAudio || (kind.HasVideo() && !hasVideo) {
		closeDevices(devs)
		return nil, fmt.Errorf("acquire %s: %w", kind, domain.ErrDeviceNotFound)
	}

	stream := NewStream(uuid.NewString())
	for _, d := range devs {
		if d.Class() == domain.Video && !kind.HasVideo() {
			_ = d.Close()
			continue
		}
		stream.Add(newLocalTrack(d))
	}
	log.Info().Str("module", "media").Str("stream", stream.ID()).Str("kind", kind.String()).Int("tracks", len(stream.Tracks())).Msg("media acquired")
	return stream, nil
}

// SetTrackEnabled toggles every track of class and returns the resulting
// disabled state. Without such a track it changes nothing and reports the
// previous disabled state, which is true.
func (m *Manager) SetTrackEnabled(stream *Stream, class domain.TrackClass, enabled bool) bool {
	if stream == nil {
		return true
	}
	found := false
	for _, t := range stream.Tracks() {
		if t.Class() != class || t.Stopped() {
			continue
		}
		t.SetEnabled(enabled)
		found = true
	}
	if !found {
		return true
	}
	return !enabled
}

// Release stops every track of stream. Safe on nil and on stopped streams.
func (m *Manager) Release(stream *Stream) {
	if stream == nil {
		return
	}
	if err := stream.Stop(); err != nil {
		log.Warn().Err(err).Str("module", "media").Str("stream", stream.ID()).Msg("release")
		return
	}
	log.Debug().Str("module", "media").Str("stream", stream.ID()).Msg("released")
}

func closeDevices(devs []Device) {
	for _, d := range devs {
		if err := d.Close(); err != nil {
			log.Warn().Err(err).Str("module", "media").Str("device", d.ID()).Msg("close device")
		}
	}
}

func classify(err error) error {
	switch {
	case errors.Is(err, domain.ErrPermissionDenied),
		errors.Is(err, domain.ErrDeviceNotFound),
		errors.Is(err, domain.ErrDeviceError),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	}
	return fmt.Errorf("%w: %v", domain.ErrDeviceError, err)
}
