package media

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/duo/internal/domain"
)

// DeviceCapturer captures microphone and camera through pion/mediadevices.
// Drivers are registered by blank imports in the binary.
type DeviceCapturer struct {
	Codecs    *mediadevices.CodecSelector
	MaxWidth  int
	MaxHeight int
}

func (c *DeviceCapturer) Capture(ctx context.Context, kind domain.MediaKind) ([]Device, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if !hasInput(mediadevices.AudioInput) {
		return nil, fmt.Errorf("microphone: %w", domain.ErrDeviceNotFound)
	}
	constraints := mediadevices.MediaStreamConstraints{
		Codec: c.Codecs,
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	}
	if kind.HasVideo() {
		if !hasInput(mediadevices.VideoInput) {
			return nil, fmt.Errorf("camera: %w", domain.ErrDeviceNotFound)
		}
		constraints.Video = func(mc *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras yield broken frames.
			mc.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			if c.MaxWidth > 0 {
				mc.Width = prop.IntRanged{Max: c.MaxWidth}
			}
			if c.MaxHeight > 0 {
				mc.Height = prop.IntRanged{Max: c.MaxHeight}
			}
		}
	}

	stream, err := mediadevices.GetUserMedia(constraints)
	if err != nil {
		return nil, classifyDeviceError(err)
	}

	tracks := stream.GetTracks()
	devs := make([]Device, 0, len(tracks))
	for _, t := range tracks {
		t.OnEnded(func(err error) {
			if err != nil {
				log.Warn().Err(err).Str("module", "media").Str("track", t.ID()).Msg("local track ended")
			}
		})
		devs = append(devs, &deviceTrack{t: t})
	}
	return devs, nil
}

func hasInput(kind mediadevices.MediaDeviceType) bool {
	for _, d := range mediadevices.EnumerateDevices() {
		if d.Kind == kind {
			return true
		}
	}
	return false
}

func classifyDeviceError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case errors.Is(err, fs.ErrPermission),
		strings.Contains(msg, "permission denied"),
		strings.Contains(msg, "not permitted"):
		return fmt.Errorf("%w: %v", domain.ErrPermissionDenied, err)
	case errors.Is(err, fs.ErrNotExist),
		strings.Contains(msg, "failed to find"),
		strings.Contains(msg, "not found"),
		strings.Contains(msg, "no such device"):
		return fmt.Errorf("%w: %v", domain.ErrDeviceNotFound, err)
	}
	return fmt.Errorf("%w: %v", domain.ErrDeviceError, err)
}

// deviceTrack adapts a mediadevices track to Device.
type deviceTrack struct {
	t mediadevices.Track
}

func (d *deviceTrack) ID() string               { return d.t.ID() }
func (d *deviceTrack) Class() domain.TrackClass { return ClassOf(d.t.Kind()) }
func (d *deviceTrack) Close() error             { return d.t.Close() }
func (d *deviceTrack) Local() webrtc.TrackLocal { return d.t }
