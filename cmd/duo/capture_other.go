//go:build !linux

package main

import (
	"github.com/pion/mediadevices"

	"github.com/dkeye/duo/internal/media"
)

// newCapturer has no drivers here; calls fail with a device-not-found error.
func newCapturer() (media.Capturer, *mediadevices.CodecSelector, error) {
	return &media.DeviceCapturer{}, nil, nil
}
