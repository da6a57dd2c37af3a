//go:build linux

package main

import (
	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"

	"github.com/dkeye/duo/internal/media"
)

// newCapturer captures camera and microphone through V4L2 and malgo,
// encoding VP8 and Opus.
func newCapturer() (media.Capturer, *mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, nil, err
	}
	vpxParams.BitRate = 1_000_000

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, nil, err
	}

	codecs := mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	)
	return &media.DeviceCapturer{Codecs: codecs, MaxWidth: 1280, MaxHeight: 720}, codecs, nil
}
