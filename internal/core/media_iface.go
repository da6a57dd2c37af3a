package core

import (
	"context"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/duo/internal/domain"
	"github.com/dkeye/duo/internal/media"
)

// Negotiator wraps one point-to-point transport. One per call session.
type Negotiator interface {
	// AddLocalStream attaches the session's local tracks, plus receive-only
	// slots for the kinds that have none. Called once, before the first
	// description is created.
	AddLocalStream(stream *media.Stream, kind domain.MediaKind) error
	// CreateOffer creates an offer and commits it as the local description.
	CreateOffer(ctx context.Context) (webrtc.SessionDescription, error)
	// CreateAnswer creates an answer and commits it as the local description.
	CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error)
	// SetRemoteDescription fails with domain.ErrNegotiation when out of order.
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddICECandidate buffers candidates that arrive before the remote description.
	AddICECandidate(webrtc.ICECandidateInit) error

	OnLocalCandidate(func(webrtc.ICECandidateInit))
	OnConnectionStateChange(func(webrtc.PeerConnectionState))
	OnRemoteTrack(func(media.Track))

	Close() error
	IsClosed() bool
}

// NegotiatorFactory creates a fresh transport for a call session.
type NegotiatorFactory func(sessionID string) (Negotiator, error)
