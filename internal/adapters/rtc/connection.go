package rtc

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/pion/interceptor"
	"github.com/pion/mediadevices"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/duo/internal/core"
	"github.com/dkeye/duo/internal/domain"
	"github.com/dkeye/duo/internal/media"
)

var ErrClosed = errors.New("peer connection closed")

type Options struct {
	ICEServers []string

	// Zero values keep pion's defaults.
	DisconnectedTimeout time.Duration
	FailedTimeout       time.Duration
	KeepaliveInterval   time.Duration

	// Codecs populates the media engine when local capture uses
	// mediadevices encoders. Nil registers pion's default codecs.
	Codecs *mediadevices.CodecSelector

	// Configure runs last on the setting engine (virtual networks in tests).
	Configure func(*webrtc.SettingEngine)
}

// DefaultWebRTCConfig uses only host candidates when servers is empty.
func DefaultWebRTCConfig(servers []string) webrtc.Configuration {
	if len(servers) == 0 {
		return webrtc.Configuration{}
	}
	return webrtc.Configuration{
		ICEServers: []webrtc.ICEServer{{URLs: servers}},
	}
}

// NewFactory returns a factory creating one connection per call session.
func NewFactory(opts Options) core.NegotiatorFactory {
	return func(sid string) (core.Negotiator, error) {
		return NewWebRTCConnection(opts, sid)
	}
}

type WebRTCConnection struct {
	pc  *webrtc.PeerConnection
	sid string

	mu        sync.Mutex
	closed    bool
	hasRemote bool
	pending   []webrtc.ICECandidateInit

	onICE   func(webrtc.ICECandidateInit)
	onState func(webrtc.PeerConnectionState)
	onTrack func(media.Track)
}

func newAPI(opts Options) (*webrtc.API, error) {
	mediaEngine := &webrtc.MediaEngine{}
	if opts.Codecs != nil {
		opts.Codecs.Populate(mediaEngine)
	} else if err := mediaEngine.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}

	interceptorRegistry := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(mediaEngine, interceptorRegistry); err != nil {
		return nil, err
	}

	se := webrtc.SettingEngine{}
	if opts.DisconnectedTimeout > 0 || opts.FailedTimeout > 0 || opts.KeepaliveInterval > 0 {
		se.SetICETimeouts(opts.DisconnectedTimeout, opts.FailedTimeout, opts.KeepaliveInterval)
	}
	if opts.Configure != nil {
		opts.Configure(&se)
	}

	return webrtc.NewAPI(
		webrtc.WithMediaEngine(mediaEngine),
		webrtc.WithInterceptorRegistry(interceptorRegistry),
		webrtc.WithSettingEngine(se),
	), nil
}

func NewWebRTCConnection(opts Options, sid string) (*WebRTCConnection, error) {
	api, err := newAPI(opts)
	if err != nil {
		return nil, fmt.Errorf("webrtc api: %w", err)
	}
	pc, err := api.NewPeerConnection(DefaultWebRTCConfig(opts.ICEServers))
	if err != nil {
		return nil, fmt.Errorf("new peer connection: %w", err)
	}
	c := &WebRTCConnection{pc: pc, sid: sid}
	c.bind()
	return c, nil
}

func (c *WebRTCConnection) bind() {
	c.pc.OnICEConnectionStateChange(func(s webrtc.ICEConnectionState) {
		log.Debug().Str("module", "webrtc").Str("sid", c.sid).Str("ice_state", s.String()).Msg("ICE state")
	})

	c.pc.OnConnectionStateChange(func(s webrtc.PeerConnectionState) {
		log.Info().Str("module", "webrtc").Str("sid", c.sid).Str("peer_connection_state", s.String()).Msg("Peer state")
		c.mu.Lock()
		fn := c.onState
		c.mu.Unlock()
		if fn != nil {
			fn(s)
		}
	})

	c.pc.OnICECandidate(func(cand *webrtc.ICECandidate) {
		if cand == nil {
			return
		}
		c.mu.Lock()
		fn := c.onICE
		c.mu.Unlock()
		if fn != nil {
			fn(cand.ToJSON())
		}
	})

	c.pc.OnTrack(func(track *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
		log.Info().
			Str("module", "webrtc").
			Str("sid", c.sid).
			Str("kind", track.Kind().String()).
			Str("track_id", track.ID()).
			Str("stream_id", track.StreamID()).
			Msg("OnTrack received")
		c.mu.Lock()
		fn := c.onTrack
		c.mu.Unlock()
		if fn != nil {
			fn(media.NewRemoteTrack(track.ID(), media.ClassOf(track.Kind()), receiver.Stop))
		}
	})
}

// AddLocalStream adds a sendrecv transceiver per local track and recvonly
// ones for the kinds of the call without a local track.
func (c *WebRTCConnection) AddLocalStream(stream *media.Stream, kind domain.MediaKind) error {
	covered := map[domain.TrackClass]bool{}
	if stream != nil {
		for _, t := range stream.Tracks() {
			src, ok := t.(media.Sendable)
			if !ok || src.Local() == nil {
				continue
			}
			if _, err := c.pc.AddTransceiverFromTrack(src.Local(), webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionSendrecv,
			}); err != nil {
				return fmt.Errorf("add %s track: %w", t.Class(), err)
			}
			covered[t.Class()] = true
		}
	}

	want := []domain.TrackClass{domain.Audio}
	if kind.HasVideo() {
		want = append(want, domain.Video)
	}
	for _, class := range want {
		if covered[class] {
			continue
		}
		codec := webrtc.RTPCodecTypeAudio
		if class == domain.Video {
			codec = webrtc.RTPCodecTypeVideo
		}
		if _, err := c.pc.AddTransceiverFromKind(codec, webrtc.RTPTransceiverInit{
			Direction: webrtc.RTPTransceiverDirectionRecvonly,
		}); err != nil {
			return fmt.Errorf("add recvonly %s: %w", class, err)
		}
	}
	return nil
}

func (c *WebRTCConnection) CreateOffer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := c.ready(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	offer, err := c.pc.CreateOffer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create offer: %v", domain.ErrNegotiation, err)
	}
	if err := c.pc.SetLocalDescription(offer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local offer: %v", domain.ErrNegotiation, err)
	}
	return offer, nil
}

func (c *WebRTCConnection) CreateAnswer(ctx context.Context) (webrtc.SessionDescription, error) {
	if err := c.ready(ctx); err != nil {
		return webrtc.SessionDescription{}, err
	}
	if c.pc.SignalingState() != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: answer without remote offer", domain.ErrNegotiation)
	}
	answer, err := c.pc.CreateAnswer(nil)
	if err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: create answer: %v", domain.ErrNegotiation, err)
	}
	if err := c.pc.SetLocalDescription(answer); err != nil {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: set local answer: %v", domain.ErrNegotiation, err)
	}
	return answer, nil
}

func (c *WebRTCConnection) ready(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if c.IsClosed() {
		return ErrClosed
	}
	return nil
}

// SetRemoteDescription applies desc and flushes candidates buffered before it.
func (c *WebRTCConnection) SetRemoteDescription(desc webrtc.SessionDescription) error {
	if c.IsClosed() {
		return fmt.Errorf("%w: %v", domain.ErrNegotiation, ErrClosed)
	}
	state := c.pc.SignalingState()
	switch desc.Type {
	case webrtc.SDPTypeAnswer:
		if state != webrtc.SignalingStateHaveLocalOffer {
			return fmt.Errorf("%w: answer in state %s", domain.ErrNegotiation, state)
		}
	case webrtc.SDPTypeOffer:
		if state != webrtc.SignalingStateStable {
			return fmt.Errorf("%w: offer in state %s", domain.ErrNegotiation, state)
		}
	default:
		return fmt.Errorf("%w: unsupported description %q", domain.ErrNegotiation, desc.Type)
	}
	if err := c.pc.SetRemoteDescription(desc); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrNegotiation, err)
	}

	c.mu.Lock()
	c.hasRemote = true
	pending := c.pending
	c.pending = nil
	c.mu.Unlock()

	for _, ci := range pending {
		if err := c.pc.AddICECandidate(ci); err != nil {
			log.Error().Err(err).Str("module", "webrtc").Str("sid", c.sid).Msg("add buffered ice candidate")
		}
	}
	if len(pending) > 0 {
		log.Debug().Str("module", "webrtc").Str("sid", c.sid).Int("count", len(pending)).Msg("flushed buffered candidates")
	}
	return nil
}

// AddICECandidate applies a remote candidate, buffering it until the remote
// description exists. On a closed connection it only logs.
func (c *WebRTCConnection) AddICECandidate(ci webrtc.ICECandidateInit) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		log.Debug().Str("module", "webrtc").Str("sid", c.sid).Msg("candidate after close dropped")
		return nil
	}
	if !c.hasRemote {
		c.pending = append(c.pending, ci)
		c.mu.Unlock()
		return nil
	}
	c.mu.Unlock()
	if err := c.pc.AddICECandidate(ci); err != nil {
		return fmt.Errorf("add ice candidate: %w", err)
	}
	return nil
}

// PendingCandidates reports how many remote candidates wait for a description.
func (c *WebRTCConnection) PendingCandidates() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.pending)
}

func (c *WebRTCConnection) OnLocalCandidate(fn func(webrtc.ICECandidateInit)) {
	c.mu.Lock()
	c.onICE = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) OnConnectionStateChange(fn func(webrtc.PeerConnectionState)) {
	c.mu.Lock()
	c.onState = fn
	c.mu.Unlock()
}

// OnRemoteTrack sets application-level callback for remote tracks.
func (c *WebRTCConnection) OnRemoteTrack(fn func(media.Track)) {
	c.mu.Lock()
	c.onTrack = fn
	c.mu.Unlock()
}

func (c *WebRTCConnection) IsClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

// Close is idempotent. Callbacks are detached first so a closing transport
// does not report back into a torn-down session.
func (c *WebRTCConnection) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.pending = nil
	c.onICE, c.onState, c.onTrack = nil, nil, nil
	c.mu.Unlock()

	if err := c.pc.Close(); err != nil {
		log.Error().Err(err).Str("module", "webrtc").Str("sid", c.sid).Msg("close error")
		return err
	}
	log.Info().Str("module", "webrtc").Str("sid", c.sid).Msg("closed")
	return nil
}
