// Package call drives one user's side of a 1:1 call: media acquisition,
// negotiation over the signaling channel and the session state machine.
package call

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/duo/internal/app/events"
	"github.com/dkeye/duo/internal/core"
	"github.com/dkeye/duo/internal/domain"
	"github.com/dkeye/duo/internal/media"
	"github.com/dkeye/duo/internal/protocol"
)

var ErrInvalidTarget = errors.New("invalid call target")

// MediaSource is the media resource manager as seen by the coordinator.
type MediaSource interface {
	Acquire(ctx context.Context, kind domain.MediaKind) (*media.Stream, error)
	SetTrackEnabled(stream *media.Stream, class domain.TrackClass, enabled bool) bool
	Release(stream *media.Stream)
}

type Options struct {
	Identity    domain.Identity
	Channel     core.SignalChannel
	Media       MediaSource
	Negotiators core.NegotiatorFactory
	// Bus is created and owned by the coordinator when nil.
	Bus *events.Bus
	// RingTimeout ends unanswered outgoing calls; zero disables it.
	RingTimeout time.Duration
}

type Coordinator struct {
	identity    domain.Identity
	channel     core.SignalChannel
	media       MediaSource
	negotiators core.NegotiatorFactory
	bus         *events.Bus
	ownsBus     bool
	ringTimeout time.Duration

	// opMu serializes StartCall and AnswerCall. Teardown paths only take mu,
	// so they run while an operation is suspended.
	opMu sync.Mutex

	mu      sync.Mutex
	session *Session

	startOnce sync.Once
}

func New(opts Options) *Coordinator {
	c := &Coordinator{
		identity:    opts.Identity,
		channel:     opts.Channel,
		media:       opts.Media,
		negotiators: opts.Negotiators,
		bus:         opts.Bus,
		ringTimeout: opts.RingTimeout,
	}
	if c.bus == nil {
		c.bus = events.NewBus()
		c.ownsBus = true
	}
	return c
}

func (c *Coordinator) Identity() domain.Identity { return c.identity }

func (c *Coordinator) AddListener(fn events.Listener) events.ListenerID {
	return c.bus.AddListener(fn)
}

func (c *Coordinator) RemoveListener(id events.ListenerID) {
	c.bus.RemoveListener(id)
}

// Connect registers the local identity with the relay.
func (c *Coordinator) Connect(ctx context.Context) error {
	return c.channel.Connect(ctx, c.identity)
}

// Start runs the inbound dispatch loop until ctx ends. Calling it again is a no-op.
func (c *Coordinator) Start(ctx context.Context) {
	c.startOnce.Do(func() {
		go c.run(ctx)
	})
}

// Disconnect ends any call, then releases the signaling channel.
func (c *Coordinator) Disconnect() error {
	c.EndCall()
	return c.channel.Disconnect()
}

// Close disconnects and stops event delivery of an owned bus.
func (c *Coordinator) Close() error {
	err := c.Disconnect()
	if c.ownsBus {
		c.bus.Close()
	}
	return err
}

func (c *Coordinator) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Idle
	}
	return c.session.State
}

func (c *Coordinator) Session() (Info, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return Info{}, false
	}
	return c.session.info(), true
}

func (c *Coordinator) newSession(remote domain.UserID, name string, dir domain.Direction, kind domain.MediaKind) *Session {
	ctx, cancel := context.WithCancel(context.Background())
	state := Outgoing
	if dir == domain.Incoming {
		state = Incoming
	}
	return &Session{
		ID:           uuid.NewString(),
		LocalUserID:  c.identity.ID,
		RemoteUserID: remote,
		RemoteName:   name,
		Direction:    dir,
		Media:        kind,
		State:        state,
		StartedAt:    time.Now(),
		ctx:          ctx,
		cancel:       cancel,
	}
}

// StartCall acquires media, creates the transport and sends an offer to target.
// It fails with domain.ErrCallInProgress while another session exists.
func (c *Coordinator) StartCall(ctx context.Context, target domain.UserID, video bool) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	if target == "" || target == c.identity.ID {
		return fmt.Errorf("%w: %q", ErrInvalidTarget, target)
	}
	if !c.channel.Connected() {
		return domain.ErrChannelNotReady
	}

	kind := domain.MediaKindOf(video)
	c.mu.Lock()
	if c.session != nil {
		c.mu.Unlock()
		return domain.ErrCallInProgress
	}
	sess := c.newSession(target, "", domain.Outgoing, kind)
	c.session = sess
	c.mu.Unlock()

	log.Info().Str("module", "call").Str("sid", sess.ID).Str("target", string(target)).Str("media", kind.String()).Msg("starting call")

	ctx, cancel := sess.bind(ctx)
	defer cancel()

	transport, err := c.prepare(ctx, sess)
	if err != nil {
		return err
	}

	offer, err := transport.CreateOffer(ctx)
	if err != nil {
		return c.abort(sess, err)
	}

	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return domain.ErrCallCancelled
	}
	if err := c.channel.Send(protocol.NewOffer(target, c.identity, offer, video)); err != nil {
		c.mu.Unlock()
		return c.abort(sess, fmt.Errorf("send offer: %w", err))
	}
	c.flushLocalCandidatesLocked(sess)
	if c.ringTimeout > 0 {
		sess.ring = time.AfterFunc(c.ringTimeout, func() { c.ringExpired(sess) })
	}
	c.bus.Publish(events.CallStarted{SessionID: sess.ID, RemoteUserID: target, Media: kind})
	c.mu.Unlock()
	return nil
}

// AnswerCall accepts the ringing call from call.CallerID.
func (c *Coordinator) AnswerCall(ctx context.Context, call events.IncomingCall) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	sess := c.session
	switch {
	case sess == nil:
		c.mu.Unlock()
		return domain.ErrNoIncomingCall
	case sess.State != Incoming:
		c.mu.Unlock()
		return domain.ErrCallInProgress
	case sess.RemoteUserID != call.CallerID:
		c.mu.Unlock()
		return fmt.Errorf("%w: ringing call is from %s", domain.ErrNoIncomingCall, sess.RemoteUserID)
	}
	offer := *sess.offer
	c.mu.Unlock()

	log.Info().Str("module", "call").Str("sid", sess.ID).Str("caller", string(sess.RemoteUserID)).Msg("answering call")

	ctx, cancel := sess.bind(ctx)
	defer cancel()

	transport, err := c.prepare(ctx, sess)
	if err != nil {
		return err
	}

	if err := transport.SetRemoteDescription(offer); err != nil {
		return c.abort(sess, err)
	}
	if !c.transition(sess, Incoming, Connecting) {
		return domain.ErrCallCancelled
	}

	answer, err := transport.CreateAnswer(ctx)
	if err != nil {
		return c.abort(sess, err)
	}

	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return domain.ErrCallCancelled
	}
	if err := c.channel.Send(protocol.NewAnswer(sess.RemoteUserID, c.identity.ID, answer)); err != nil {
		c.mu.Unlock()
		return c.abort(sess, fmt.Errorf("send answer: %w", err))
	}
	c.flushLocalCandidatesLocked(sess)
	c.bus.Publish(events.CallAnswered{SessionID: sess.ID, RemoteUserID: sess.RemoteUserID, Media: sess.Media})
	c.mu.Unlock()
	return nil
}

// prepare acquires the local stream and attaches a fresh transport to sess.
func (c *Coordinator) prepare(ctx context.Context, sess *Session) (core.Negotiator, error) {
	stream, err := c.media.Acquire(ctx, sess.Media)
	if err != nil {
		return nil, c.abort(sess, err)
	}
	if !c.attach(sess, func() { sess.local = stream }) {
		c.media.Release(stream)
		return nil, domain.ErrCallCancelled
	}

	transport, err := c.negotiators(sess.ID)
	if err != nil {
		return nil, c.abort(sess, fmt.Errorf("%w: %v", domain.ErrTransportFailure, err))
	}
	transport.OnLocalCandidate(func(ci webrtc.ICECandidateInit) { c.onLocalCandidate(sess, ci) })
	transport.OnConnectionStateChange(func(s webrtc.PeerConnectionState) { c.onTransportState(sess, s) })
	transport.OnRemoteTrack(func(t media.Track) { c.onRemoteTrack(sess, t) })
	if err := transport.AddLocalStream(stream, sess.Media); err != nil {
		_ = transport.Close()
		return nil, c.abort(sess, fmt.Errorf("%w: %v", domain.ErrNegotiation, err))
	}

	var buffered []webrtc.ICECandidateInit
	if !c.attach(sess, func() {
		sess.transport = transport
		buffered = sess.remoteCandidates
		sess.remoteCandidates = nil
	}) {
		_ = transport.Close()
		return nil, domain.ErrCallCancelled
	}
	for _, ci := range buffered {
		if err := transport.AddICECandidate(ci); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("sid", sess.ID).Msg("buffered candidate rejected")
		}
	}
	return transport, nil
}

// attach runs fn under the state lock if sess is still current.
func (c *Coordinator) attach(sess *Session, fn func()) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != sess {
		return false
	}
	fn()
	return true
}

func (c *Coordinator) transition(sess *Session, from, to State) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != sess || sess.State != from {
		return false
	}
	sess.State = to
	log.Debug().Str("module", "call").Str("sid", sess.ID).Str("from", from.String()).Str("to", to.String()).Msg("state")
	return true
}

// abort ends sess with a failure. A session already torn down by someone
// else reports domain.ErrCallCancelled instead.
func (c *Coordinator) abort(sess *Session, err error) error {
	if !c.end(sess, events.ReasonFailed, err, nil) {
		return domain.ErrCallCancelled
	}
	return err
}

// RejectCall declines the ringing call from callerID.
func (c *Coordinator) RejectCall(callerID domain.UserID) error {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess == nil || sess.RemoteUserID != callerID {
		return domain.ErrNoIncomingCall
	}
	if !c.end(sess, events.ReasonDeclined, nil, func(s *Session) bool { return s.State == Incoming }) {
		return domain.ErrNoIncomingCall
	}
	return nil
}

// EndCall tears the current session down. It never fails and is a no-op
// while idle. A ringing incoming call is declined.
func (c *Coordinator) EndCall() {
	c.mu.Lock()
	sess := c.session
	reason := events.ReasonLocalHangup
	if sess != nil && sess.State == Incoming {
		reason = events.ReasonDeclined
	}
	c.mu.Unlock()
	if sess == nil {
		return
	}
	c.end(sess, reason, nil, nil)
}

func (c *Coordinator) ringExpired(sess *Session) {
	c.end(sess, events.ReasonTimeout, nil, func(s *Session) bool { return s.State == Outgoing })
}

// end detaches sess, tells the remote peer when it should know, releases
// local and remote media, closes the transport and emits call_ended.
// It reports false when sess was not current or when cond rejects it.
func (c *Coordinator) end(sess *Session, reason events.EndReason, cause error, cond func(*Session) bool) bool {
	c.mu.Lock()
	if c.session != sess || (cond != nil && !cond(sess)) {
		c.mu.Unlock()
		return false
	}
	c.session = nil
	prev := sess.State
	sess.State = Ended
	sess.cancel()
	if sess.ring != nil {
		sess.ring.Stop()
	}
	local, remote, transport := sess.local, sess.remote, sess.transport
	sess.local, sess.remote, sess.transport = nil, nil, nil
	sess.remoteCandidates, sess.localCandidates = nil, nil

	if notifyRemote(reason) && sess.addressed() {
		bye := protocol.NewEnd(sess.RemoteUserID, c.identity.ID)
		if prev == Incoming {
			bye = protocol.NewReject(sess.RemoteUserID, c.identity.ID)
		}
		if err := c.channel.Send(bye); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("sid", sess.ID).Str("type", string(bye.Type)).Msg("could not notify peer")
		}
	}
	c.mu.Unlock()

	c.media.Release(local)
	if remote != nil {
		if err := remote.Stop(); err != nil {
			log.Debug().Err(err).Str("module", "call").Str("sid", sess.ID).Msg("remote stream stop")
		}
	}
	if transport != nil {
		if err := transport.Close(); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("sid", sess.ID).Msg("transport close")
		}
	}

	ev := log.Info()
	if cause != nil {
		ev = log.Warn().Err(cause)
	}
	ev.Str("module", "call").
		Str("sid", sess.ID).
		Str("remote", string(sess.RemoteUserID)).
		Str("from", prev.String()).
		Str("reason", string(reason)).
		Msg("call ended")

	c.bus.Publish(events.CallEnded{
		SessionID:    sess.ID,
		RemoteUserID: sess.RemoteUserID,
		Reason:       reason,
		Err:          cause,
	})
	return true
}

// notifyRemote is false when the peer already knows the call is over.
func notifyRemote(reason events.EndReason) bool {
	switch reason {
	case events.ReasonRemoteHangup, events.ReasonRejected, events.ReasonUnreachable,
		events.ReasonDisconnected, events.ReasonGlare:
		return false
	}
	return true
}

// ToggleMute flips the local audio track and returns whether it is now muted.
func (c *Coordinator) ToggleMute() (bool, error) {
	return c.toggle(domain.Audio)
}

// ToggleCamera flips the local video track and returns whether it is now off.
func (c *Coordinator) ToggleCamera() (bool, error) {
	return c.toggle(domain.Video)
}

func (c *Coordinator) toggle(class domain.TrackClass) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	sess := c.session
	if sess == nil || sess.local == nil {
		return false, domain.ErrNoActiveCall
	}
	t, ok := sess.local.Track(class)
	if !ok {
		// Nothing to flip: a missing track stays off.
		return true, nil
	}
	disabled := c.media.SetTrackEnabled(sess.local, class, !t.Enabled())
	if class == domain.Video {
		c.bus.Publish(events.VideoToggled{Off: disabled})
	} else {
		c.bus.Publish(events.AudioToggled{Muted: disabled})
	}
	return disabled, nil
}

func (c *Coordinator) flushLocalCandidatesLocked(sess *Session) {
	sess.descriptionSent = true
	for _, ci := range sess.localCandidates {
		if err := c.channel.Send(protocol.NewCandidate(sess.RemoteUserID, c.identity.ID, ci)); err != nil {
			log.Warn().Err(err).Str("module", "call").Str("sid", sess.ID).Msg("send candidate")
		}
	}
	sess.localCandidates = nil
}
