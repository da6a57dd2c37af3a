package call

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/duo/internal/app/events"
	"github.com/dkeye/duo/internal/domain"
	"github.com/dkeye/duo/internal/media"
	"github.com/dkeye/duo/internal/protocol"
)

func (c *Coordinator) run(ctx context.Context) {
	msgs, lost := c.channel.Messages(), c.channel.Lost()
	for {
		select {
		case <-ctx.Done():
			return
		case err := <-lost:
			c.channelLost(err)
		case msg, ok := <-msgs:
			if !ok {
				c.channelLost(errors.New("message stream closed"))
				return
			}
			c.dispatch(msg)
		}
	}
}

// channelLost ends the current call, since the peer can no longer be
// reached, and tells listeners the relay is gone.
func (c *Coordinator) channelLost(cause error) {
	c.mu.Lock()
	sess := c.session
	c.mu.Unlock()
	if sess != nil {
		c.end(sess, events.ReasonDisconnected, fmt.Errorf("%w: %v", domain.ErrChannelNotReady, cause), nil)
	}
	c.bus.Publish(events.ChannelLost{Err: cause})
}

func (c *Coordinator) dispatch(msg protocol.Message) {
	switch msg.Type {
	case protocol.KindOffer:
		c.handleOffer(msg)
	case protocol.KindAnswer:
		c.handleAnswer(msg)
	case protocol.KindCandidate:
		c.handleCandidate(msg)
	case protocol.KindEnd:
		c.handleEnd(msg)
	case protocol.KindReject:
		c.handleReject(msg)
	case protocol.KindUserOffline:
		c.handleUserOffline(msg)
	case protocol.KindIncomingCall:
		// The offer that precedes it already did the work.
		log.Debug().Str("module", "call").Str("caller", string(msg.CallerID)).Msg("incoming_call notification")
	case protocol.KindJoined:
		log.Info().Str("module", "call").Str("user", string(msg.UserID)).Msg("registered with relay")
	case protocol.KindError:
		c.handleRefused(msg)
	default:
		log.Debug().Str("module", "call").Str("type", string(msg.Type)).Msg("ignored message")
	}
}

// peerSession returns the current session if from is its remote peer.
func (c *Coordinator) peerSession(from domain.UserID) *Session {
	if c.session == nil || from == "" || c.session.RemoteUserID != from {
		return nil
	}
	return c.session
}

func (c *Coordinator) handleOffer(msg protocol.Message) {
	c.mu.Lock()
	sess := c.session
	crossed := sess != nil && sess.RemoteUserID == msg.SenderID &&
		sess.Direction == domain.Outgoing && sess.State == Outgoing
	c.mu.Unlock()

	// Both sides dialed each other. The lower user id drops its own attempt
	// and answers; the higher one treats the crossing offer as a duplicate.
	if crossed && c.identity.ID < msg.SenderID {
		if c.end(sess, events.ReasonGlare, nil, func(s *Session) bool { return s.State == Outgoing }) {
			log.Info().Str("module", "call").Str("remote", string(msg.SenderID)).Msg("calls crossed, answering theirs")
			if c.receiveOffer(msg) {
				go c.answerCrossed(msg.SenderID)
			}
			return
		}
	}
	c.receiveOffer(msg)
}

// receiveOffer turns an offer into the Incoming session, or declines it when
// another call is in progress. It reports whether a session was created.
func (c *Coordinator) receiveOffer(msg protocol.Message) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != nil {
		if c.session.RemoteUserID == msg.SenderID {
			log.Debug().Str("module", "call").Str("sid", c.session.ID).Msg("duplicate offer ignored")
			return false
		}
		log.Info().Str("module", "call").Str("caller", string(msg.SenderID)).Msg("busy, rejecting offer")
		if err := c.channel.Send(protocol.NewReject(msg.SenderID, c.identity.ID)); err != nil {
			log.Warn().Err(err).Str("module", "call").Msg("send busy reject")
		}
		return false
	}

	name := msg.CallerName
	if name == "" {
		name = string(msg.SenderID)
	}
	kind := domain.MediaKindOf(msg.IsVideoCall)
	sess := c.newSession(msg.SenderID, name, domain.Incoming, kind)
	offer := *msg.Offer
	sess.offer = &offer
	c.session = sess

	log.Info().Str("module", "call").Str("sid", sess.ID).Str("caller", string(msg.SenderID)).Str("media", kind.String()).Msg("incoming call")
	c.bus.Publish(events.IncomingCall{CallerID: msg.SenderID, CallerName: name, Media: kind})
	return true
}

func (c *Coordinator) answerCrossed(caller domain.UserID) {
	if err := c.AnswerCall(context.Background(), events.IncomingCall{CallerID: caller}); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("caller", string(caller)).Msg("answer crossed call")
	}
}

func (c *Coordinator) handleAnswer(msg protocol.Message) {
	c.mu.Lock()
	sess := c.peerSession(msg.SenderID)
	if sess == nil || sess.Direction != domain.Outgoing || sess.State != Outgoing || sess.transport == nil {
		c.mu.Unlock()
		log.Debug().Str("module", "call").Str("sender", string(msg.SenderID)).Msg("answer ignored")
		return
	}
	sess.State = Connecting
	if sess.ring != nil {
		sess.ring.Stop()
	}
	transport := sess.transport
	c.mu.Unlock()

	if err := transport.SetRemoteDescription(*msg.Answer); err != nil {
		c.end(sess, events.ReasonFailed, err, nil)
	}
}

func (c *Coordinator) handleCandidate(msg protocol.Message) {
	c.mu.Lock()
	sess := c.peerSession(msg.SenderID)
	if sess == nil {
		c.mu.Unlock()
		return
	}
	if sess.transport == nil {
		sess.remoteCandidates = append(sess.remoteCandidates, *msg.Candidate)
		c.mu.Unlock()
		return
	}
	transport := sess.transport
	c.mu.Unlock()

	if err := transport.AddICECandidate(*msg.Candidate); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("sid", sess.ID).Msg("remote candidate rejected")
	}
}

func (c *Coordinator) handleEnd(msg protocol.Message) {
	c.mu.Lock()
	sess := c.peerSession(msg.SenderID)
	c.mu.Unlock()
	if sess != nil {
		c.end(sess, events.ReasonRemoteHangup, nil, nil)
	}
}

func (c *Coordinator) handleReject(msg protocol.Message) {
	c.mu.Lock()
	sess := c.peerSession(msg.SenderID)
	if sess == nil || sess.Direction != domain.Outgoing {
		c.mu.Unlock()
		return
	}
	c.mu.Unlock()
	c.end(sess, events.ReasonRejected, nil, func(s *Session) bool {
		if s.State != Outgoing {
			return false
		}
		c.bus.Publish(events.CallRejected{SessionID: s.ID, RemoteUserID: s.RemoteUserID})
		return true
	})
}

func (c *Coordinator) handleUserOffline(msg protocol.Message) {
	c.mu.Lock()
	sess := c.peerSession(msg.TargetUserID)
	c.mu.Unlock()
	if sess != nil {
		c.end(sess, events.ReasonUnreachable, fmt.Errorf("user %s is offline", msg.TargetUserID), nil)
	}
}

// handleRefused ends a call still being set up when the relay would not
// deliver to its peer. Errors without a target only get logged.
func (c *Coordinator) handleRefused(msg protocol.Message) {
	c.mu.Lock()
	sess := c.peerSession(msg.TargetUserID)
	c.mu.Unlock()
	if sess == nil {
		log.Warn().Str("module", "call").Str("error", msg.Error).Msg("relay error")
		return
	}
	cause := fmt.Errorf("%w: %s", domain.ErrRelayRefused, msg.Error)
	c.end(sess, events.ReasonFailed, cause, func(s *Session) bool {
		return s.State == Outgoing || s.State == Connecting
	})
}

func (c *Coordinator) onLocalCandidate(sess *Session, ci webrtc.ICECandidateInit) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != sess {
		return
	}
	if !sess.descriptionSent {
		sess.localCandidates = append(sess.localCandidates, ci)
		return
	}
	if err := c.channel.Send(protocol.NewCandidate(sess.RemoteUserID, c.identity.ID, ci)); err != nil {
		log.Warn().Err(err).Str("module", "call").Str("sid", sess.ID).Msg("send candidate")
	}
}

func (c *Coordinator) onTransportState(sess *Session, state webrtc.PeerConnectionState) {
	switch state {
	case webrtc.PeerConnectionStateConnected:
		c.mu.Lock()
		if c.session != sess || sess.connected || sess.State != Connecting {
			c.mu.Unlock()
			return
		}
		sess.connected = true
		sess.State = Active
		log.Info().Str("module", "call").Str("sid", sess.ID).Msg("call connected")
		c.bus.Publish(events.CallConnected{SessionID: sess.ID, RemoteUserID: sess.RemoteUserID})
		c.mu.Unlock()
	case webrtc.PeerConnectionStateFailed, webrtc.PeerConnectionStateClosed:
		c.end(sess, events.ReasonFailed, fmt.Errorf("%w: peer connection %s", domain.ErrTransportFailure, state), nil)
	}
}

func (c *Coordinator) onRemoteTrack(sess *Session, t media.Track) {
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		_ = t.Stop()
		return
	}
	if sess.remote == nil {
		sess.remote = media.NewStream(sess.ID)
	}
	sess.remote.Add(t)
	c.bus.Publish(events.RemoteStream{SessionID: sess.ID, Track: t})
	c.mu.Unlock()
}
