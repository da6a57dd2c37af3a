package call

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/duo/internal/app/events"
	"github.com/dkeye/duo/internal/domain"
	"github.com/dkeye/duo/internal/protocol"
)

const (
	waitFor = time.Second
	tick    = 5 * time.Millisecond
)

func eventually(t *testing.T, cond func() bool, msg string) {
	t.Helper()
	require.Eventually(t, cond, waitFor, tick, msg)
}

// active drives an outgoing call from alice to bob into Active.
func active(t *testing.T, h *harness) *fakeNegotiator {
	t.Helper()
	require.NoError(t, h.c.StartCall(context.Background(), "bob", false))
	h.c.dispatch(remoteAnswer("bob", "alice"))
	require.Equal(t, Connecting, h.c.State())
	neg := h.negs.last()
	neg.setState(webrtc.PeerConnectionStateConnected)
	require.Equal(t, Active, h.c.State())
	return neg
}

func TestStartCallSendsSingleOffer(t *testing.T) {
	h := newHarness(t, "alice")

	require.NoError(t, h.c.StartCall(context.Background(), "bob", false))

	assert.Equal(t, Outgoing, h.c.State())
	offers := h.ch.ofKind(protocol.KindOffer)
	require.Len(t, offers, 1)
	assert.Equal(t, domain.UserID("bob"), offers[0].TargetUserID)
	assert.Equal(t, domain.UserID("alice"), offers[0].CallerID)
	assert.False(t, offers[0].IsVideoCall)
	assert.Equal(t, []domain.MediaKind{domain.VoiceOnly}, h.capt.requested())

	// The candidate gathered while committing the offer goes out after it.
	sent := h.ch.messages()
	require.Len(t, sent, 2)
	assert.Equal(t, protocol.KindOffer, sent[0].Type)
	assert.Equal(t, protocol.KindCandidate, sent[1].Type)

	eventually(t, func() bool { return h.rec.count(events.KindCallStarted) == 1 }, "call_started")
}

func TestStartCallRequiresConnectedChannel(t *testing.T) {
	h := newHarness(t, "alice")
	require.NoError(t, h.ch.Disconnect())

	err := h.c.StartCall(context.Background(), "bob", true)

	assert.ErrorIs(t, err, domain.ErrChannelNotReady)
	assert.Equal(t, Idle, h.c.State())
	assert.Empty(t, h.capt.requested())
}

func TestStartCallRejectsSelfAndEmptyTarget(t *testing.T) {
	h := newHarness(t, "alice")

	assert.ErrorIs(t, h.c.StartCall(context.Background(), "", false), ErrInvalidTarget)
	assert.ErrorIs(t, h.c.StartCall(context.Background(), "alice", false), ErrInvalidTarget)
}

func TestEndCallReleasesEverything(t *testing.T) {
	cases := map[string]struct {
		setup  func(t *testing.T, h *harness)
		notify protocol.Kind
	}{
		"outgoing": {
			setup: func(t *testing.T, h *harness) {
				require.NoError(t, h.c.StartCall(context.Background(), "bob", true))
			},
			notify: protocol.KindEnd,
		},
		"connecting": {
			setup: func(t *testing.T, h *harness) {
				require.NoError(t, h.c.StartCall(context.Background(), "bob", true))
				h.c.dispatch(remoteAnswer("bob", "alice"))
			},
			notify: protocol.KindEnd,
		},
		"active": {
			setup:  func(t *testing.T, h *harness) { active(t, h) },
			notify: protocol.KindEnd,
		},
		"answered": {
			setup: func(t *testing.T, h *harness) {
				h.c.dispatch(remoteOffer("bob", "alice", true))
				require.NoError(t, h.c.AnswerCall(context.Background(), events.IncomingCall{CallerID: "bob"}))
			},
			notify: protocol.KindEnd,
		},
	}

	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			h := newHarness(t, "alice")
			tc.setup(t, h)
			info, ok := h.c.Session()
			require.True(t, ok)

			h.c.EndCall()

			assert.Equal(t, Idle, h.c.State())
			assert.True(t, h.capt.allClosed(), "local tracks still live")
			assert.True(t, h.negs.last().IsClosed(), "transport still open")
			ends := h.ch.ofKind(tc.notify)
			require.Len(t, ends, 1)
			assert.Equal(t, domain.UserID("bob"), ends[0].TargetUserID)

			eventually(t, func() bool { return h.rec.count(events.KindCallEnded) == 1 }, "call_ended")
			ended := h.rec.last(events.KindCallEnded).(events.CallEnded)
			assert.Equal(t, info.ID, ended.SessionID)
			assert.Equal(t, events.ReasonLocalHangup, ended.Reason)
			assert.NoError(t, ended.Err)
		})
	}
}

func TestEndCallWhileIdleIsNoop(t *testing.T) {
	h := newHarness(t, "alice")

	h.c.EndCall()
	h.c.EndCall()

	assert.Equal(t, Idle, h.c.State())
	assert.Empty(t, h.ch.messages())
	time.Sleep(20 * time.Millisecond)
	assert.Zero(t, h.rec.count(events.KindCallEnded))
}

func TestAnswerIgnoredOutsideOutgoing(t *testing.T) {
	t.Run("idle", func(t *testing.T) {
		h := newHarness(t, "alice")
		h.c.dispatch(remoteAnswer("bob", "alice"))
		assert.Equal(t, Idle, h.c.State())
		assert.Empty(t, h.ch.messages())
	})

	t.Run("active", func(t *testing.T) {
		h := newHarness(t, "alice")
		neg := active(t, h)
		h.c.dispatch(remoteAnswer("bob", "alice"))
		assert.Equal(t, Active, h.c.State())
		assert.Equal(t, 1, neg.remoteDescriptions())
	})

	t.Run("incoming", func(t *testing.T) {
		h := newHarness(t, "alice")
		h.c.dispatch(remoteOffer("bob", "alice", false))
		h.c.dispatch(remoteAnswer("bob", "alice"))
		assert.Equal(t, Incoming, h.c.State())
	})

	t.Run("other peer", func(t *testing.T) {
		h := newHarness(t, "alice")
		require.NoError(t, h.c.StartCall(context.Background(), "bob", false))
		h.c.dispatch(remoteAnswer("mallory", "alice"))
		assert.Equal(t, Outgoing, h.c.State())
	})
}

func TestRoundTripConnectsBothSides(t *testing.T) {
	relay := &fakeRelay{}
	alice := newHarness(t, "alice")
	bob := newHarness(t, "bob")
	relay.link("alice", alice.ch)
	relay.link("bob", bob.ch)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	alice.c.Start(ctx)
	bob.c.Start(ctx)

	require.NoError(t, alice.c.StartCall(ctx, "bob", true))

	eventually(t, func() bool { return bob.rec.count(events.KindIncomingCall) == 1 }, "incoming_call")
	incoming := bob.rec.last(events.KindIncomingCall).(events.IncomingCall)
	assert.Equal(t, domain.UserID("alice"), incoming.CallerID)
	assert.Equal(t, domain.VoiceAndVideo, incoming.Media)
	assert.Equal(t, Incoming, bob.c.State())
	assert.Empty(t, bob.capt.requested(), "ringing must not touch media")

	require.NoError(t, bob.c.AnswerCall(ctx, incoming))
	assert.Equal(t, Connecting, bob.c.State())

	eventually(t, func() bool { return alice.c.State() == Connecting }, "alice applies answer")

	// Trickled candidates crossed in both directions.
	eventually(t, func() bool { return len(bob.negs.last().remoteCandidates()) == 1 }, "bob got alice's candidate")

	alice.negs.last().setState(webrtc.PeerConnectionStateConnected)
	bob.negs.last().setState(webrtc.PeerConnectionStateConnected)
	alice.negs.last().setState(webrtc.PeerConnectionStateConnected)

	eventually(t, func() bool {
		return alice.rec.count(events.KindCallConnected) == 1 && bob.rec.count(events.KindCallConnected) == 1
	}, "call_connected on both sides")
	assert.Equal(t, Active, alice.c.State())
	assert.Equal(t, Active, bob.c.State())

	alice.c.EndCall()
	eventually(t, func() bool { return bob.c.State() == Idle }, "bob tears down on end-call")
	ended := func() events.CallEnded {
		return bob.rec.last(events.KindCallEnded).(events.CallEnded)
	}
	eventually(t, func() bool { return bob.rec.count(events.KindCallEnded) == 1 }, "bob call_ended")
	assert.Equal(t, events.ReasonRemoteHangup, ended().Reason)
	assert.True(t, bob.capt.allClosed())
	assert.Equal(t, 1, alice.rec.count(events.KindCallConnected))
}

func TestToggleMuteTwiceRestores(t *testing.T) {
	h := newHarness(t, "alice")
	active(t, h)

	muted, err := h.c.ToggleMute()
	require.NoError(t, err)
	assert.True(t, muted)

	muted, err = h.c.ToggleMute()
	require.NoError(t, err)
	assert.False(t, muted)

	eventually(t, func() bool { return h.rec.count(events.KindAudioToggled) == 2 }, "two audio_toggled")
	assert.False(t, h.rec.last(events.KindAudioToggled).(events.AudioToggled).Muted)

	h.c.mu.Lock()
	track, ok := h.c.session.local.Track(domain.Audio)
	h.c.mu.Unlock()
	require.True(t, ok)
	assert.True(t, track.Enabled())
}

func TestToggleWithoutCall(t *testing.T) {
	h := newHarness(t, "alice")

	_, err := h.c.ToggleMute()
	assert.ErrorIs(t, err, domain.ErrNoActiveCall)

	h.c.dispatch(remoteOffer("bob", "alice", true))
	_, err = h.c.ToggleCamera()
	assert.ErrorIs(t, err, domain.ErrNoActiveCall)
}

func TestToggleCameraOnVoiceCall(t *testing.T) {
	h := newHarness(t, "alice")
	active(t, h)

	off, err := h.c.ToggleCamera()
	require.NoError(t, err)
	assert.True(t, off)
	off, err = h.c.ToggleCamera()
	require.NoError(t, err)
	assert.True(t, off)

	// Events are delivered in order, so once audio_toggled arrives any
	// video_toggled would have too.
	_, err = h.c.ToggleMute()
	require.NoError(t, err)
	eventually(t, func() bool { return h.rec.count(events.KindAudioToggled) == 1 }, "audio_toggled")
	assert.Zero(t, h.rec.count(events.KindVideoToggled))
}

func TestDuplicateOfferWhileActiveIgnored(t *testing.T) {
	h := newHarness(t, "bob")
	h.c.dispatch(remoteOffer("alice", "bob", false))
	require.NoError(t, h.c.AnswerCall(context.Background(), events.IncomingCall{CallerID: "alice"}))
	h.negs.last().setState(webrtc.PeerConnectionStateConnected)
	require.Equal(t, Active, h.c.State())
	before, _ := h.c.Session()

	h.c.dispatch(remoteOffer("alice", "bob", false))

	after, ok := h.c.Session()
	require.True(t, ok)
	assert.Equal(t, before.ID, after.ID)
	assert.Equal(t, Active, after.State)
	assert.Len(t, h.negs.made, 1)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.rec.count(events.KindIncomingCall))
}

func TestPermissionDeniedSendsNoOffer(t *testing.T) {
	h := newHarness(t, "alice")
	h.capt.err = domain.ErrPermissionDenied

	err := h.c.StartCall(context.Background(), "bob", false)

	assert.ErrorIs(t, err, domain.ErrPermissionDenied)
	assert.Equal(t, Idle, h.c.State())
	assert.Empty(t, h.ch.messages())
	assert.Nil(t, h.negs.last())
	eventually(t, func() bool { return h.rec.count(events.KindCallEnded) == 1 }, "call_ended")
	assert.ErrorIs(t, h.rec.last(events.KindCallEnded).(events.CallEnded).Err, domain.ErrPermissionDenied)
	assert.Zero(t, h.rec.count(events.KindCallStarted))
}

func TestStartOrAnswerWhileBusy(t *testing.T) {
	h := newHarness(t, "alice")
	require.NoError(t, h.c.StartCall(context.Background(), "bob", false))

	assert.ErrorIs(t, h.c.StartCall(context.Background(), "carol", false), domain.ErrCallInProgress)
	assert.ErrorIs(t, h.c.AnswerCall(context.Background(), events.IncomingCall{CallerID: "bob"}), domain.ErrCallInProgress)
	assert.Len(t, h.ch.ofKind(protocol.KindOffer), 1)

	idle := newHarness(t, "dave")
	assert.ErrorIs(t, idle.c.AnswerCall(context.Background(), events.IncomingCall{CallerID: "bob"}), domain.ErrNoIncomingCall)

	ringing := newHarness(t, "erin")
	ringing.c.dispatch(remoteOffer("bob", "erin", false))
	assert.ErrorIs(t, ringing.c.AnswerCall(context.Background(), events.IncomingCall{CallerID: "carol"}), domain.ErrNoIncomingCall)
	assert.ErrorIs(t, ringing.c.StartCall(context.Background(), "carol", false), domain.ErrCallInProgress)
}

func TestEndCallDuringAcquisition(t *testing.T) {
	h := newHarness(t, "alice")
	h.capt.block = make(chan struct{})

	done := make(chan error, 1)
	go func() { done <- h.c.StartCall(context.Background(), "bob", true) }()

	eventually(t, func() bool { return len(h.capt.requested()) == 1 }, "acquisition started")
	assert.Equal(t, Outgoing, h.c.State())

	h.c.EndCall()
	assert.Equal(t, Idle, h.c.State())

	select {
	case err := <-done:
		assert.ErrorIs(t, err, domain.ErrCallCancelled)
	case <-time.After(waitFor):
		t.Fatal("StartCall did not return after EndCall")
	}

	close(h.capt.block)
	eventually(t, h.capt.allClosed, "late stream released")
	assert.Empty(t, h.ch.messages(), "nothing reaches a peer that never got an offer")
	assert.Nil(t, h.negs.last())
}

func TestCallerContextCancelledDuringAcquisition(t *testing.T) {
	h := newHarness(t, "alice")
	h.capt.block = make(chan struct{})
	defer close(h.capt.block)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.c.StartCall(ctx, "bob", false) }()
	eventually(t, func() bool { return len(h.capt.requested()) == 1 }, "acquisition started")

	cancel()

	select {
	case err := <-done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(waitFor):
		t.Fatal("StartCall ignored its context")
	}
	assert.Equal(t, Idle, h.c.State())
}

func TestNegotiationErrorEndsCall(t *testing.T) {
	h := newHarness(t, "alice")
	h.negs.srdErr = domain.ErrNegotiation
	require.NoError(t, h.c.StartCall(context.Background(), "bob", false))

	h.c.dispatch(remoteAnswer("bob", "alice"))

	assert.Equal(t, Idle, h.c.State())
	assert.Len(t, h.ch.ofKind(protocol.KindEnd), 1)
	eventually(t, func() bool { return h.rec.count(events.KindCallEnded) == 1 }, "call_ended")
	ended := h.rec.last(events.KindCallEnded).(events.CallEnded)
	assert.Equal(t, events.ReasonFailed, ended.Reason)
	assert.ErrorIs(t, ended.Err, domain.ErrNegotiation)
}

func TestAnswerCallNegotiationErrorReturned(t *testing.T) {
	h := newHarness(t, "bob")
	h.negs.srdErr = errors.Join(domain.ErrNegotiation, errors.New("bad sdp"))
	h.c.dispatch(remoteOffer("alice", "bob", false))

	err := h.c.AnswerCall(context.Background(), events.IncomingCall{CallerID: "alice"})

	assert.ErrorIs(t, err, domain.ErrNegotiation)
	assert.Equal(t, Idle, h.c.State())
	assert.True(t, h.capt.allClosed())
	assert.Empty(t, h.ch.ofKind(protocol.KindAnswer))
}

func TestTransportFailureEndsCall(t *testing.T) {
	h := newHarness(t, "alice")
	neg := active(t, h)

	neg.setState(webrtc.PeerConnectionStateDisconnected)
	assert.Equal(t, Active, h.c.State())

	neg.setState(webrtc.PeerConnectionStateFailed)

	assert.Equal(t, Idle, h.c.State())
	assert.True(t, neg.IsClosed())
	eventually(t, func() bool { return h.rec.count(events.KindCallEnded) == 1 }, "call_ended")
	assert.ErrorIs(t, h.rec.last(events.KindCallEnded).(events.CallEnded).Err, domain.ErrTransportFailure)
}

func TestBusyOfferAutoRejected(t *testing.T) {
	h := newHarness(t, "bob")
	h.c.dispatch(remoteOffer("alice", "bob", false))

	h.c.dispatch(remoteOffer("carol", "bob", true))

	info, _ := h.c.Session()
	assert.Equal(t, domain.UserID("alice"), info.RemoteUserID)
	rejects := h.ch.ofKind(protocol.KindReject)
	require.Len(t, rejects, 1)
	assert.Equal(t, domain.UserID("carol"), rejects[0].TargetUserID)
	time.Sleep(20 * time.Millisecond)
	assert.Equal(t, 1, h.rec.count(events.KindIncomingCall))
}

func TestRejectCall(t *testing.T) {
	h := newHarness(t, "bob")
	h.c.dispatch(remoteOffer("alice", "bob", true))

	assert.ErrorIs(t, h.c.RejectCall("carol"), domain.ErrNoIncomingCall)
	require.NoError(t, h.c.RejectCall("alice"))

	assert.Equal(t, Idle, h.c.State())
	rejects := h.ch.ofKind(protocol.KindReject)
	require.Len(t, rejects, 1)
	assert.Equal(t, domain.UserID("alice"), rejects[0].TargetUserID)
	eventually(t, func() bool { return h.rec.count(events.KindCallEnded) == 1 }, "call_ended")
	assert.Equal(t, events.ReasonDeclined, h.rec.last(events.KindCallEnded).(events.CallEnded).Reason)
	assert.ErrorIs(t, h.c.RejectCall("alice"), domain.ErrNoIncomingCall)
}

func TestEndCallWhileRingingDeclines(t *testing.T) {
	h := newHarness(t, "bob")
	h.c.dispatch(remoteOffer("alice", "bob", false))

	h.c.EndCall()

	assert.Equal(t, Idle, h.c.State())
	assert.Len(t, h.ch.ofKind(protocol.KindReject), 1)
	assert.Empty(t, h.ch.ofKind(protocol.KindEnd))
}

func TestRemoteRejectWhileOutgoing(t *testing.T) {
	h := newHarness(t, "alice")
	require.NoError(t, h.c.StartCall(context.Background(), "bob", false))

	h.c.dispatch(protocol.NewReject("alice", "bob"))

	assert.Equal(t, Idle, h.c.State())
	assert.Empty(t, h.ch.ofKind(protocol.KindEnd))
	eventually(t, func() bool { return h.rec.count(events.KindCallEnded) == 1 }, "call_ended")
	assert.Equal(t, 1, h.rec.count(events.KindCallRejected))
	assert.Equal(t, events.ReasonRejected, h.rec.last(events.KindCallEnded).(events.CallEnded).Reason)
}

func TestRejectAndEndWhileIdleIgnored(t *testing.T) {
	h := newHarness(t, "alice")

	h.c.dispatch(protocol.NewReject("alice", "bob"))
	h.c.dispatch(protocol.NewEnd("alice", "bob"))

	assert.Equal(t, Idle, h.c.State())
	assert.Empty(t, h.ch.messages())
}

func TestRemoteEndWhileRinging(t *testing.T) {
	h := newHarness(t, "bob")
	h.c.dispatch(remoteOffer("alice", "bob", false))

	h.c.dispatch(protocol.NewEnd("bob", "alice"))

	assert.Equal(t, Idle, h.c.State())
	assert.Empty(t, h.ch.messages())
	eventually(t, func() bool { return h.rec.count(events.KindCallEnded) == 1 }, "call_ended")
	assert.Equal(t, events.ReasonRemoteHangup, h.rec.last(events.KindCallEnded).(events.CallEnded).Reason)
}

func TestEndFromOtherUserIgnored(t *testing.T) {
	h := newHarness(t, "alice")
	active(t, h)

	h.c.dispatch(protocol.NewEnd("alice", "mallory"))

	assert.Equal(t, Active, h.c.State())
}

func TestUserOfflineEndsOutgoingCall(t *testing.T) {
	h := newHarness(t, "alice")
	require.NoError(t, h.c.StartCall(context.Background(), "bob", false))

	h.c.dispatch(protocol.Message{Type: protocol.KindUserOffline, TargetUserID: "bob"})

	assert.Equal(t, Idle, h.c.State())
	assert.Empty(t, h.ch.ofKind(protocol.KindEnd))
	eventually(t, func() bool { return h.rec.count(events.KindCallEnded) == 1 }, "call_ended")
	assert.Equal(t, events.ReasonUnreachable, h.rec.last(events.KindCallEnded).(events.CallEnded).Reason)
}

func TestRingTimeoutEndsUnansweredCall(t *testing.T) {
	h := newHarness(t, "alice", func(o *Options) { o.RingTimeout = 30 * time.Millisecond })
	require.NoError(t, h.c.StartCall(context.Background(), "bob", false))

	eventually(t, func() bool { return h.c.State() == Idle }, "ring timeout")
	assert.Len(t, h.ch.ofKind(protocol.KindEnd), 1)
	eventually(t, func() bool { return h.rec.count(events.KindCallEnded) == 1 }, "call_ended")
	assert.Equal(t, events.ReasonTimeout, h.rec.last(events.KindCallEnded).(events.CallEnded).Reason)
}

func TestRingTimeoutStopsOnAnswer(t *testing.T) {
	h := newHarness(t, "alice", func(o *Options) { o.RingTimeout = 30 * time.Millisecond })
	require.NoError(t, h.c.StartCall(context.Background(), "bob", false))
	h.c.dispatch(remoteAnswer("bob", "alice"))

	time.Sleep(60 * time.Millisecond)
	assert.Equal(t, Connecting, h.c.State())
}

func TestCandidatesBeforeAnswerAreKept(t *testing.T) {
	h := newHarness(t, "bob")
	h.c.dispatch(remoteOffer("alice", "bob", false))
	cand := protocol.NewCandidate("bob", "alice", webrtc.ICECandidateInit{Candidate: "candidate:early"})
	h.c.dispatch(cand)

	require.NoError(t, h.c.AnswerCall(context.Background(), events.IncomingCall{CallerID: "alice"}))

	got := h.negs.last().remoteCandidates()
	require.Len(t, got, 1)
	assert.Equal(t, "candidate:early", got[0].Candidate)

	sent := h.ch.messages()
	require.GreaterOrEqual(t, len(sent), 1)
	assert.Equal(t, protocol.KindAnswer, sent[0].Type)
}

func TestRemoteTrackReleasedOnEnd(t *testing.T) {
	h := newHarness(t, "alice")
	neg := active(t, h)

	stopped := make(chan struct{})
	neg.onTrack(newRemote("r1", func() error { close(stopped); return nil }))
	eventually(t, func() bool { return h.rec.count(events.KindRemoteStream) == 1 }, "remote_stream")

	h.c.EndCall()

	select {
	case <-stopped:
	case <-time.After(waitFor):
		t.Fatal("remote track not stopped")
	}
}

func TestDisconnectEndsCallFirst(t *testing.T) {
	h := newHarness(t, "alice")
	active(t, h)

	require.NoError(t, h.c.Disconnect())

	assert.Equal(t, Idle, h.c.State())
	assert.Len(t, h.ch.ofKind(protocol.KindEnd), 1)
	assert.False(t, h.ch.Connected())
}

func TestLostChannelEndsCall(t *testing.T) {
	h := newHarness(t, "alice")
	neg := active(t, h)
	sent := len(h.ch.messages())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.c.Start(ctx)
	h.ch.drop(errors.New("connection reset"))

	eventually(t, func() bool { return h.rec.count(events.KindChannelLost) == 1 }, "channel_lost")
	assert.Equal(t, Idle, h.c.State())
	ended := h.rec.last(events.KindCallEnded).(events.CallEnded)
	assert.Equal(t, events.ReasonDisconnected, ended.Reason)
	assert.ErrorIs(t, ended.Err, domain.ErrChannelNotReady)
	assert.True(t, neg.IsClosed())
	assert.True(t, h.capt.allClosed())
	assert.Len(t, h.ch.messages(), sent, "nothing is sent over a dead channel")

	assert.ErrorIs(t, h.c.StartCall(context.Background(), "bob", false), domain.ErrChannelNotReady)
}

func TestLostChannelWhileIdle(t *testing.T) {
	h := newHarness(t, "alice")
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	h.c.Start(ctx)

	h.ch.drop(errors.New("connection reset"))

	eventually(t, func() bool { return h.rec.count(events.KindChannelLost) == 1 }, "channel_lost")
	assert.Zero(t, h.rec.count(events.KindCallEnded))
}

func TestRefusedOfferEndsOutgoingCall(t *testing.T) {
	h := newHarness(t, "alice")
	require.NoError(t, h.c.StartCall(context.Background(), "bob", false))

	h.c.dispatch(protocol.Message{Type: protocol.KindError, Error: "rate_limited"})
	assert.Equal(t, Outgoing, h.c.State(), "untargeted errors are only logged")

	h.c.dispatch(protocol.Message{Type: protocol.KindError, Error: "rate_limited", TargetUserID: "carol"})
	assert.Equal(t, Outgoing, h.c.State())

	h.c.dispatch(protocol.Message{Type: protocol.KindError, Error: "rate_limited", TargetUserID: "bob"})
	assert.Equal(t, Idle, h.c.State())
	eventually(t, func() bool { return h.rec.count(events.KindCallEnded) == 1 }, "call_ended")
	ended := h.rec.last(events.KindCallEnded).(events.CallEnded)
	assert.Equal(t, events.ReasonFailed, ended.Reason)
	assert.ErrorIs(t, ended.Err, domain.ErrRelayRefused)
	assert.Len(t, h.ch.ofKind(protocol.KindEnd), 1)
}

func TestRefusalIgnoredOnceActive(t *testing.T) {
	h := newHarness(t, "alice")
	active(t, h)

	h.c.dispatch(protocol.Message{Type: protocol.KindError, Error: "join_required", TargetUserID: "bob"})

	assert.Equal(t, Active, h.c.State())
}

func TestCrossedCallsLowerIDAnswers(t *testing.T) {
	h := newHarness(t, "alice")
	require.NoError(t, h.c.StartCall(context.Background(), "bob", true))
	first := h.negs.last()

	h.c.dispatch(remoteOffer("bob", "alice", false))

	eventually(t, func() bool { return h.c.State() == Connecting }, "alice answers bob's offer")
	eventually(t, func() bool { return len(h.ch.ofKind(protocol.KindAnswer)) == 1 }, "answer sent")
	assert.True(t, first.IsClosed())
	assert.NotSame(t, first, h.negs.last())
	assert.Equal(t, 1, h.negs.last().remoteDescriptions())
	assert.Empty(t, h.ch.ofKind(protocol.KindEnd), "bob keeps waiting for our answer")

	info, ok := h.c.Session()
	require.True(t, ok)
	assert.Equal(t, domain.Incoming, info.Direction)
	assert.Equal(t, domain.VoiceOnly, info.Media)

	eventually(t, func() bool { return h.rec.count(events.KindCallEnded) == 1 }, "crossed attempt ended")
	assert.Equal(t, events.ReasonGlare, h.rec.last(events.KindCallEnded).(events.CallEnded).Reason)
}

func TestCrossedCallsHigherIDWaits(t *testing.T) {
	h := newHarness(t, "bob")
	require.NoError(t, h.c.StartCall(context.Background(), "alice", false))

	h.c.dispatch(remoteOffer("alice", "bob", false))

	assert.Equal(t, Outgoing, h.c.State())
	assert.Empty(t, h.ch.ofKind(protocol.KindReject))
	assert.Empty(t, h.ch.ofKind(protocol.KindAnswer))

	h.c.dispatch(remoteAnswer("alice", "bob"))
	assert.Equal(t, Connecting, h.c.State())
}
