package events

import (
	"github.com/dkeye/duo/internal/domain"
	"github.com/dkeye/duo/internal/media"
)

type Kind string

const (
	KindCallStarted   Kind = "call_started"
	KindCallAnswered  Kind = "call_answered"
	KindCallConnected Kind = "call_connected"
	KindRemoteStream  Kind = "remote_stream"
	KindAudioToggled  Kind = "audio_toggled"
	KindVideoToggled  Kind = "video_toggled"
	KindCallEnded     Kind = "call_ended"
	KindIncomingCall  Kind = "incoming_call"
	KindCallRejected  Kind = "call_rejected"
	KindChannelLost   Kind = "channel_lost"
)

type Event interface {
	Kind() Kind
}

// EndReason says why a session left the call.
type EndReason string

const (
	ReasonLocalHangup  EndReason = "local_hangup"
	ReasonRemoteHangup EndReason = "remote_hangup"
	ReasonDeclined     EndReason = "declined"
	ReasonRejected     EndReason = "rejected"
	ReasonUnreachable  EndReason = "unreachable"
	ReasonTimeout      EndReason = "timeout"
	ReasonFailed       EndReason = "failed"
	ReasonDisconnected EndReason = "disconnected"

	// ReasonGlare ends our outgoing attempt when the peer dialed us at the
	// same time and its offer wins.
	ReasonGlare EndReason = "glare"
)

type CallStarted struct {
	SessionID    string
	RemoteUserID domain.UserID
	Media        domain.MediaKind
}

type CallAnswered struct {
	SessionID    string
	RemoteUserID domain.UserID
	Media        domain.MediaKind
}

type CallConnected struct {
	SessionID    string
	RemoteUserID domain.UserID
}

type RemoteStream struct {
	SessionID string
	Track     media.Track
}

type AudioToggled struct {
	Muted bool
}

type VideoToggled struct {
	Off bool
}

// CallEnded is emitted once per session. Err is set when the call failed.
type CallEnded struct {
	SessionID    string
	RemoteUserID domain.UserID
	Reason       EndReason
	Err          error
}

type IncomingCall struct {
	CallerID   domain.UserID
	CallerName string
	Media      domain.MediaKind
}

type CallRejected struct {
	SessionID    string
	RemoteUserID domain.UserID
}

// ChannelLost reports a relay connection that dropped without Disconnect.
type ChannelLost struct {
	Err error
}

func (CallStarted) Kind() Kind   { return KindCallStarted }
func (CallAnswered) Kind() Kind  { return KindCallAnswered }
func (CallConnected) Kind() Kind { return KindCallConnected }
func (RemoteStream) Kind() Kind  { return KindRemoteStream }
func (AudioToggled) Kind() Kind  { return KindAudioToggled }
func (VideoToggled) Kind() Kind  { return KindVideoToggled }
func (CallEnded) Kind() Kind     { return KindCallEnded }
func (IncomingCall) Kind() Kind  { return KindIncomingCall }
func (CallRejected) Kind() Kind  { return KindCallRejected }
func (ChannelLost) Kind() Kind   { return KindChannelLost }
