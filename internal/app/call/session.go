package call

import (
	"context"
	"time"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/duo/internal/core"
	"github.com/dkeye/duo/internal/domain"
	"github.com/dkeye/duo/internal/media"
)

type State int

const (
	Idle State = iota
	Outgoing
	Incoming
	Connecting
	Active
	Ended
)

func (s State) String() string {
	switch s {
	case Outgoing:
		return "outgoing"
	case Incoming:
		return "incoming"
	case Connecting:
		return "connecting"
	case Active:
		return "active"
	case Ended:
		return "ended"
	}
	return "idle"
}

// Session holds everything one call owns. The coordinator keeps at most one;
// fields are guarded by the coordinator's state mutex.
type Session struct {
	ID           string
	LocalUserID  domain.UserID
	RemoteUserID domain.UserID
	RemoteName   string
	Direction    domain.Direction
	Media        domain.MediaKind
	State        State
	StartedAt    time.Time

	ctx    context.Context
	cancel context.CancelFunc

	// remote offer held while ringing
	offer *webrtc.SessionDescription

	// remote candidates received before the transport exists
	remoteCandidates []webrtc.ICECandidateInit
	// local candidates gathered before our description went out
	localCandidates []webrtc.ICECandidateInit
	descriptionSent bool

	local     *media.Stream
	remote    *media.Stream
	transport core.Negotiator

	connected bool
	ring      *time.Timer
}

// Info is a read-only snapshot of a session.
type Info struct {
	ID           string
	LocalUserID  domain.UserID
	RemoteUserID domain.UserID
	RemoteName   string
	Direction    domain.Direction
	Media        domain.MediaKind
	State        State
	StartedAt    time.Time
}

func (s *Session) info() Info {
	return Info{
		ID:           s.ID,
		LocalUserID:  s.LocalUserID,
		RemoteUserID: s.RemoteUserID,
		RemoteName:   s.RemoteName,
		Direction:    s.Direction,
		Media:        s.Media,
		State:        s.State,
		StartedAt:    s.StartedAt,
	}
}

// addressed reports whether the remote peer knows about this session.
func (s *Session) addressed() bool {
	return s.Direction == domain.Incoming || s.descriptionSent
}

// bind derives a context that also ends when the session is torn down.
func (s *Session) bind(ctx context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(s.ctx, cancel)
	return ctx, func() {
		stop()
		cancel()
	}
}
