// Package protocol defines the JSON messages exchanged between call clients and
// the relay over the signaling websocket.
package protocol

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/duo/internal/domain"
)

// Kind identifies the kind of signaling message.
type Kind string

const (
	KindJoin   Kind = "join"
	KindJoined Kind = "joined"

	KindOffer     Kind = "offer"
	KindAnswer    Kind = "answer"
	KindCandidate Kind = "ice-candidate"
	KindReject    Kind = "reject-call"
	KindEnd       Kind = "end-call"

	// KindIncomingCall is emitted by the relay to the callee right after an
	// offer was forwarded. It only wakes an idle client; the offer carries the data.
	KindIncomingCall Kind = "incoming_call"
	KindUserOffline  Kind = "user-offline"
	KindError        Kind = "error"
)

// Targeted reports whether the relay routes this kind by TargetUserID.
func (k Kind) Targeted() bool {
	switch k {
	case KindOffer, KindAnswer, KindCandidate, KindReject, KindEnd:
		return true
	}
	return false
}

// Message is the JSON structure exchanged over the websocket. Only the fields
// relevant to Type are set.
type Message struct {
	Type Kind `json:"type"`

	TargetUserID domain.UserID `json:"targetUserId,omitempty"`
	SenderID     domain.UserID `json:"senderId,omitempty"`

	// join / joined
	UserID   domain.UserID `json:"userId,omitempty"`
	Role     domain.Role   `json:"role,omitempty"`
	UserName string        `json:"userName,omitempty"`

	// offer / incoming_call
	CallerID    domain.UserID `json:"callerId,omitempty"`
	CallerName  string        `json:"callerName,omitempty"`
	IsVideoCall bool          `json:"isVideoCall,omitempty"`

	Offer     *webrtc.SessionDescription `json:"offer,omitempty"`
	Answer    *webrtc.SessionDescription `json:"answer,omitempty"`
	Candidate *webrtc.ICECandidateInit   `json:"candidate,omitempty"`

	Error string `json:"error,omitempty"`
}

var (
	ErrUnknownKind    = errors.New("unknown message type")
	ErrMissingTarget  = errors.New("missing targetUserId")
	ErrMissingPayload = errors.New("missing payload")
)

// Join builds the identity registration sent once per connection.
func Join(id domain.Identity) Message {
	return Message{Type: KindJoin, UserID: id.ID, Role: id.Role, UserName: id.DisplayName}
}

// Identity extracts the registration tuple of a join message.
func (m Message) Identity() domain.Identity {
	return domain.Identity{ID: m.UserID, Role: m.Role, DisplayName: m.UserName}
}

func NewOffer(target domain.UserID, caller domain.Identity, sdp webrtc.SessionDescription, video bool) Message {
	return Message{
		Type:         KindOffer,
		TargetUserID: target,
		SenderID:     caller.ID,
		CallerID:     caller.ID,
		CallerName:   caller.DisplayName,
		IsVideoCall:  video,
		Offer:        &sdp,
	}
}

func NewAnswer(target, sender domain.UserID, sdp webrtc.SessionDescription) Message {
	return Message{Type: KindAnswer, TargetUserID: target, SenderID: sender, Answer: &sdp}
}

func NewCandidate(target, sender domain.UserID, c webrtc.ICECandidateInit) Message {
	return Message{Type: KindCandidate, TargetUserID: target, SenderID: sender, Candidate: &c}
}

func NewEnd(target, sender domain.UserID) Message {
	return Message{Type: KindEnd, TargetUserID: target, SenderID: sender}
}

func NewReject(target, sender domain.UserID) Message {
	return Message{Type: KindReject, TargetUserID: target, SenderID: sender}
}

// IncomingCall is the wake-up notification derived from a forwarded offer.
func IncomingCall(offer Message) Message {
	return Message{
		Type:         KindIncomingCall,
		TargetUserID: offer.TargetUserID,
		SenderID:     offer.SenderID,
		CallerID:     offer.CallerID,
		CallerName:   offer.CallerName,
		IsVideoCall:  offer.IsVideoCall,
	}
}

// Validate checks that the fields required by Type are present.
func (m Message) Validate() error {
	switch m.Type {
	case KindJoin:
		if m.UserID == "" {
			return fmt.Errorf("%s: missing userId", m.Type)
		}
	case KindOffer:
		if m.Offer == nil || m.Offer.SDP == "" {
			return fmt.Errorf("%s: %w", m.Type, ErrMissingPayload)
		}
	case KindAnswer:
		if m.Answer == nil || m.Answer.SDP == "" {
			return fmt.Errorf("%s: %w", m.Type, ErrMissingPayload)
		}
	case KindCandidate:
		if m.Candidate == nil {
			return fmt.Errorf("%s: %w", m.Type, ErrMissingPayload)
		}
	case KindReject, KindEnd, KindJoined, KindIncomingCall, KindUserOffline, KindError:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownKind, m.Type)
	}
	if m.Type.Targeted() && m.TargetUserID == "" {
		return fmt.Errorf("%s: %w", m.Type, ErrMissingTarget)
	}
	return nil
}

// Parse decodes and validates one websocket frame.
func Parse(data []byte) (Message, error) {
	var m Message
	if err := json.Unmarshal(data, &m); err != nil {
		return Message{}, fmt.Errorf("decode message: %w", err)
	}
	if err := m.Validate(); err != nil {
		return Message{}, err
	}
	return m, nil
}

// Encode serializes a message for the wire.
func Encode(m Message) ([]byte, error) {
	return json.Marshal(m)
}
