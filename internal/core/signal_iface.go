package core

import (
	"context"

	"github.com/dkeye/duo/internal/domain"
	"github.com/dkeye/duo/internal/protocol"
)

// Frame is a raw encoded signaling message.
type Frame []byte

// SignalConnection abstracts the relay-side messaging transport of one client.
// Owned by the adapter; the adapter must Close() it.
type SignalConnection interface {
	TrySend(Frame) error
	Close()
}

// SignalChannel is the client-side persistent channel to the relay.
// Send is fire-and-forget and preserves per-channel FIFO order.
type SignalChannel interface {
	// Connect registers identity with the relay. A second call while
	// connected is a no-op.
	Connect(ctx context.Context, id domain.Identity) error
	// Send fails with domain.ErrChannelNotReady when not connected.
	Send(msg protocol.Message) error
	// Messages delivers inbound messages for the lifetime of the channel.
	Messages() <-chan protocol.Message
	// Lost yields once for every connection that dropped without Disconnect.
	Lost() <-chan error
	Connected() bool
	Disconnect() error
}
