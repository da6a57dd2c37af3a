package domain

import "errors"

// Signaling.
var (
	ErrChannelNotReady = errors.New("signaling channel not connected")
	ErrBackpressure    = errors.New("backpressure")
	ErrRelayRefused    = errors.New("relay refused message")
)

// Media acquisition.
var (
	ErrPermissionDenied = errors.New("media permission denied")
	ErrDeviceNotFound   = errors.New("media device not found")
	ErrDeviceError      = errors.New("media device error")
)

// Negotiation and transport.
var (
	ErrNegotiation      = errors.New("negotiation error")
	ErrTransportFailure = errors.New("transport failure")
)

// Call session.
var (
	ErrCallInProgress = errors.New("call already in progress")
	ErrNoActiveCall   = errors.New("no active call")
	ErrNoIncomingCall = errors.New("no matching incoming call")
	ErrCallCancelled  = errors.New("call ended before operation completed")
)
