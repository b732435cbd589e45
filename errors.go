package sshmux

import (
	"errors"
	"fmt"
)

var (
	// ErrNotConnected is returned by client operations issued while no
	// connection is established (before connect, while reconnecting, after close).
	ErrNotConnected = errors.New("sshmux: not connected")

	// ErrCommandRejected is returned when the server declines an exec request,
	// typically because exec is not enabled on it.
	ErrCommandRejected = errors.New("sshmux: exec request rejected")

	// ErrExitStatusMissing is returned when a command's channel closed without
	// an exit status or exit signal.
	ErrExitStatusMissing = errors.New("sshmux: remote command exited without exit status")

	// ErrGateAlreadyReady is returned by Gate.MarkReady after the first call.
	ErrGateAlreadyReady = errors.New("sshmux: gate already marked ready")

	// ErrChannelAlreadyConfigured marks a second exec or subsystem request on a
	// session channel that already serves one.
	ErrChannelAlreadyConfigured = errors.New("sshmux: channel already configured")

	// ErrServerClosed is returned by Server operations after Close.
	ErrServerClosed = errors.New("sshmux: server closed")
)

// UnsupportedChannelTypeError is returned by the dispatcher when an inbound
// channel cannot be served. The channel is rejected; the connection continues.
type UnsupportedChannelTypeError struct {
	Type ChannelType
}

func (e *UnsupportedChannelTypeError) Error() string {
	return fmt.Sprintf("sshmux: unsupported channel type %q", string(e.Type))
}

// ConnectErrorKind classifies why a client connection attempt failed.
type ConnectErrorKind int

const (
	ErrKindNetwork ConnectErrorKind = iota
	ErrKindHandshake
	ErrKindAuth
	ErrKindHostKey
)

func (k ConnectErrorKind) String() string {
	switch k {
	case ErrKindNetwork:
		return "network"
	case ErrKindAuth:
		return "authentication"
	case ErrKindHostKey:
		return "host key"
	default:
		return "handshake"
	}
}

// ConnectError is returned by Connect and by failed reconnect attempts.
type ConnectError struct {
	Kind ConnectErrorKind
	Addr string
	Err  error
}

func (e *ConnectError) Error() string {
	return fmt.Sprintf("sshmux: connect %s: %s error: %v", e.Addr, e.Kind, e.Err)
}

func (e *ConnectError) Unwrap() error {
	return e.Err
}

// ExitError is returned by ExecuteCommand when the remote command finished
// with a nonzero status or was killed by a signal.
type ExitError struct {
	Command string
	Status  ExitStatus
}

func (e *ExitError) Error() string {
	if e.Status.Signal != "" {
		return fmt.Sprintf("sshmux: command %q killed by signal %s", e.Command, e.Status.Signal)
	}
	return fmt.Sprintf("sshmux: command %q exited with status %d", e.Command, e.Status.Code)
}
