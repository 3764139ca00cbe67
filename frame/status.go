package frame

import (
	"errors"
	"fmt"
)

// Status classifies the outcome of a read or write on a frame stream.
type Status uint8

const (
	StatusOK Status = iota
	StatusPeerClosed
	StatusMalformed
)

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusPeerClosed:
		return "peer_closed"
	case StatusMalformed:
		return "malformed"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

var (
	ErrPeerClosed      = errors.New("peer closed")
	ErrMalformedPacket = errors.New("malformed packet")
)

// StreamError is returned by every read and write on a frame stream. Expected
// disconnects are ordinary values of this type, not panics.
type StreamError struct {
	Op     string
	Status Status
	Err    error
}

func (e *StreamError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Status)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Status, e.Err)
}

func (e *StreamError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is match the status sentinels.
func (e *StreamError) Is(target error) bool {
	switch target {
	case ErrPeerClosed:
		return e.Status == StatusPeerClosed
	case ErrMalformedPacket:
		return e.Status == StatusMalformed
	}
	return false
}

// ClosedError reports that op failed because the peer went away.
func ClosedError(op string, err error) error {
	return &StreamError{Op: op, Status: StatusPeerClosed, Err: err}
}

func malformed(op, format string, args ...any) error {
	return &StreamError{Op: op, Status: StatusMalformed, Err: fmt.Errorf(format, args...)}
}

// StatusOf classifies err. Unknown errors count as a lost peer.
func StatusOf(err error) Status {
	if err == nil {
		return StatusOK
	}
	var se *StreamError
	if errors.As(err, &se) {
		return se.Status
	}
	if errors.Is(err, ErrMalformedPacket) {
		return StatusMalformed
	}
	return StatusPeerClosed
}
