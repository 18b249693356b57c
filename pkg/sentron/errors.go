package sentron

import (
	"fmt"

	"github.com/pkg/errors"
)

var (
	ErrInvalidMAC     = errors.New("target MAC must be 6 bytes")
	ErrTooShort       = errors.New("reply shorter than header")
	ErrTruncatedField = errors.New("reply truncated")
	ErrInvalidProbe   = errors.New("invalid probe packet")
)

// EncodingError is returned when a probe cannot be built from its parameters.
type EncodingError struct {
	Command CommandCode
	Len     int
}

func (e *EncodingError) Error() string {
	return fmt.Sprintf("encoding %s probe: %d byte MAC: %v", e.Command, e.Len, ErrInvalidMAC)
}

func (e *EncodingError) Unwrap() error { return ErrInvalidMAC }

// DecodeError reports which field of a reply did not fit in the received datagram.
type DecodeError struct {
	Command CommandCode
	Field   string
	Need    int
	Have    int
	Err     error
}

func (e *DecodeError) Error() string {
	if e.Err == ErrTooShort {
		return fmt.Sprintf("%v: need %d bytes, have %d", e.Err, e.Need, e.Have)
	}
	return fmt.Sprintf("%v: %s reply field %q needs %d bytes, have %d", e.Err, e.Command, e.Field, e.Need, e.Have)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// SocketError wraps a bind, send or receive failure. The system error is kept as the cause.
type SocketError struct {
	Op  string
	Err error
}

func (e *SocketError) Error() string { return e.Op + ": " + e.Err.Error() }

func (e *SocketError) Unwrap() error { return e.Err }

func (e *SocketError) Cause() error { return e.Err }
