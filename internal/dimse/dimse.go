package dimse

import (
	"context"
	"errors"
	"fmt"
	"net"
)

// Status classifies the terminal result of one protocol attempt.
type Status int

const (
	Success Status = iota
	// NetworkError covers connection refused/reset and failed associations.
	NetworkError
	// Timeout means no response arrived within the per-call deadline.
	Timeout
	// Rejected means the server responded but refused the operation.
	// A rejection indicates a server-side or data problem, never retried.
	Rejected
)

func (s Status) String() string {
	switch s {
	case Success:
		return "success"
	case NetworkError:
		return "network_error"
	case Timeout:
		return "timeout"
	case Rejected:
		return "rejected"
	}
	return fmt.Sprintf("status(%d)", int(s))
}

// Transient reports whether an attempt with this status may be retried.
func (s Status) Transient() bool {
	return s == NetworkError || s == Timeout
}

// SendResult is the outcome of a single Store or Echo attempt.
type SendResult struct {
	Status Status
	Err    error
}

func classify(err error) Status {
	if err == nil {
		return Success
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Timeout
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return Timeout
		}
		return NetworkError
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return NetworkError
	}
	// The association was established and the peer answered; anything the
	// protocol library reports at that point is a rejection.
	return Rejected
}
