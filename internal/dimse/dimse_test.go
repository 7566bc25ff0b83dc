package dimse

import (
	"context"
	"errors"
	"net"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

type timeoutErr struct{}

func (timeoutErr) Error() string   { return "i/o timeout" }
func (timeoutErr) Timeout() bool   { return true }
func (timeoutErr) Temporary() bool { return true }

func TestClassify(t *testing.T) {
	assert.Equal(t, Success, classify(nil))
	assert.Equal(t, Timeout, classify(context.DeadlineExceeded))
	assert.Equal(t, Timeout, classify(timeoutErr{}))
	assert.Equal(t, NetworkError, classify(&net.OpError{Op: "dial", Err: syscall.ECONNREFUSED}))
	assert.Equal(t, NetworkError, classify(&net.OpError{Op: "read", Err: syscall.ECONNRESET}))
	// The peer answered; whatever the protocol layer complains about at
	// that point is a rejection, not a transport fault.
	assert.Equal(t, Rejected, classify(errors.New("C-STORE failed: status 0xA700")))
}

func TestTransient(t *testing.T) {
	assert.True(t, NetworkError.Transient())
	assert.True(t, Timeout.Transient())
	assert.False(t, Rejected.Transient())
	assert.False(t, Success.Transient())
}

func TestStatusString(t *testing.T) {
	assert.Equal(t, "success", Success.String())
	assert.Equal(t, "network_error", NetworkError.String())
	assert.Equal(t, "timeout", Timeout.String())
	assert.Equal(t, "rejected", Rejected.String())
}
