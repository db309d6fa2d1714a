package transport

import (
	"context"
	"errors"
	"fmt"

	"github.com/ageniuscoder/corelink/internal/wire"
)

// Handler receives everything read from a Conn. HandleClose is called exactly
// once when the connection ends, with a nil error for a local Close.
type Handler interface {
	HandleFrame(f wire.Frame)
	HandleClose(err error)
}

type Conn interface {
	Send(ctx context.Context, f wire.Frame) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, endpoint string, h Handler) (Conn, error)
}

var ErrClosed = errors.New("connection closed")

// ConnectionError reports a transport open/send failure or a call against a
// disconnected target.
type ConnectionError struct {
	Op     string
	Target string
	Err    error
}

func (e *ConnectionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s %s: not connected", e.Op, e.Target)
	}
	return fmt.Sprintf("%s %s: %v", e.Op, e.Target, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// IsConnectionError reports whether err carries a ConnectionError.
func IsConnectionError(err error) bool {
	var ce *ConnectionError
	return errors.As(err, &ce)
}
