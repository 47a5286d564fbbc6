package session

import "context"

// Conn is one open frame-oriented socket. ReadFrame is called from a single
// reader goroutine; WriteFrame only from the client loop.
type Conn interface {
	ReadFrame() ([]byte, error)
	WriteFrame(data []byte) error
	Close() error
}

// Dialer opens a Conn to endpoint.
type Dialer interface {
	Dial(ctx context.Context, endpoint string) (Conn, error)
}

// DialerFunc adapts a function into a Dialer.
type DialerFunc func(ctx context.Context, endpoint string) (Conn, error)

func (f DialerFunc) Dial(ctx context.Context, endpoint string) (Conn, error) {
	return f(ctx, endpoint)
}
