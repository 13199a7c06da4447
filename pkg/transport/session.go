// Package transport establishes the single byte-stream session to the fixed
// update server. The wire carries no handshake, framing, or negotiation: a
// session is a raw duplex pipe whose orderly close is meaningful to the
// layer above.
package transport

import (
	"context"
	"net"
	"strconv"
	"time"

	"github.com/pkg/errors"
)

// Endpoint is the fixed server address from configuration.
type Endpoint struct {
	Host string
	Port int
}

// Address renders the endpoint for dialing.
func (e Endpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

// Session owns exactly one underlying connection. It is created by a single
// connect attempt, moved by value into whichever component currently owns
// it, and never reused after Close.
type Session struct {
	conn   net.Conn
	remote string
}

// Dial makes one connect attempt to the endpoint. There is no retry: the
// call fails immediately or yields a usable session. A partially established
// connection is torn down by the dialer itself.
func Dial(ctx context.Context, ep Endpoint, timeout time.Duration) (*Session, error) {
	d := net.Dialer{Timeout: timeout}
	conn, err := d.DialContext(ctx, "tcp", ep.Address())
	if err != nil {
		return nil, errors.Wrapf(err, "connect to update server %s", ep.Address())
	}
	return &Session{conn: conn, remote: conn.RemoteAddr().String()}, nil
}

// Read fills b from the stream, blocking until bytes arrive, the peer closes
// (io.EOF), or the connection errors.
func (s *Session) Read(b []byte) (int, error) {
	return s.conn.Read(b)
}

// Write sends b on the stream.
func (s *Session) Write(b []byte) (int, error) {
	return s.conn.Write(b)
}

// Close tears the session down. Closing also forces any blocked Read to
// return, which is how cancellation reaches a stalled transfer.
func (s *Session) Close() error {
	return s.conn.Close()
}

// RemoteAddr reports the connected peer for logging.
func (s *Session) RemoteAddr() string {
	return s.remote
}
