package transport

import (
	"context"
	"errors"
	"io"
	"net"

	"github.com/coder/websocket"
)

// socket is the part of a websocket connection the host needs. It lets the
// hub be exercised without a network.
type socket interface {
	Read(ctx context.Context) ([]byte, error)
	Write(ctx context.Context, data []byte) error
	Ping(ctx context.Context) error
	Close(reason string) error
}

type wsSocket struct {
	conn *websocket.Conn
}

func (s *wsSocket) Read(ctx context.Context) ([]byte, error) {
	_, data, err := s.conn.Read(ctx)
	return data, err
}

func (s *wsSocket) Write(ctx context.Context, data []byte) error {
	return s.conn.Write(ctx, websocket.MessageText, data)
}

func (s *wsSocket) Ping(ctx context.Context) error {
	return s.conn.Ping(ctx)
}

func (s *wsSocket) Close(reason string) error {
	return s.conn.Close(websocket.StatusNormalClosure, reason)
}

// isOrderlyClose reports whether a read error is the peer (or we) closing
// the connection rather than a transport failure.
func isOrderlyClose(err error) bool {
	switch websocket.CloseStatus(err) {
	case websocket.StatusNormalClosure, websocket.StatusGoingAway, websocket.StatusNoStatusRcvd:
		return true
	}
	return errors.Is(err, io.EOF) ||
		errors.Is(err, net.ErrClosed) ||
		errors.Is(err, context.Canceled)
}
