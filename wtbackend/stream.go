package wtbackend

import (
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/quic-go/webtransport-go"

	"github.com/pollmux/pollmux/transport"
)

// pastDeadline makes the next read or write return immediately instead of
// blocking.
func pastDeadline() time.Time { return time.Unix(0, 1) }

type sendStream struct {
	conn  *Connection
	id    transport.StreamID
	inner webtransport.SendStream
}

var _ transport.SendStream = (*sendStream)(nil)

func (s *sendStream) Send(p []byte) (int, error) {
	if !s.IsOpen() {
		return 0, transport.ErrNoStream
	}

	_ = s.inner.SetWriteDeadline(pastDeadline())
	n, err := s.inner.Write(p)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, os.ErrDeadlineExceeded):
		return n, transport.ErrBlocked
	default:
		s.conn.closeSend(s.id, true)
		return n, fmt.Errorf("%w: %s", transport.ErrNoStream, err)
	}
}

func (s *sendStream) Close(desc transport.CloseDescription) error {
	if !s.IsOpen() {
		return transport.ErrNoStream
	}

	if desc.Reset {
		s.inner.CancelWrite(webtransport.StreamErrorCode(desc.ErrorCode))
	} else if err := s.inner.Close(); err != nil {
		s.conn.closeSend(s.id, false)
		return transport.ErrNoStream
	}
	s.conn.closeSend(s.id, false)
	return nil
}

func (s *sendStream) IsOpen() bool {
	_, ok := s.conn.sends[s.id]
	return ok
}

type recvStream struct {
	conn  *Connection
	id    transport.StreamID
	inner webtransport.ReceiveStream
}

var _ transport.RecvStream = (*recvStream)(nil)

func (s *recvStream) Recv(limit int) ([]byte, error) {
	if !s.IsOpen() {
		return nil, transport.ErrNoStream
	}

	buf := make([]byte, limit)
	_ = s.inner.SetReadDeadline(pastDeadline())
	n, err := s.inner.Read(buf)
	if n > 0 {
		// deliver what arrived; a terminal condition resurfaces next call
		return buf[:n], nil
	}

	var streamErr *webtransport.StreamError
	switch {
	case err == nil:
		return nil, transport.ErrBlocked
	case errors.Is(err, os.ErrDeadlineExceeded):
		return nil, transport.ErrBlocked
	case errors.Is(err, io.EOF):
		s.conn.closeRecv(s.id, true)
		return nil, transport.ErrFinished
	case errors.As(err, &streamErr):
		s.conn.closeRecv(s.id, true)
		return nil, fmt.Errorf("%w (code %d)", transport.ErrReset, streamErr.ErrorCode)
	default:
		s.conn.closeRecv(s.id, true)
		return nil, transport.ErrNoStream
	}
}

func (s *recvStream) Close(desc transport.CloseDescription) error {
	if !s.IsOpen() {
		return transport.ErrNoStream
	}
	s.inner.CancelRead(webtransport.StreamErrorCode(desc.ErrorCode))
	s.conn.closeRecv(s.id, false)
	return nil
}

func (s *recvStream) IsOpen() bool {
	_, ok := s.conn.recvs[s.id]
	return ok
}
