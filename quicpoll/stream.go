package quicpoll

import (
	"errors"
	"fmt"

	"github.com/pollmux/pollmux/quicpoll/engine"
	"github.com/pollmux/pollmux/transport"
)

// sendStream is a short-lived view of an open send half. Engine errors are
// translated into the transport taxonomy at this boundary.
type sendStream struct {
	conn *Connection
	id   transport.StreamID
}

var _ transport.SendStream = (*sendStream)(nil)

func (s *sendStream) Send(p []byte) (int, error) {
	if !s.IsOpen() {
		return 0, transport.ErrNoStream
	}

	n, err := s.conn.eng.Send(s.id, p)
	switch {
	case err == nil:
		return n, nil
	case errors.Is(err, engine.ErrBlocked):
		return n, transport.ErrBlocked
	case errors.Is(err, engine.ErrClosedStream):
		// the peer stopped the stream under us
		s.conn.closeSend(s.id, true)
		return n, transport.ErrNoStream
	default:
		// an unclassified engine failure is local, not a peer action
		s.conn.closeSend(s.id, false)
		return n, fmt.Errorf("%w: %s", transport.ErrNoStream, err)
	}
}

func (s *sendStream) Close(desc transport.CloseDescription) error {
	if !s.IsOpen() {
		return transport.ErrNoStream
	}

	var err error
	if desc.Reset {
		err = s.conn.eng.Reset(s.id, desc.ErrorCode)
	} else {
		err = s.conn.eng.Finish(s.id)
	}
	if err != nil {
		return transport.ErrNoStream
	}
	s.conn.closeSend(s.id, false)
	return nil
}

func (s *sendStream) IsOpen() bool {
	_, ok := s.conn.openSend[s.id]
	return ok
}

// recvStream is a short-lived view of an open receive half.
type recvStream struct {
	conn *Connection
	id   transport.StreamID
}

var _ transport.RecvStream = (*recvStream)(nil)

func (s *recvStream) Recv(limit int) ([]byte, error) {
	if !s.IsOpen() {
		return nil, transport.ErrNoStream
	}

	data, err := s.conn.eng.Recv(s.id, limit)
	if err == nil {
		return data, nil
	}

	var reset *engine.ResetError
	switch {
	case errors.Is(err, engine.ErrBlocked):
		return nil, transport.ErrBlocked
	case errors.Is(err, engine.ErrFinished):
		s.conn.closeRecv(s.id, true)
		return nil, transport.ErrFinished
	case errors.As(err, &reset):
		s.conn.closeRecv(s.id, true)
		return nil, fmt.Errorf("%w (code %d)", transport.ErrReset, reset.Code)
	default:
		// an unclassified engine failure is local, not a peer action
		s.conn.closeRecv(s.id, false)
		return nil, transport.ErrNoStream
	}
}

func (s *recvStream) Close(desc transport.CloseDescription) error {
	if !s.IsOpen() {
		return transport.ErrNoStream
	}
	if err := s.conn.eng.Stop(s.id, desc.ErrorCode); err != nil {
		return transport.ErrNoStream
	}
	s.conn.closeRecv(s.id, false)
	return nil
}

func (s *recvStream) IsOpen() bool {
	_, ok := s.conn.openRecv[s.id]
	return ok
}
