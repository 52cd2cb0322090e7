package webtransport

import "github.com/pollmux/pollmux/transport"

// sendStream drains the stream-frame prefix ahead of the caller's payload.
type sendStream struct {
	conn  *Connection
	id    transport.StreamID
	inner transport.SendStream
}

var _ transport.SendStream = (*sendStream)(nil)

func (s *sendStream) Send(p []byte) (int, error) {
	if header, ok := s.conn.sendHeaders[s.id]; ok {
		n, err := s.inner.Send(header)
		header = header[n:]
		if len(header) > 0 {
			s.conn.sendHeaders[s.id] = header
			if err != nil {
				return 0, err
			}
			return 0, transport.ErrBlocked
		}
		delete(s.conn.sendHeaders, s.id)
		if err != nil {
			return 0, err
		}
	}
	return s.inner.Send(p)
}

func (s *sendStream) Close(desc transport.CloseDescription) error {
	delete(s.conn.sendHeaders, s.id)
	return s.inner.Close(desc)
}

func (s *sendStream) IsOpen() bool { return s.inner.IsOpen() }
