package writer

import (
	"context"
	"encoding/binary"
	"net"
	"net/url"
	"sync"

	"go.redoflow.dev/core/errs"
)

// tcpSink delivers each frame to a raw TCP socket, length-prefixed per
// spec.md §6's wire format: an 8-byte little-endian length followed by
// the frame bytes. On a write error the connection is dropped and
// re-dialed on the next attempt, so a transient network blip is
// recoverable within the Writer's retry loop rather than fatal on its
// own.
type tcpSink struct {
	addr string

	mu   sync.Mutex
	conn net.Conn
}

func newTCPSink(ep *url.URL) (Sink, error) {
	if ep.Host == "" {
		return nil, errs.NewConfigurationError("tcp sink requires a host:port", nil)
	}
	return &tcpSink{addr: ep.Host}, nil
}

func (s *tcpSink) Write(ctx context.Context, frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.conn == nil {
		var d net.Dialer
		conn, err := d.DialContext(ctx, "tcp", s.addr)
		if err != nil {
			return errs.NewRuntimeError("dialing tcp sink", err)
		}
		s.conn = conn
	}

	var lenPrefix [8]byte
	binary.LittleEndian.PutUint64(lenPrefix[:], uint64(len(frame)))
	if _, err := s.conn.Write(lenPrefix[:]); err != nil {
		s.dropLocked()
		return errs.NewRuntimeError("writing tcp sink length prefix", err)
	}
	if _, err := s.conn.Write(frame); err != nil {
		s.dropLocked()
		return errs.NewRuntimeError("writing tcp sink frame", err)
	}
	return nil
}

func (s *tcpSink) dropLocked() {
	if s.conn != nil {
		_ = s.conn.Close()
		s.conn = nil
	}
}

func (s *tcpSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.dropLocked()
	return nil
}
