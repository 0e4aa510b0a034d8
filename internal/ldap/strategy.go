package ldap

import (
	"context"
	"sync"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// noticeOfDisconnectionOID names the unsolicited notification a server sends
// before dropping the connection.
const noticeOfDisconnectionOID = "1.3.6.1.4.1.1466.20036"

// Strategy executes requests for a Connection.
//
// Send transmits a request and returns its handle. GetResponse blocks until
// the handle's final response is available and removes it from the strategy.
// Requests that draw no response (unbind, abandon) have no retrievable
// response.
type Strategy interface {
	Open(ctx context.Context) error
	Close() error
	Send(ctx context.Context, req Request, controls []ldap.Control) (MessageID, error)
	GetResponse(ctx context.Context, id MessageID) (*Response, error)
	Outstanding() *OutstandingTable
	Async() bool
	Server() *Server
}

// tlsStarter is implemented by strategies that can upgrade their transport
// after a successful StartTLS extended operation.
type tlsStarter interface {
	upgradeTLS(ctx context.Context) error
}

// sessionBinder is implemented by strategies that bind on behalf of several
// underlying sessions.
type sessionBinder interface {
	bindAll(ctx context.Context) (*Response, error)
}

// strategyDeps are the collaborators every strategy uses.
type strategyDeps struct {
	pool   *ServerPool
	dial   DialFunc
	codec  Codec
	usage  *UsageCounters
	logCtx context.Context
}

// stream owns one transport and performs accounted, logged PDU I/O on it.
type stream struct {
	strategyDeps

	mu        sync.RWMutex // guards transport and server
	transport Transport
	server    *Server
}

func (s *stream) connect(ctx context.Context) error {
	server := s.pool.Next()

	LogConnectionEvent(s.logCtx, "connection_attempt", map[string]any{
		"server_url": server.URL(),
	})

	transport, err := s.dial(ctx, server)
	if err != nil {
		LogConnectionEvent(s.logCtx, "connection_failed", map[string]any{
			"server_url": server.URL(),
			"error":      err.Error(),
		})
		return transportError("failed to connect to "+server.URL(), err)
	}

	s.mu.Lock()
	s.transport = transport
	s.server = server
	s.mu.Unlock()

	if s.usage != nil {
		s.usage.SocketOpened()
	}

	LogConnectionEvent(s.logCtx, "connection_established", map[string]any{
		"server_url": server.URL(),
	})
	return nil
}

func (s *stream) disconnect() error {
	s.mu.Lock()
	transport := s.transport
	s.transport = nil
	s.mu.Unlock()

	if transport == nil {
		return nil
	}

	if s.usage != nil {
		s.usage.SocketClosed()
	}

	LogConnectionEvent(s.logCtx, "connection_closed", map[string]any{
		"server_url": s.Server().URL(),
	})
	return transport.Close()
}

func (s *stream) current() (Transport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.transport == nil {
		return nil, NewConnectionError("transport not open", false, ErrConnectionClosed)
	}
	return s.transport, nil
}

func (s *stream) connected() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.transport != nil
}

// Server returns the server of the current or most recent transport.
func (s *stream) Server() *Server {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.server
}

func (s *stream) write(ctx context.Context, id MessageID, req Request, controls []ldap.Control) error {
	pdu, err := s.codec.Encode(id, req, controls)
	if err != nil {
		return err
	}

	transport, err := s.current()
	if err != nil {
		return err
	}

	if err := transport.Send(ctx, pdu); err != nil {
		return transportError("send failed", err)
	}

	tflog.SubsystemTrace(s.logCtx, subsystemLDAP, "Request transmitted", map[string]any{
		"message_id": int64(id),
		"kind":       req.Kind().String(),
		"bytes":      len(pdu),
	})

	if s.usage != nil {
		return s.usage.Transmitted(req.Kind(), len(pdu))
	}
	return nil
}

func (s *stream) read(ctx context.Context) (*Message, error) {
	transport, err := s.current()
	if err != nil {
		return nil, err
	}

	pdu, err := transport.Receive(ctx)
	if err != nil {
		return nil, transportError("receive failed", err)
	}

	if s.usage != nil {
		s.usage.Received(len(pdu))
	}

	msg, err := s.codec.Decode(pdu)
	if err != nil {
		return nil, NewConnectionError("malformed response", false, err)
	}

	tflog.SubsystemTrace(s.logCtx, subsystemLDAP, "Response received", map[string]any{
		"message_id": int64(msg.ID),
		"tag":        uint64(msg.Op),
		"bytes":      len(pdu),
	})
	return msg, nil
}

func (s *stream) startTLS(ctx context.Context) error {
	transport, err := s.current()
	if err != nil {
		return err
	}

	upgrader, ok := transport.(TLSUpgrader)
	if !ok {
		return newUsageError("start_tls", ErrStartTLSUnsupported)
	}
	return upgrader.StartTLS(ctx, s.Server().tlsConfig())
}

// isNoticeOfDisconnection reports whether an unsolicited message announces
// that the server is closing the connection.
func isNoticeOfDisconnection(msg *Message) bool {
	return msg.ID == 0 && msg.Result != nil && msg.Result.ResponseName == noticeOfDisconnectionOID
}

func disconnectionError(msg *Message) error {
	err := NewConnectionError("server closed the connection", true, ErrDisconnected)
	if msg != nil && msg.Result != nil && msg.Result.Diagnostic != "" {
		return NewConnectionError(msg.Result.Diagnostic, true, err)
	}
	return err
}
