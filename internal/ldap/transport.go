package ldap

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// Transport moves whole PDUs to and from one server.
type Transport interface {
	Send(ctx context.Context, pdu []byte) error
	Receive(ctx context.Context) ([]byte, error)
	Close() error
}

// TLSUpgrader is implemented by transports that can switch to TLS in place.
type TLSUpgrader interface {
	StartTLS(ctx context.Context, config *tls.Config) error
}

// DialFunc opens a transport to a server.
type DialFunc func(ctx context.Context, server *Server) (Transport, error)

// NewTCPDialer returns a DialFunc that opens TCP connections, wrapping them
// in TLS for servers that require it.
func NewTCPDialer(timeout time.Duration) DialFunc {
	return func(ctx context.Context, server *Server) (Transport, error) {
		dialer := &net.Dialer{Timeout: timeout}

		tflog.SubsystemDebug(ctx, subsystemLDAP, "Dialing LDAP server", map[string]any{
			"server_url": server.URL(),
			"timeout":    timeout.String(),
		})

		var conn net.Conn
		var err error
		if server.UseTLS {
			tlsDialer := &tls.Dialer{NetDialer: dialer, Config: server.tlsConfig()}
			conn, err = tlsDialer.DialContext(ctx, "tcp", server.Address())
		} else {
			conn, err = dialer.DialContext(ctx, "tcp", server.Address())
		}
		if err != nil {
			return nil, NewConnectionError(fmt.Sprintf("failed to connect to %s", server.URL()), true, err)
		}

		return newNetTransport(conn), nil
	}
}

// netTransport frames PDUs over a net.Conn.
type netTransport struct {
	writeMu sync.Mutex
	readMu  sync.Mutex

	connMu sync.RWMutex // guards conn and reader across a TLS upgrade
	conn   net.Conn
	reader *bufio.Reader

	closeOnce sync.Once
}

func newNetTransport(conn net.Conn) *netTransport {
	return &netTransport{
		conn:   conn,
		reader: bufio.NewReader(conn),
	}
}

func (t *netTransport) current() (net.Conn, *bufio.Reader) {
	t.connMu.RLock()
	defer t.connMu.RUnlock()
	return t.conn, t.reader
}

func (t *netTransport) Send(ctx context.Context, pdu []byte) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	conn, _ := t.current()

	deadline, _ := ctx.Deadline()
	if err := conn.SetWriteDeadline(deadline); err != nil {
		return NewConnectionError("failed to set write deadline", true, err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetWriteDeadline(time.Unix(1, 0))
	})
	defer stop()

	if _, err := conn.Write(pdu); err != nil {
		return t.wrap(ctx, "write failed", err)
	}
	return nil
}

func (t *netTransport) Receive(ctx context.Context) ([]byte, error) {
	t.readMu.Lock()
	defer t.readMu.Unlock()

	conn, reader := t.current()

	deadline, _ := ctx.Deadline()
	if err := conn.SetReadDeadline(deadline); err != nil {
		return nil, NewConnectionError("failed to set read deadline", true, err)
	}

	stop := context.AfterFunc(ctx, func() {
		_ = conn.SetReadDeadline(time.Unix(1, 0))
	})
	defer stop()

	packet, err := ber.ReadPacket(reader)
	if err != nil {
		return nil, t.wrap(ctx, "read failed", err)
	}
	return packet.Bytes(), nil
}

// StartTLS performs the TLS handshake over the existing connection. The
// caller must ensure no reads or writes are in flight.
func (t *netTransport) StartTLS(ctx context.Context, config *tls.Config) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	t.readMu.Lock()
	defer t.readMu.Unlock()

	t.connMu.Lock()
	defer t.connMu.Unlock()

	if _, ok := t.conn.(*tls.Conn); ok {
		return newUsageError("start_tls", ErrTLSActive)
	}

	tlsConn := tls.Client(t.conn, config)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		return NewConnectionError("TLS handshake failed", false, err)
	}

	t.conn = tlsConn
	t.reader = bufio.NewReader(tlsConn)
	return nil
}

func (t *netTransport) Close() error {
	var err error
	t.closeOnce.Do(func() {
		conn, _ := t.current()
		err = conn.Close()
	})
	return err
}

func (t *netTransport) wrap(ctx context.Context, message string, err error) error {
	if ctxErr := ctx.Err(); ctxErr != nil {
		return NewConnectionError(message, false, ctxErr)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return NewConnectionError("connection closed by server", true, err)
	}
	if errors.Is(err, net.ErrClosed) {
		return NewConnectionError(message, false, ErrConnectionClosed)
	}
	return NewConnectionError(message, true, err)
}
