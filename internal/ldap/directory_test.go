package ldap

import (
	"context"
	"crypto/tls"
	"errors"
	"io"
	"slices"
	"sync"
	"testing"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/require"
)

// ldapRequest is one request PDU as seen by fakeDirectory.
type ldapRequest struct {
	ID       MessageID
	Tag      ber.Tag
	Op       *ber.Packet
	Controls []ldap.Control
	Server   *Server
}

// bindName returns the name of a bind request.
func (r *ldapRequest) bindName() string {
	return packetString(r.Op.Children[1])
}

// bindPassword returns the password of a simple bind request.
func (r *ldapRequest) bindPassword() string {
	return packetString(r.Op.Children[2])
}

// saslMechanism returns the mechanism of a SASL bind, or "" for simple binds.
func (r *ldapRequest) saslMechanism() string {
	auth := r.Op.Children[2]
	if auth.Tag != 3 || len(auth.Children) == 0 {
		return ""
	}
	return packetString(auth.Children[0])
}

// saslCredentials returns the credentials of a SASL bind, nil when absent.
func (r *ldapRequest) saslCredentials() []byte {
	auth := r.Op.Children[2]
	if auth.Tag != 3 || len(auth.Children) < 2 {
		return nil
	}
	return packetBytes(auth.Children[1])
}

// baseDN returns the base of a search request.
func (r *ldapRequest) baseDN() string {
	return packetString(r.Op.Children[0])
}

// pagingCookie returns the cookie of the paging control, or nil.
func (r *ldapRequest) pagingCookie() []byte {
	control, ok := ldap.FindControl(r.Controls, ldap.ControlTypePaging).(*ldap.ControlPaging)
	if !ok {
		return nil
	}
	return control.Cookie
}

// abandonTarget returns the id named by an abandon request.
func (r *ldapRequest) abandonTarget() MessageID {
	id, _ := packetInt(r.Op)
	return MessageID(id)
}

// reply is one response PDU produced by a handler.
type reply struct {
	id       MessageID // zero answers the request
	op       *ber.Packet
	controls []ldap.Control
	notice   bool // unsolicited, sent with message id 0
}

type handlerFunc func(t *fakeTransport, req *ldapRequest) []reply

// fakeDirectory is an in-memory directory server reachable through its dial
// function. Every request is recorded.
type fakeDirectory struct {
	mu         sync.Mutex
	handler    handlerFunc
	requests   []*ldapRequest
	transports []*fakeTransport
	refuse     map[string]bool
	dials      int
}

func newFakeDirectory(handler handlerFunc) *fakeDirectory {
	if handler == nil {
		handler = defaultHandler
	}
	return &fakeDirectory{
		handler: handler,
		refuse:  make(map[string]bool),
	}
}

func (d *fakeDirectory) dial(_ context.Context, server *Server) (Transport, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	if d.refuse[server.Host] {
		return nil, NewConnectionError("failed to connect to "+server.URL(), true, errors.New("connection refused"))
	}

	t := &fakeTransport{
		dir:    d,
		server: server,
		inbox:  make(chan []byte, 256),
		closed: make(chan struct{}),
	}
	d.transports = append(d.transports, t)
	return t, nil
}

func (d *fakeDirectory) setRefused(host string, refused bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.refuse[host] = refused
}

func (d *fakeDirectory) record(req *ldapRequest) handlerFunc {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	return d.handler
}

// received returns the recorded requests carrying one of the given tags,
// or every request when no tag is given.
func (d *fakeDirectory) received(tags ...ber.Tag) []*ldapRequest {
	d.mu.Lock()
	defer d.mu.Unlock()

	var out []*ldapRequest
	for _, req := range d.requests {
		if len(tags) == 0 || slices.Contains(tags, req.Tag) {
			out = append(out, req)
		}
	}
	return out
}

func (d *fakeDirectory) dialCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func (d *fakeDirectory) transport(i int) *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.transports[i]
}

// fakeTransport is one client connection to a fakeDirectory.
type fakeTransport struct {
	dir    *fakeDirectory
	server *Server
	inbox  chan []byte

	mu        sync.Mutex
	closed    chan struct{}
	closeErr  error
	tlsActive bool
}

func (t *fakeTransport) Send(ctx context.Context, pdu []byte) error {
	if err := t.closedErr(); err != nil {
		return err
	}

	packet, err := ber.DecodePacketErr(pdu)
	if err != nil {
		return err
	}
	id, err := packetInt(packet.Children[0])
	if err != nil {
		return err
	}

	req := &ldapRequest{
		ID:     MessageID(id),
		Tag:    packet.Children[1].Tag,
		Op:     packet.Children[1],
		Server: t.server,
	}
	if len(packet.Children) > 2 {
		for _, child := range packet.Children[2].Children {
			control, err := ldap.DecodeControl(child)
			if err != nil {
				return err
			}
			req.Controls = append(req.Controls, control)
		}
	}

	handler := t.dir.record(req)
	for _, r := range handler(t, req) {
		t.push(req.ID, r)
	}
	return nil
}

// push queues a reply for the client.
func (t *fakeTransport) push(requestID MessageID, r reply) {
	id := requestID
	switch {
	case r.notice:
		id = 0
	case r.id != 0:
		id = r.id
	}
	t.inbox <- encodeReply(id, r.op, r.controls)
}

func (t *fakeTransport) Receive(ctx context.Context) ([]byte, error) {
	select {
	case pdu := <-t.inbox:
		return pdu, nil
	default:
	}

	select {
	case pdu := <-t.inbox:
		return pdu, nil
	case <-t.closed:
		return nil, t.closedErr()
	case <-ctx.Done():
		return nil, NewConnectionError("read failed", false, ctx.Err())
	}
}

func (t *fakeTransport) StartTLS(_ context.Context, _ *tls.Config) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.tlsActive {
		return newUsageError("start_tls", ErrTLSActive)
	}
	t.tlsActive = true
	return nil
}

func (t *fakeTransport) Close() error {
	t.shutdown(NewConnectionError("read failed", false, ErrConnectionClosed))
	return nil
}

// drop simulates the server going away.
func (t *fakeTransport) drop() {
	t.shutdown(NewConnectionError("connection closed by server", true, io.EOF))
}

func (t *fakeTransport) shutdown(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closeErr == nil {
		t.closeErr = err
		close(t.closed)
	}
}

func (t *fakeTransport) closedErr() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closeErr
}

func (t *fakeTransport) isClosed() bool {
	return t.closedErr() != nil
}

func (t *fakeTransport) usingTLS() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tlsActive
}

func encodeReply(id MessageID, op *ber.Packet, controls []ldap.Control) []byte {
	envelope := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Response")
	envelope.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, int64(id), "MessageID"))
	envelope.AppendChild(op)
	if len(controls) > 0 {
		packet := ber.Encode(ber.ClassContext, ber.TypeConstructed, 0, nil, "Controls")
		for _, control := range controls {
			packet.AppendChild(control.Encode())
		}
		envelope.AppendChild(packet)
	}
	return envelope.Bytes()
}

// resultOp builds an LDAPResult-shaped protocol operation.
func resultOp(tag ber.Tag, code uint16, diagnostic string) *ber.Packet {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, tag, nil, "Response")
	op.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagEnumerated, int64(code), "resultCode"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, "", "matchedDN"))
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, diagnostic, "diagnosticMessage"))
	return op
}

func bindReply(code uint16, serverCredentials []byte) reply {
	op := resultOp(ldap.ApplicationBindResponse, code, "")
	if serverCredentials != nil {
		op.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 7, string(serverCredentials), "serverSaslCreds"))
	}
	return reply{op: op}
}

func extendedReply(code uint16, name string, value []byte) reply {
	op := resultOp(ldap.ApplicationExtendedResponse, code, "")
	if name != "" {
		op.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 10, name, "responseName"))
	}
	if value != nil {
		op.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 11, string(value), "responseValue"))
	}
	return reply{op: op}
}

func entryReply(dn string, attributes map[string][]string) reply {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationSearchResultEntry, nil, "Search Result Entry")
	op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, dn, "objectName"))
	list := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "attributes")
	for _, name := range sortedKeys(attributes) {
		list.AppendChild(encodeAttribute(name, attributes[name]))
	}
	op.AppendChild(list)
	return reply{op: op}
}

func referenceOp(uris ...string) *ber.Packet {
	op := ber.Encode(ber.ClassApplication, ber.TypeConstructed, ldap.ApplicationSearchResultReference, nil, "Search Result Reference")
	for _, uri := range uris {
		op.AppendChild(ber.NewString(ber.ClassUniversal, ber.TypePrimitive, ber.TagOctetString, uri, "URI"))
	}
	return op
}

func searchDoneReply(code uint16, controls ...ldap.Control) reply {
	return reply{op: resultOp(ldap.ApplicationSearchResultDone, code, ""), controls: controls}
}

func noticeOfDisconnection(diagnostic string) reply {
	op := resultOp(ldap.ApplicationExtendedResponse, ldap.LDAPResultUnavailable, diagnostic)
	op.AppendChild(ber.NewString(ber.ClassContext, ber.TypePrimitive, 10, noticeOfDisconnectionOID, "responseName"))
	return reply{op: op, notice: true}
}

func pagingReply(cookie string) ldap.Control {
	control := ldap.NewControlPaging(0)
	control.SetCookie([]byte(cookie))
	return control
}

// defaultHandler accepts every request.
func defaultHandler(_ *fakeTransport, req *ldapRequest) []reply {
	switch req.Tag {
	case ldap.ApplicationBindRequest:
		return []reply{bindReply(ldap.LDAPResultSuccess, nil)}
	case ldap.ApplicationSearchRequest:
		return []reply{searchDoneReply(ldap.LDAPResultSuccess)}
	case ldap.ApplicationModifyRequest:
		return []reply{{op: resultOp(ldap.ApplicationModifyResponse, ldap.LDAPResultSuccess, "")}}
	case ldap.ApplicationAddRequest:
		return []reply{{op: resultOp(ldap.ApplicationAddResponse, ldap.LDAPResultSuccess, "")}}
	case ldap.ApplicationDelRequest:
		return []reply{{op: resultOp(ldap.ApplicationDelResponse, ldap.LDAPResultSuccess, "")}}
	case ldap.ApplicationModifyDNRequest:
		return []reply{{op: resultOp(ldap.ApplicationModifyDNResponse, ldap.LDAPResultSuccess, "")}}
	case ldap.ApplicationCompareRequest:
		return []reply{{op: resultOp(ldap.ApplicationCompareResponse, ldap.LDAPResultCompareTrue, "")}}
	case ldap.ApplicationExtendedRequest:
		return []reply{extendedReply(ldap.LDAPResultSuccess, "", nil)}
	default:
		return nil
	}
}

// chainHandlers tries each handler in turn until one replies.
func chainHandlers(handlers ...handlerFunc) handlerFunc {
	return func(t *fakeTransport, req *ldapRequest) []reply {
		for _, h := range handlers {
			if replies := h(t, req); replies != nil {
				return replies
			}
		}
		return nil
	}
}

var testServer = &Server{Host: "dc1.example.com", Port: 389}

// newTestConnection creates a connection to dir that is closed when the
// test ends.
func newTestConnection(t *testing.T, dir *fakeDirectory, cfg *ConnectionConfig, opts ...Option) *Connection {
	t.Helper()

	if cfg == nil {
		cfg = &ConnectionConfig{}
	}
	all := append([]Option{WithConfig(cfg), WithDialer(dir.dial)}, opts...)
	conn, err := NewConnection(context.Background(), testServer, all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}
