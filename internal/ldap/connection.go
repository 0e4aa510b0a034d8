package ldap

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/google/uuid"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// ConnectionState is the lifecycle state of a Connection.
type ConnectionState int

const (
	// StateClosed indicates no open transport.
	StateClosed ConnectionState = iota
	// StateOpen indicates an open, unauthenticated session.
	StateOpen
	// StateBound indicates a session whose last bind succeeded.
	StateBound
)

// String returns the string representation of the connection state.
func (s ConnectionState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateBound:
		return "bound"
	default:
		return "unknown"
	}
}

type connectionOptions struct {
	config     *ConnectionConfig
	pool       *ServerPool
	dialer     DialFunc
	codec      Codec
	logCtx     context.Context
	mechanisms []SASLMechanism
	usage      *UsageCounters
}

// Option configures NewConnection.
type Option func(*connectionOptions)

// WithConfig sets the connection configuration. The configuration is copied.
func WithConfig(config *ConnectionConfig) Option {
	return func(o *connectionOptions) {
		o.config = config
	}
}

// WithServerPool connects to the servers of pool instead of a single server.
func WithServerPool(pool *ServerPool) Option {
	return func(o *connectionOptions) {
		o.pool = pool
	}
}

// WithDialer replaces the TCP transport.
func WithDialer(dial DialFunc) Option {
	return func(o *connectionOptions) {
		o.dialer = dial
	}
}

// WithCodec replaces the BER codec.
func WithCodec(codec Codec) Option {
	return func(o *connectionOptions) {
		o.codec = codec
	}
}

// WithLogContext sets the context carrying the configured log subsystems.
// See NewLogContext.
func WithLogContext(ctx context.Context) Option {
	return func(o *connectionOptions) {
		o.logCtx = ctx
	}
}

// WithSASLMechanism registers an additional SASL mechanism, or replaces a
// built-in one of the same name.
func WithSASLMechanism(mechanism SASLMechanism) Option {
	return func(o *connectionOptions) {
		o.mechanisms = append(o.mechanisms, mechanism)
	}
}

// withUsage makes the connection account into shared counters it does not
// start or stop.
func withUsage(usage *UsageCounters) Option {
	return func(o *connectionOptions) {
		o.usage = usage
	}
}

// Connection is one directory session. Façade operations are serialized and
// block until their final response; Submit and GetResponse bypass the
// façade lock for pipelining.
type Connection struct {
	id         string
	config     *ConnectionConfig
	pool       *ServerPool
	logCtx     context.Context
	mechanisms []SASLMechanism

	strategy   Strategy
	negotiator *negotiator
	usage      *UsageCounters
	ownsUsage  bool

	mu           sync.Mutex // serializes façade operations
	opened       atomic.Bool
	bound        atomic.Bool
	tlsStarted   atomic.Bool
	lastBind     atomic.Pointer[Response]
	capabilities atomic.Pointer[ServerCapabilities]
}

// NewConnection validates its arguments, selects the configured strategy and,
// when AutoBind is set, opens and binds before returning. server may be nil
// when WithServerPool is given. No I/O happens unless AutoBind is set.
func NewConnection(ctx context.Context, server *Server, opts ...Option) (*Connection, error) {
	o := &connectionOptions{logCtx: ctx}
	for _, opt := range opts {
		opt(o)
	}

	config := DefaultConfig()
	if o.config != nil {
		cfg := *o.config
		config = &cfg
	}
	if o.dialer != nil {
		config.Dialer = o.dialer
	}
	if o.codec != nil {
		config.Codec = o.codec
	}
	if err := config.ApplyDefaults(); err != nil {
		return nil, newConfigurationError("new_connection", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}

	pool := o.pool
	if pool == nil {
		if server == nil {
			return nil, newConfigurationError("new_connection", fmt.Errorf("%w: no server or server pool", ErrInvalidServer))
		}
		var err error
		if pool, err = NewServerPool(server); err != nil {
			return nil, err
		}
	}

	c := &Connection{
		id:         uuid.NewString(),
		config:     config,
		pool:       pool,
		mechanisms: o.mechanisms,
		negotiator: newNegotiator(o.mechanisms...),
	}

	if config.ResolveAuthentication() == AuthSASL {
		if _, err := c.negotiator.mechanism(config.SASLMechanism); err != nil {
			return nil, err
		}
	}

	switch {
	case o.usage != nil:
		c.usage = o.usage
	case config.CollectUsage:
		c.usage = NewUsageCounters("ldap")
		c.ownsUsage = true
	}

	c.logCtx = o.logCtx
	if c.logCtx == nil {
		c.logCtx = context.Background()
	}
	for _, subsystem := range []string{subsystemLDAP, subsystemPool, subsystemSASL, subsystemKerberos} {
		c.logCtx = tflog.SubsystemSetField(c.logCtx, subsystem, "connection_id", c.id)
		c.logCtx = tflog.SubsystemMaskFieldValuesWithFieldKeys(c.logCtx, subsystem, "password", "credentials")
	}

	dial := config.Dialer
	if dial == nil {
		dial = NewTCPDialer(config.Timeout)
	}
	codec := config.Codec
	if codec == nil {
		codec = NewBERCodec()
	}
	deps := strategyDeps{
		pool:   pool,
		dial:   dial,
		codec:  codec,
		usage:  c.usage,
		logCtx: c.logCtx,
	}

	switch config.Strategy {
	case StrategySync:
		c.strategy = NewSyncStrategy(deps)
	case StrategyAsync:
		c.strategy = NewAsyncStrategy(deps)
	case StrategyRestartable:
		restartable := NewRestartableStrategy(deps, config)
		restartable.setResume(c.resume)
		c.strategy = restartable
	case StrategyPooled:
		c.strategy = NewPooledStrategy(deps, config, c.newPoolMember)
	default:
		return nil, newInternalError("new_connection", fmt.Errorf("%w: %s", ErrUnknownStrategy, config.Strategy))
	}

	tflog.SubsystemDebug(c.logCtx, subsystemLDAP, "Connection created", map[string]any{
		"strategy":    config.Strategy.String(),
		"auth_method": config.ResolveAuthentication().String(),
		"servers":     pool.Len(),
		"auto_bind":   config.AutoBind,
		"lazy":        config.Lazy,
	})

	if config.AutoBind {
		resp, err := c.Bind(ctx)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		if !resp.OK() {
			_ = c.Close()
			return nil, resp.Err()
		}
	}

	return c, nil
}

// ID returns the session identifier used in log fields.
func (c *Connection) ID() string {
	return c.id
}

// Open opens the transport. Opening an open connection is a no-op; one whose
// transport was lost dials again.
func (c *Connection) Open(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.openLocked(ctx)
}

func (c *Connection) openLocked(ctx context.Context) error {
	c.reapLocked()
	if c.opened.Load() {
		return nil
	}

	// Counting starts before the strategy opens so that pooled member
	// sockets and binds are accounted. Counters survive a reopen after a
	// lost transport.
	counting := c.ownsUsage && !c.usage.Running()
	if counting {
		c.usage.Start()
	}

	start := time.Now()
	if err := c.strategy.Open(ctx); err != nil {
		if counting {
			c.usage.Stop()
		}
		LogLDAPError(c.logCtx, subsystemLDAP, "open", err, map[string]any{
			"strategy": c.config.Strategy.String(),
		})
		return err
	}
	c.opened.Store(true)

	LogPerformance(c.logCtx, subsystemLDAP, "open", time.Since(start), map[string]any{
		"strategy": c.config.Strategy.String(),
	})
	return nil
}

// ensureOpenLocked opens a lazy connection on first use.
func (c *Connection) ensureOpenLocked(ctx context.Context) error {
	c.reapLocked()
	if c.opened.Load() {
		return nil
	}
	if c.config.Lazy {
		return c.openLocked(ctx)
	}
	return newUsageError("ensure_open", ErrConnectionClosed)
}

// transportWatcher is implemented by strategies whose transport can be lost
// without Close, through a notice of disconnection or a failed read.
type transportWatcher interface {
	connected() bool
}

// live reports whether the connection is open on a transport that has not
// been lost.
func (c *Connection) live() bool {
	if !c.opened.Load() {
		return false
	}
	if w, ok := c.strategy.(transportWatcher); ok {
		return w.connected()
	}
	return true
}

// reapLocked closes the session of a connection whose transport was lost, so
// the next open dials again.
func (c *Connection) reapLocked() {
	if !c.opened.Load() || c.live() {
		return
	}

	LogConnectionEvent(c.logCtx, "connection_reset", map[string]any{
		"bound": c.bound.Load(),
	})
	_ = c.strategy.Close()
	c.opened.Store(false)
	c.bound.Store(false)
	c.tlsStarted.Store(false)
	c.lastBind.Store(nil)
}

// call sends req on s and waits for its final response.
func call(ctx context.Context, s Strategy, req Request, controls []ldap.Control) (*Response, error) {
	id, err := s.Send(ctx, req, controls)
	if err != nil {
		return nil, err
	}
	if !req.Kind().expectsResponse() {
		return &Response{ID: id, Kind: req.Kind()}, nil
	}
	return s.GetResponse(ctx, id)
}

// roundTrip runs one request through the strategy under the response timeout.
func (c *Connection) roundTrip(ctx context.Context, req Request, controls []ldap.Control) (*Response, error) {
	if c.config.ResponseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.config.ResponseTimeout)
		defer cancel()
	}
	return call(ctx, c.strategy, req, controls)
}

type validator interface {
	validate() error
}

// validateRequest runs request-level checks that must fail before any I/O.
func validateRequest(req Request) error {
	v, ok := req.(validator)
	if !ok {
		return nil
	}
	if err := v.validate(); err != nil {
		var ldapErr *LDAPError
		if errors.As(err, &ldapErr) {
			return err
		}
		return newUsageError(req.Kind().String(), err)
	}
	return nil
}

// do is the façade path shared by every operation.
func (c *Connection) do(ctx context.Context, req Request, controls []ldap.Control) (*Response, error) {
	if err := validateRequest(req); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.ensureOpenLocked(ctx); err != nil {
		return nil, err
	}

	resp, err := c.roundTrip(ctx, req, controls)
	if err != nil {
		LogLDAPError(c.logCtx, subsystemLDAP, req.Kind().String(), err, nil)
		return nil, err
	}

	if !resp.OK() && resp.Result != nil && req.Kind() != OpCompare {
		tflog.SubsystemDebug(c.logCtx, subsystemLDAP, "Server reported failure", map[string]any{
			"operation":   req.Kind().String(),
			"result_code": resp.Result.Code,
			"diagnostic":  resp.Result.Diagnostic,
		})
	}
	return resp, nil
}

// Bind authenticates with the configured method, opening the connection if
// needed. Bound reports whether the result was success. Server-reported
// failures are returned in the response, not as an error.
func (c *Connection) Bind(ctx context.Context) (*Response, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := c.openLocked(ctx); err != nil {
		return nil, err
	}
	return c.bindLocked(ctx)
}

func (c *Connection) bindLocked(ctx context.Context) (*Response, error) {
	method := c.config.ResolveAuthentication()
	fields := map[string]any{
		"auth_method": method.String(),
	}
	if method == AuthSASL {
		fields["mechanism"] = c.config.SASLMechanism
	}
	LogConnectionEvent(c.logCtx, "authentication_attempt", fields)

	var (
		resp *Response
		err  error
	)
	if binder, ok := c.strategy.(sessionBinder); ok {
		resp, err = binder.bindAll(ctx)
	} else {
		resp, err = c.negotiator.bind(ctx, c.config, c.strategy.Server(), func(ctx context.Context, req *BindRequest) (*Response, error) {
			return c.roundTrip(ctx, req, nil)
		})
	}
	if err != nil {
		c.bound.Store(false)
		c.lastBind.Store(nil)
		fields["error"] = err.Error()
		LogConnectionEvent(c.logCtx, "authentication_failed", fields)
		return nil, err
	}

	c.lastBind.Store(resp)
	c.bound.Store(resp.OK())
	if !resp.OK() {
		if resp.Result != nil {
			fields["result_code"] = resp.Result.Code
			fields["diagnostic"] = resp.Result.Diagnostic
		}
		LogConnectionEvent(c.logCtx, "authentication_failed", fields)
		return resp, nil
	}

	LogConnectionEvent(c.logCtx, "authentication_success", fields)
	c.refreshCapabilities(ctx)
	return resp, nil
}

// refreshCapabilities reads the root DSE when the server asks for it.
// Failures are logged and leave the previous capabilities in place.
func (c *Connection) refreshCapabilities(ctx context.Context) {
	server := c.strategy.Server()
	if server == nil || server.GetInfo != InfoDSA {
		return
	}

	resp, err := c.roundTrip(ctx, rootDSERequest(), nil)
	switch {
	case err != nil:
		tflog.SubsystemDebug(c.logCtx, subsystemLDAP, "Capability refresh failed", map[string]any{
			"error": err.Error(),
		})
		return
	case !resp.OK() || len(resp.Entries) == 0:
		tflog.SubsystemDebug(c.logCtx, subsystemLDAP, "Capability refresh returned no root DSE", map[string]any{
			"result": resp.Result.Description(),
		})
		return
	}

	capabilities := parseCapabilities(resp.Entries[0])
	c.capabilities.Store(capabilities)

	tflog.SubsystemDebug(c.logCtx, subsystemLDAP, "Server capabilities refreshed", map[string]any{
		"server_url":     server.URL(),
		"sasl_mechs":     strings.Join(capabilities.SupportedSASLMechanisms, ","),
		"naming_context": capabilities.DefaultNamingContext,
	})
}

// resume restores TLS and authentication on a restarted inner strategy.
func (c *Connection) resume(ctx context.Context, inner Strategy) error {
	if c.tlsStarted.Load() {
		resp, err := startTLS(ctx, inner)
		if err != nil {
			return err
		}
		if !resp.OK() {
			return resp.Err()
		}
	}

	if !c.bound.Load() || c.negotiator.InProgress() {
		return nil
	}

	resp, err := c.negotiator.bind(ctx, c.config, inner.Server(), func(ctx context.Context, req *BindRequest) (*Response, error) {
		return call(ctx, inner, req, nil)
	})
	if err != nil {
		return err
	}
	if !resp.OK() {
		c.bound.Store(false)
		return resp.Err()
	}
	return nil
}

// newPoolMember opens one bound synchronous connection sharing this
// connection's servers, credentials and usage counters.
func (c *Connection) newPoolMember(ctx context.Context) (*Connection, error) {
	cfg := *c.config
	cfg.Strategy = StrategySync
	cfg.AutoBind = true
	cfg.Lazy = false
	cfg.CollectUsage = false

	opts := []Option{
		WithConfig(&cfg),
		WithServerPool(c.pool),
		WithLogContext(tflog.SubsystemSetField(c.logCtx, subsystemPool, "pool_connection_id", c.id)),
		withUsage(c.usage),
	}
	for _, mechanism := range c.mechanisms {
		opts = append(opts, WithSASLMechanism(mechanism))
	}
	return NewConnection(ctx, nil, opts...)
}

// Unbind sends an unbind request and tears down the strategy. It is a no-op
// on a closed connection. The connection is closed and unbound afterwards
// whether or not the unbind could be sent.
func (c *Connection) Unbind(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.opened.Load() {
		return nil
	}

	return LogOperation(c.logCtx, subsystemLDAP, "unbind", nil, func() error {
		if _, err := c.strategy.Send(ctx, &UnbindRequest{}, nil); err != nil {
			tflog.SubsystemDebug(c.logCtx, subsystemLDAP, "Unbind request not sent", map[string]any{
				"error": err.Error(),
			})
		}

		err := c.strategy.Close()

		c.opened.Store(false)
		c.bound.Store(false)
		c.tlsStarted.Store(false)
		c.lastBind.Store(nil)
		if c.ownsUsage {
			c.usage.Stop()
		}
		return err
	})
}

// Close is Unbind without a caller context.
func (c *Connection) Close() error {
	return c.Unbind(context.Background())
}

// Search runs a search and returns every entry and reference it produced.
func (c *Connection) Search(ctx context.Context, req *SearchRequest, controls ...ldap.Control) (*Response, error) {
	if req == nil {
		return nil, newUsageError("search", fmt.Errorf("search request is nil"))
	}
	return c.do(ctx, req.normalized(), controls)
}

// Compare asserts value for attribute on dn. The response is OK when the
// server answered compareTrue; compareFalse is not an error.
func (c *Connection) Compare(ctx context.Context, dn, attribute, value string, controls ...ldap.Control) (*Response, error) {
	return c.do(ctx, &CompareRequest{DN: dn, Attribute: attribute, Value: value}, controls)
}

// Add creates dn. objectClass values are merged case-insensitively with any
// objectClass present in attributes; at least one is required.
func (c *Connection) Add(ctx context.Context, dn string, objectClass []string, attributes map[string][]string, controls ...ldap.Control) (*Response, error) {
	return c.do(ctx, &AddRequest{DN: dn, Attributes: mergeObjectClass(objectClass, attributes)}, controls)
}

// mergeObjectClass returns a copy of attributes whose objectClass values
// combine both sources without case-insensitive duplicates.
func mergeObjectClass(objectClass []string, attributes map[string][]string) map[string][]string {
	merged := make(map[string][]string, len(attributes)+1)
	classes := objectClass
	for name, values := range attributes {
		if strings.EqualFold(name, "objectClass") {
			classes = append(classes[:len(classes):len(classes)], values...)
			continue
		}
		merged[name] = values
	}

	seen := make(map[string]bool, len(classes))
	var unique []string
	for _, class := range classes {
		key := strings.ToLower(strings.TrimSpace(class))
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		unique = append(unique, class)
	}
	if len(unique) > 0 {
		merged["objectClass"] = unique
	}
	return merged
}

// Delete removes the leaf entry dn.
func (c *Connection) Delete(ctx context.Context, dn string, controls ...ldap.Control) (*Response, error) {
	return c.do(ctx, &DeleteRequest{DN: dn}, controls)
}

// Modify applies changes to dn in order. Malformed change lists are rejected
// before anything is sent.
func (c *Connection) Modify(ctx context.Context, dn string, changes []Change, controls ...ldap.Control) (*Response, error) {
	return c.do(ctx, &ModifyRequest{DN: dn, Changes: changes}, controls)
}

// ModifyDN renames dn to newRDN and, when newSuperior is set, moves it. A
// move must keep the entry's current relative name.
func (c *Connection) ModifyDN(ctx context.Context, dn, newRDN string, deleteOldRDN bool, newSuperior string, controls ...ldap.Control) (*Response, error) {
	return c.do(ctx, &ModifyDNRequest{
		DN:           dn,
		NewRDN:       newRDN,
		DeleteOldRDN: deleteOldRDN,
		NewSuperior:  newSuperior,
	}, controls)
}

// Extended runs the extended operation name with an optional value.
func (c *Connection) Extended(ctx context.Context, name string, value []byte, controls ...ldap.Control) (*Response, error) {
	return c.do(ctx, &ExtendedRequest{Name: name, Value: value}, controls)
}

// Abandon asks the server to stop processing id and discards any late
// response for it. It reports false without sending anything when id is not
// outstanding or names a bind, unbind or abandon request. If the abandon
// request cannot be sent, id is still dropped locally.
func (c *Connection) Abandon(ctx context.Context, id MessageID) (bool, error) {
	var (
		entry     OutstandingEntry
		abandoned bool
		err       error
	)
	if a, ok := c.strategy.(abandoner); ok {
		entry, abandoned, err = a.abandon(ctx, id)
	} else {
		entry, abandoned, err = abandonOn(ctx, c.strategy, id)
	}
	if err != nil || !abandoned {
		return false, err
	}

	tflog.SubsystemDebug(c.logCtx, subsystemLDAP, "Request abandoned", map[string]any{
		"message_id": int64(id),
		"kind":       entry.Kind.String(),
	})
	return true, nil
}

// abandoner is implemented by strategies that map caller message ids onto
// requests they track elsewhere.
type abandoner interface {
	abandon(ctx context.Context, id MessageID) (OutstandingEntry, bool, error)
}

func abandonable(entry OutstandingEntry) bool {
	switch entry.Kind {
	case OpBind, OpUnbind, OpAbandon:
		return false
	}
	return true
}

// abandonOn takes id out of the outstanding table of s and sends the
// abandon request for it.
func abandonOn(ctx context.Context, s Strategy, id MessageID) (OutstandingEntry, bool, error) {
	entry, ok := s.Outstanding().Take(id, abandonable)
	if !ok {
		return OutstandingEntry{}, false, nil
	}
	if _, err := s.Send(ctx, &AbandonRequest{MessageID: id}, nil); err != nil {
		return entry, false, err
	}
	return entry, true, nil
}

// Submit sends req without waiting for its response. Collect the response
// with GetResponse. Submit does not take the façade lock, so several
// requests may be in flight at once.
func (c *Connection) Submit(ctx context.Context, req Request, controls ...ldap.Control) (MessageID, error) {
	if req == nil {
		return 0, newUsageError("submit", fmt.Errorf("request is nil"))
	}
	if search, ok := req.(*SearchRequest); ok {
		req = search.normalized()
	}
	if err := validateRequest(req); err != nil {
		return 0, err
	}

	c.mu.Lock()
	err := c.ensureOpenLocked(ctx)
	c.mu.Unlock()
	if err != nil {
		return 0, err
	}

	return c.strategy.Send(ctx, req, controls)
}

// GetResponse blocks until the response for id is available or ctx ends.
func (c *Connection) GetResponse(ctx context.Context, id MessageID) (*Response, error) {
	return c.strategy.GetResponse(ctx, id)
}

// PagedSearch streams the entries of req page by page. See PagedSearch.
func (c *Connection) PagedSearch(ctx context.Context, req *SearchRequest, pageSize uint32, critical bool) iter.Seq2[*ldap.Entry, error] {
	return PagedSearch(ctx, c, req, pageSize, critical)
}

// PagedSearchAll returns every entry of a paged search in order.
func (c *Connection) PagedSearchAll(ctx context.Context, req *SearchRequest, pageSize uint32, critical bool) ([]*ldap.Entry, error) {
	return PagedSearchAll(ctx, c, req, pageSize, critical)
}

// State returns the lifecycle state.
func (c *Connection) State() ConnectionState {
	switch {
	case !c.live():
		return StateClosed
	case c.bound.Load():
		return StateBound
	default:
		return StateOpen
	}
}

// Bound reports whether the last bind succeeded.
func (c *Connection) Bound() bool {
	return c.bound.Load() && c.live()
}

// Closed reports whether the connection has no open transport.
func (c *Connection) Closed() bool {
	return !c.live()
}

// Capabilities returns the most recently read server capabilities, or nil.
func (c *Connection) Capabilities() *ServerCapabilities {
	return c.capabilities.Load()
}

// Usage returns the usage counters, or nil when usage is not collected.
func (c *Connection) Usage() *UsageCounters {
	return c.usage
}

// Server returns the server of the current session.
func (c *Connection) Server() *Server {
	return c.strategy.Server()
}

// Strategy returns the execution strategy.
func (c *Connection) Strategy() Strategy {
	return c.strategy
}
