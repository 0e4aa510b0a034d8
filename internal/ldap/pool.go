package ldap

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
	"golang.org/x/sync/errgroup"
)

// poolMember is one bound connection owned by a PooledStrategy.
type poolMember struct {
	conn     *Connection
	index    int
	healthy  atomic.Bool
	lastUsed time.Time // written only by the goroutine holding the member
	fresh    bool      // bound since opened and not yet rebound by bindAll
}

// PooledStrategy executes each request synchronously on one of a fixed set
// of open, bound member connections. Callers block while every member is
// busy, up to PoolTimeout when one is configured.
type PooledStrategy struct {
	deps      strategyDeps
	config    *ConnectionConfig
	newMember func(ctx context.Context) (*Connection, error)

	mu        sync.RWMutex // guards members, idle, done and startTime
	members   []*poolMember
	idle      chan *poolMember
	done      chan struct{}
	startTime time.Time

	table *OutstandingTable

	// Statistics
	activeConns  atomic.Int64
	totalCreated atomic.Int64
	totalErrors  atomic.Int64

	// Health checking
	healthTicker *time.Ticker
	healthWg     sync.WaitGroup
}

// NewPooledStrategy creates a pooled strategy of config.PoolSize members
// built by newMember.
func NewPooledStrategy(deps strategyDeps, config *ConnectionConfig, newMember func(ctx context.Context) (*Connection, error)) *PooledStrategy {
	return &PooledStrategy{
		deps:      deps,
		config:    config,
		newMember: newMember,
		table:     NewOutstandingTable(),
	}
}

// Open opens and binds every member concurrently. Any member failure fails
// the whole pool.
func (p *PooledStrategy) Open(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.members != nil {
		return nil
	}

	start := time.Now()
	members := make([]*poolMember, p.config.PoolSize)

	g, gctx := errgroup.WithContext(ctx)
	for i := range members {
		g.Go(func() error {
			conn, err := p.newMember(gctx)
			if err != nil {
				p.totalErrors.Add(1)
				LogPoolEvent(p.deps.logCtx, "connection_failed", map[string]any{
					"member": i,
					"error":  err.Error(),
				})
				return err
			}
			p.totalCreated.Add(1)

			member := &poolMember{conn: conn, index: i, lastUsed: time.Now(), fresh: true}
			member.healthy.Store(true)
			members[i] = member
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		for _, member := range members {
			if member != nil {
				_ = member.conn.Close()
			}
		}
		LogPoolEvent(p.deps.logCtx, "pool_creation_failed", map[string]any{
			"pool_size": p.config.PoolSize,
			"error":     err.Error(),
		})
		return err
	}

	p.table.Reset(NewConnectionError("pool reopened", false, ErrConnectionClosed))
	p.idle = make(chan *poolMember, len(members))
	for _, member := range members {
		p.idle <- member
	}
	p.members = members
	p.done = make(chan struct{})
	p.startTime = time.Now()

	if p.config.HealthCheck > 0 {
		p.startHealthChecker(p.done)
	}

	LogPoolEvent(p.deps.logCtx, "pool_initialized", map[string]any{
		"pool_size":   len(members),
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return nil
}

// Close unbinds every idle member and fails outstanding requests. Members
// busy with an operation are closed when released.
func (p *PooledStrategy) Close() error {
	p.mu.Lock()
	if p.members == nil {
		p.mu.Unlock()
		p.table.FailAll(NewConnectionError("connection closed", false, ErrConnectionClosed))
		return nil
	}

	idle := p.idle
	p.members = nil
	p.idle = nil
	close(p.done)
	if p.healthTicker != nil {
		p.healthTicker.Stop()
		p.healthTicker = nil
	}
	p.mu.Unlock()

	p.healthWg.Wait()

	var errs []error
drain:
	for {
		select {
		case member := <-idle:
			errs = append(errs, member.conn.Close())
		default:
			break drain
		}
	}

	p.table.FailAll(NewConnectionError("connection closed", false, ErrConnectionClosed))

	LogPoolEvent(p.deps.logCtx, "pool_closed", map[string]any{
		"created": p.totalCreated.Load(),
		"errors":  p.totalErrors.Load(),
	})
	return errors.Join(errs...)
}

// acquire takes an idle member, reopening it first if it was marked
// unhealthy.
func (p *PooledStrategy) acquire(ctx context.Context) (*poolMember, error) {
	p.mu.RLock()
	idle, done := p.idle, p.done
	p.mu.RUnlock()

	if idle == nil {
		return nil, NewConnectionError("pool is not open", false, ErrConnectionClosed)
	}

	waitCtx := ctx
	if p.config.PoolTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.config.PoolTimeout)
		defer cancel()
	}

	var member *poolMember
	select {
	case member = <-idle:
	case <-done:
		return nil, NewConnectionError("pool is closed", false, ErrConnectionClosed)
	case <-waitCtx.Done():
		if ctx.Err() != nil {
			return nil, NewConnectionError("waiting for a pooled connection", false, ctx.Err())
		}
		LogPoolEvent(p.deps.logCtx, "pool_exhausted", map[string]any{
			"pool_size": cap(idle),
			"timeout":   p.config.PoolTimeout.String(),
		})
		return nil, NewConnectionError("pool acquisition timed out", true, ErrPoolTimeout)
	}

	if !member.healthy.Load() {
		if err := p.reopen(ctx, member); err != nil {
			p.release(member, err)
			return nil, err
		}
	}

	p.activeConns.Add(1)
	LogPoolEvent(p.deps.logCtx, "connection_acquired", map[string]any{
		"member": member.index,
		"active": p.activeConns.Load(),
	})
	return member, nil
}

// reopen replaces the member's transport and binds it again.
func (p *PooledStrategy) reopen(ctx context.Context, member *poolMember) error {
	_ = member.conn.Close()

	resp, err := member.conn.Bind(ctx)
	if err == nil && !resp.OK() {
		err = resp.Err()
	}
	if err != nil {
		p.totalErrors.Add(1)
		LogPoolEvent(p.deps.logCtx, "connection_failed", map[string]any{
			"member": member.index,
			"error":  err.Error(),
		})
		return err
	}

	p.totalCreated.Add(1)
	member.healthy.Store(true)
	member.fresh = true
	tflog.SubsystemDebug(p.deps.logCtx, subsystemPool, "Pool member reopened", map[string]any{
		"member":     member.index,
		"server_url": member.conn.Server().URL(),
	})
	return nil
}

// release returns a member to the idle set. A transport failure marks the
// member for reopening on its next acquisition.
func (p *PooledStrategy) release(member *poolMember, err error) {
	if err != nil && IsTransportError(err) {
		member.healthy.Store(false)
		p.totalErrors.Add(1)
	}
	member.lastUsed = time.Now()

	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.idle == nil {
		_ = member.conn.Close()
		return
	}
	p.idle <- member
}

func (p *PooledStrategy) Send(ctx context.Context, req Request, controls []ldap.Control) (MessageID, error) {
	// Members are never shared, so there is nothing to unbind or abandon
	// on the wire; the caller drops the table entry.
	switch req.Kind() {
	case OpUnbind, OpAbandon:
		return p.table.NextID(), nil
	}

	id := p.table.NextID()
	if err := p.table.Add(id, req, controls); err != nil {
		return 0, err
	}

	member, err := p.acquire(ctx)
	if err != nil {
		p.table.Remove(id)
		return 0, err
	}

	resp, err := member.conn.do(ctx, req, controls)
	p.activeConns.Add(-1)
	p.release(member, err)
	LogPoolEvent(p.deps.logCtx, "connection_released", map[string]any{
		"member": member.index,
	})

	if err != nil {
		p.table.Remove(id)
		return 0, err
	}

	if !p.table.Complete(id, resp, nil) {
		tflog.SubsystemDebug(p.deps.logCtx, subsystemPool, "Discarding response for abandoned request", map[string]any{
			"message_id": int64(id),
		})
	}
	return id, nil
}

func (p *PooledStrategy) GetResponse(ctx context.Context, id MessageID) (*Response, error) {
	return p.table.Wait(ctx, id)
}

// bindAll binds every member with the configured credentials. Members
// opened since the last bindAll were bound on open and report that bind. It
// holds the whole pool while binding.
func (p *PooledStrategy) bindAll(ctx context.Context) (*Response, error) {
	p.mu.RLock()
	size := len(p.members)
	p.mu.RUnlock()

	if size == 0 {
		return nil, NewConnectionError("pool is not open", false, ErrConnectionClosed)
	}

	held := make([]*poolMember, 0, size)
	for range size {
		member, err := p.acquire(ctx)
		if err != nil {
			for _, m := range held {
				p.activeConns.Add(-1)
				p.release(m, nil)
			}
			return nil, err
		}
		held = append(held, member)
	}

	responses := make([]*Response, len(held))
	errs := make([]error, len(held))

	g, gctx := errgroup.WithContext(ctx)
	for i, member := range held {
		if member.fresh {
			member.fresh = false
			if resp := member.conn.lastBind.Load(); resp != nil {
				responses[i] = resp
				continue
			}
		}
		g.Go(func() error {
			member.conn.mu.Lock()
			defer member.conn.mu.Unlock()
			responses[i], errs[i] = member.conn.bindLocked(gctx)
			return errs[i]
		})
	}
	err := g.Wait()

	for i, member := range held {
		p.activeConns.Add(-1)
		p.release(member, errs[i])
	}
	if err != nil {
		return nil, err
	}

	for _, resp := range responses {
		if !resp.OK() {
			return resp, nil
		}
	}
	return responses[0], nil
}

func (p *PooledStrategy) Outstanding() *OutstandingTable {
	return p.table
}

func (p *PooledStrategy) Async() bool {
	return false
}

// Server returns the server of the first member.
func (p *PooledStrategy) Server() *Server {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if len(p.members) == 0 {
		return nil
	}
	return p.members[0].conn.Server()
}

// Stats returns pool statistics.
func (p *PooledStrategy) Stats() PoolStats {
	p.mu.RLock()
	defer p.mu.RUnlock()

	stats := PoolStats{
		Total:   len(p.members),
		Active:  p.activeConns.Load(),
		Idle:    len(p.idle),
		Created: p.totalCreated.Load(),
		Errors:  p.totalErrors.Load(),
	}
	for _, member := range p.members {
		if !member.healthy.Load() {
			stats.Unhealthy++
		}
	}
	if !p.startTime.IsZero() && p.members != nil {
		stats.Uptime = time.Since(p.startTime)
	}
	return stats
}

// startHealthChecker starts the periodic health checker.
func (p *PooledStrategy) startHealthChecker(done <-chan struct{}) {
	p.healthTicker = time.NewTicker(p.config.HealthCheck)
	ticks := p.healthTicker.C

	p.healthWg.Go(func() {
		for {
			select {
			case <-ticks:
				p.performHealthCheck(done)
			case <-done:
				return
			}
		}
	})
}

// performHealthCheck probes the currently idle members with a root DSE
// search and marks failures unhealthy.
func (p *PooledStrategy) performHealthCheck(done <-chan struct{}) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(p.deps.logCtx), p.config.Timeout)
	defer cancel()
	go func() {
		select {
		case <-done:
			cancel()
		case <-ctx.Done():
		}
	}()

	p.mu.RLock()
	idle := p.idle
	p.mu.RUnlock()
	if idle == nil {
		return
	}

	var toCheck []*poolMember
collect:
	for range cap(idle) {
		select {
		case member := <-idle:
			toCheck = append(toCheck, member)
		default:
			break collect
		}
	}

	for _, member := range toCheck {
		var err error
		if member.healthy.Load() {
			_, err = member.conn.do(ctx, rootDSERequest("namingContexts"), nil)
		}
		if err != nil {
			member.healthy.Store(false)
			LogPoolEvent(p.deps.logCtx, "health_check_failed", map[string]any{
				"member": member.index,
				"error":  err.Error(),
			})
		}
		p.release(member, nil)
	}
}
