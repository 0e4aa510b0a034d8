package ldap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// RestartableStrategy wraps a Sync or Async strategy. When the inner
// transport fails it moves to the next server of the pool, restores the
// session through the resume hook and replays the request if repeating it
// cannot change directory state.
type RestartableStrategy struct {
	deps     strategyDeps
	newInner func() Strategy
	config   *ConnectionConfig

	// resume restores session state (TLS, bind) on a freshly opened inner
	// strategy before any request is replayed.
	resume func(ctx context.Context, inner Strategy) error

	mu      sync.Mutex // guards inner, started and handles
	inner   Strategy
	started bool
	handles map[MessageID]restartHandle

	table *OutstandingTable
}

type restartHandle struct {
	inner Strategy
	id    MessageID
}

// NewRestartableStrategy creates a restartable strategy over the inner
// strategy type named by config.RestartInner.
func NewRestartableStrategy(deps strategyDeps, config *ConnectionConfig) *RestartableStrategy {
	r := &RestartableStrategy{
		deps:    deps,
		config:  config,
		handles: make(map[MessageID]restartHandle),
		table:   NewOutstandingTable(),
	}
	r.newInner = func() Strategy {
		if config.RestartInner == StrategyAsync {
			return NewAsyncStrategy(deps)
		}
		return NewSyncStrategy(deps)
	}
	return r
}

// setResume installs the session restore hook.
func (r *RestartableStrategy) setResume(resume func(ctx context.Context, inner Strategy) error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.resume = resume
}

func (r *RestartableStrategy) Open(ctx context.Context) error {
	return r.withRestart(ctx, "open", true, func(Strategy) error { return nil })
}

func (r *RestartableStrategy) Close() error {
	r.mu.Lock()
	inner := r.inner
	r.inner = nil
	r.started = false
	clear(r.handles)
	r.mu.Unlock()

	r.table.FailAll(NewConnectionError("connection closed", false, ErrConnectionClosed))

	if inner == nil {
		return nil
	}
	return inner.Close()
}

// active returns the open inner strategy, opening one on the next pool
// server if needed. Every open after the first is a restart.
func (r *RestartableStrategy) active(ctx context.Context) (Strategy, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inner != nil {
		return r.inner, nil
	}

	inner := r.newInner()
	if err := inner.Open(ctx); err != nil {
		return nil, err
	}

	if r.started {
		if r.resume != nil {
			if err := r.resume(ctx, inner); err != nil {
				_ = inner.Close()
				return nil, err
			}
		}
		if r.deps.usage != nil {
			r.deps.usage.Restarted()
		}
		LogConnectionEvent(r.deps.logCtx, "connection_restarted", map[string]any{
			"server_url": inner.Server().URL(),
		})
	}

	r.inner = inner
	r.started = true
	return inner, nil
}

// discard drops the inner strategy if it is still current.
func (r *RestartableStrategy) discard(inner Strategy) {
	r.mu.Lock()
	current := r.inner == inner
	if current {
		r.inner = nil
	}
	r.mu.Unlock()

	if current {
		_ = inner.Close()
	}
}

// withRestart runs fn against the active inner strategy, restarting on
// retryable transport failures. When replay is false a failure of fn is
// returned after the restart is prepared, since repeating the request could
// apply it twice. Failures to open a transport always rotate, as nothing
// was sent.
func (r *RestartableStrategy) withRestart(ctx context.Context, operation string, replay bool, fn func(Strategy) error) error {
	var lastErr error
	backoff := r.config.InitialBackoff

	for attempt := 0; attempt <= r.config.MaxRetries; attempt++ {
		if attempt > 0 {
			tflog.SubsystemDebug(r.deps.logCtx, subsystemLDAP, "Retrying operation", map[string]any{
				"operation":  operation,
				"attempt":    attempt,
				"max_retry":  r.config.MaxRetries,
				"last_error": lastErr.Error(),
			})
		}

		ran := false
		inner, err := r.active(ctx)
		if err == nil {
			ran = true
			err = fn(inner)
			if err != nil && IsTransportError(err) {
				r.discard(inner)
			}
		}
		if err == nil {
			if attempt > 0 {
				tflog.SubsystemInfo(r.deps.logCtx, subsystemLDAP, "Operation succeeded after restart", map[string]any{
					"operation":      operation,
					"total_attempts": attempt + 1,
				})
			}
			return nil
		}

		lastErr = err

		if !IsTransportError(err) || !IsRetryableError(err) {
			return err
		}

		if !replay && ran {
			tflog.SubsystemDebug(r.deps.logCtx, subsystemLDAP, "Not replaying operation with side effects", map[string]any{
				"operation": operation,
				"error":     err.Error(),
			})
			return err
		}

		if attempt == r.config.MaxRetries {
			break
		}

		// Back off once every server of the pool has been tried.
		if (attempt+1)%r.deps.pool.Len() == 0 {
			select {
			case <-ctx.Done():
				return NewConnectionError("operation cancelled during restart", false, ctx.Err())
			case <-time.After(backoff):
				backoff = min(time.Duration(float64(backoff)*r.config.BackoffFactor), r.config.MaxBackoff)
			}
		}
	}

	tflog.SubsystemError(r.deps.logCtx, subsystemLDAP, "Operation failed after all restarts exhausted", map[string]any{
		"operation":      operation,
		"total_attempts": r.config.MaxRetries + 1,
		"final_error":    lastErr.Error(),
	})

	return NewConnectionError("operation failed after restarts", false, lastErr)
}

func (r *RestartableStrategy) Send(ctx context.Context, req Request, controls []ldap.Control) (MessageID, error) {
	switch req := req.(type) {
	case *AbandonRequest:
		outer := r.table.NextID()
		if _, _, err := r.abandon(ctx, req.MessageID); err != nil {
			return 0, err
		}
		return outer, nil
	case *UnbindRequest:
		return r.sendUnbind(ctx, req)
	}

	kind := req.Kind()
	outer := r.table.NextID()
	if err := r.table.Add(outer, req, controls); err != nil {
		return 0, err
	}

	var handle restartHandle
	err := r.withRestart(ctx, kind.String(), kind.replayable(), func(inner Strategy) error {
		id, err := inner.Send(ctx, req, controls)
		if err != nil {
			return err
		}
		handle = restartHandle{inner: inner, id: id}
		return nil
	})
	if err != nil {
		r.table.Remove(outer)
		return 0, err
	}

	r.mu.Lock()
	r.handles[outer] = handle
	r.mu.Unlock()
	return outer, nil
}

func (r *RestartableStrategy) sendUnbind(ctx context.Context, req *UnbindRequest) (MessageID, error) {
	outer := r.table.NextID()

	r.mu.Lock()
	inner := r.inner
	r.mu.Unlock()

	if inner == nil {
		return outer, nil
	}
	if _, err := inner.Send(ctx, req, nil); err != nil {
		return 0, err
	}
	return outer, nil
}

// abandon translates id to the inner strategy's request. A request lost to
// a restart, or already answered on the inner transport, stays collectable
// and is reported as not abandoned.
func (r *RestartableStrategy) abandon(ctx context.Context, id MessageID) (OutstandingEntry, bool, error) {
	entry, ok := r.table.Get(id)
	if !ok || !abandonable(entry) {
		return OutstandingEntry{}, false, nil
	}

	r.mu.Lock()
	handle, known := r.handles[id]
	current := known && handle.inner == r.inner
	r.mu.Unlock()
	if !current {
		return OutstandingEntry{}, false, nil
	}

	_, abandoned, err := abandonOn(ctx, handle.inner, handle.id)
	if !abandoned && err == nil {
		return OutstandingEntry{}, false, nil
	}

	// The inner request is gone even when the abandon PDU was not sent.
	r.mu.Lock()
	delete(r.handles, id)
	r.mu.Unlock()
	r.table.Remove(id)
	return entry, abandoned, err
}

func (r *RestartableStrategy) GetResponse(ctx context.Context, id MessageID) (*Response, error) {
	entry, ok := r.table.Get(id)
	r.mu.Lock()
	handle, known := r.handles[id]
	r.mu.Unlock()

	if !ok || !known {
		return nil, newUsageError("get_response", fmt.Errorf("%w: %d", ErrUnknownMessageID, id))
	}

	defer func() {
		r.mu.Lock()
		delete(r.handles, id)
		r.mu.Unlock()
		r.table.Remove(id)
	}()

	var resp *Response
	replay := entry.Kind.replayable()
	err := r.withRestart(ctx, entry.Kind.String(), replay, func(inner Strategy) error {
		if handle.inner != inner {
			if !replay {
				return NewConnectionError("request lost in restart", false, ErrConnectionClosed)
			}
			replayed, err := inner.Send(ctx, entry.Request, entry.Controls)
			if err != nil {
				return err
			}
			handle = restartHandle{inner: inner, id: replayed}
		}

		var err error
		resp, err = handle.inner.GetResponse(ctx, handle.id)
		return err
	})
	if err != nil {
		return nil, err
	}

	out := *resp
	out.ID = id
	return &out, nil
}

func (r *RestartableStrategy) Outstanding() *OutstandingTable {
	return r.table
}

func (r *RestartableStrategy) Async() bool {
	return r.config.RestartInner == StrategyAsync
}

func (r *RestartableStrategy) Server() *Server {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.inner == nil {
		return nil
	}
	return r.inner.Server()
}

func (r *RestartableStrategy) upgradeTLS(ctx context.Context) error {
	r.mu.Lock()
	inner := r.inner
	r.mu.Unlock()

	starter, ok := inner.(tlsStarter)
	if inner == nil || !ok {
		return newUsageError("start_tls", ErrStartTLSUnsupported)
	}
	return starter.upgradeTLS(ctx)
}
