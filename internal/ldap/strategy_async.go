package ldap

import (
	"context"
	"errors"
	"sync"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// AsyncStrategy runs one background receiver per transport. Send returns as
// soon as the request is written; the receiver routes every inbound message
// to the outstanding table by message id.
type AsyncStrategy struct {
	stream

	table *OutstandingTable

	lifeMu   sync.Mutex // guards cancel and receiver
	cancel   context.CancelFunc
	receiver sync.WaitGroup

	brokenMu sync.Mutex
	broken   error
}

// NewAsyncStrategy creates a threaded asynchronous strategy.
func NewAsyncStrategy(deps strategyDeps) *AsyncStrategy {
	return &AsyncStrategy{
		stream: stream{strategyDeps: deps},
		table:  NewOutstandingTable(),
	}
}

func (a *AsyncStrategy) Open(ctx context.Context) error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()

	if a.connected() {
		return nil
	}

	a.stopReceiverLocked()
	a.table.Reset(NewConnectionError("connection reopened", false, ErrConnectionClosed))
	if err := a.connect(ctx); err != nil {
		return err
	}

	rctx, cancel := context.WithCancel(context.WithoutCancel(a.logCtx))
	a.cancel = cancel
	a.brokenMu.Lock()
	a.broken = nil
	a.brokenMu.Unlock()
	a.receiver.Go(func() {
		a.receive(rctx)
	})
	return nil
}

func (a *AsyncStrategy) Close() error {
	a.lifeMu.Lock()
	defer a.lifeMu.Unlock()

	err := a.stopReceiverLocked()
	a.table.FailAll(NewConnectionError("connection closed", false, ErrConnectionClosed))
	return err
}

// stopReceiverLocked cancels the receiver, closes the transport and waits
// for the receiver to exit.
func (a *AsyncStrategy) stopReceiverLocked() error {
	if a.cancel != nil {
		a.cancel()
		a.cancel = nil
	}
	err := a.disconnect()
	a.receiver.Wait()
	return err
}

func (a *AsyncStrategy) receive(ctx context.Context) {
	tflog.SubsystemDebug(a.logCtx, subsystemLDAP, "Receiver started")

	for {
		msg, err := a.read(ctx)
		if err != nil {
			if ctx.Err() == nil && !errors.Is(err, ErrConnectionClosed) {
				LogConnectionEvent(a.logCtx, "connection_lost", map[string]any{
					"error":       err.Error(),
					"outstanding": a.table.Len(),
				})
			}
			a.fail(err)
			_ = a.disconnect()
			return
		}

		if msg.ID == 0 {
			if isNoticeOfDisconnection(msg) {
				err := disconnectionError(msg)
				LogConnectionEvent(a.logCtx, "connection_lost", map[string]any{
					"error":       err.Error(),
					"outstanding": a.table.Len(),
				})
				a.fail(err)
				_ = a.disconnect()
				return
			}
			tflog.SubsystemDebug(a.logCtx, subsystemLDAP, "Ignoring unsolicited notification", map[string]any{
				"tag": uint64(msg.Op),
			})
			continue
		}

		if !a.table.Deliver(msg) {
			tflog.SubsystemDebug(a.logCtx, subsystemLDAP, "Discarding response for unknown message id", map[string]any{
				"message_id": int64(msg.ID),
			})
		}
	}
}

// fail marks the strategy broken and completes every pending request.
func (a *AsyncStrategy) fail(err error) {
	a.brokenMu.Lock()
	if a.broken == nil {
		a.broken = err
	}
	a.brokenMu.Unlock()

	a.table.FailAll(err)
}

// connected reports whether the transport is open and the receiver alive.
func (a *AsyncStrategy) connected() bool {
	return a.stream.connected() && a.brokenErr() == nil
}

func (a *AsyncStrategy) brokenErr() error {
	a.brokenMu.Lock()
	defer a.brokenMu.Unlock()
	return a.broken
}

func (a *AsyncStrategy) Send(ctx context.Context, req Request, controls []ldap.Control) (MessageID, error) {
	if err := a.brokenErr(); err != nil {
		return 0, err
	}
	if _, err := a.current(); err != nil {
		return 0, err
	}

	id := a.table.NextID()
	if req.Kind().expectsResponse() {
		if err := a.table.Add(id, req, controls); err != nil {
			return 0, err
		}
	}

	if err := a.write(ctx, id, req, controls); err != nil {
		a.table.Remove(id)
		return 0, err
	}

	// The receiver may have failed between Add and the write.
	if err := a.brokenErr(); err != nil {
		a.table.Complete(id, nil, err)
	}
	return id, nil
}

func (a *AsyncStrategy) GetResponse(ctx context.Context, id MessageID) (*Response, error) {
	return a.table.Wait(ctx, id)
}

func (a *AsyncStrategy) Outstanding() *OutstandingTable {
	return a.table
}

func (a *AsyncStrategy) Async() bool {
	return true
}
