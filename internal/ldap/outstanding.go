package ldap

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/go-ldap/ldap/v3"
)

// OutstandingEntry describes one in-flight request.
type OutstandingEntry struct {
	ID        MessageID
	Kind      OperationKind
	Submitted time.Time
	Request   Request
	Controls  []ldap.Control
}

type pendingRequest struct {
	OutstandingEntry

	response *Response
	err      error
	done     chan struct{}
}

func (p *pendingRequest) finish(err error) {
	p.err = err
	close(p.done)
}

// OutstandingTable correlates responses with requests by message id.
// Requests move from outstanding to completed when their final message is
// delivered, and leave the table when collected by Wait or dropped by Remove.
type OutstandingTable struct {
	mu        sync.Mutex
	nextID    MessageID
	entries   map[MessageID]*pendingRequest
	completed map[MessageID]*pendingRequest
}

// NewOutstandingTable returns an empty table whose first id is 1.
func NewOutstandingTable() *OutstandingTable {
	return &OutstandingTable{
		entries:   make(map[MessageID]*pendingRequest),
		completed: make(map[MessageID]*pendingRequest),
	}
}

// NextID returns the next message id. Ids strictly increase for the life of
// the table.
func (t *OutstandingTable) NextID() MessageID {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.nextID++
	return t.nextID
}

// Add registers a request under id.
func (t *OutstandingTable) Add(id MessageID, req Request, controls []ldap.Control) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, exists := t.entries[id]; exists {
		return newInternalError("outstanding_add", fmt.Errorf("message id %d is already outstanding", id))
	}
	if _, exists := t.completed[id]; exists {
		return newInternalError("outstanding_add", fmt.Errorf("message id %d has an uncollected response", id))
	}

	t.entries[id] = &pendingRequest{
		OutstandingEntry: OutstandingEntry{
			ID:        id,
			Kind:      req.Kind(),
			Submitted: time.Now(),
			Request:   req,
			Controls:  controls,
		},
		response: &Response{ID: id, Kind: req.Kind()},
		done:     make(chan struct{}),
	}
	return nil
}

// Get returns the outstanding entry for id. Completed requests are not
// outstanding.
func (t *OutstandingTable) Get(id MessageID) (OutstandingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.entries[id]
	if !ok {
		return OutstandingEntry{}, false
	}
	return p.OutstandingEntry, true
}

// Deliver routes a received message to its request. It returns false when
// no request is outstanding under the message id, in which case the
// message is discarded.
func (t *OutstandingTable) Deliver(msg *Message) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.entries[msg.ID]
	if !ok {
		return false
	}

	if p.response.absorb(msg) {
		delete(t.entries, msg.ID)
		t.completed[msg.ID] = p
		p.finish(nil)
	}
	return true
}

// Complete posts a finished response for id, as produced by strategies
// that execute a request elsewhere. It returns false if id is not outstanding.
func (t *OutstandingTable) Complete(id MessageID, resp *Response, err error) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.entries[id]
	if !ok {
		return false
	}

	if resp != nil {
		resp.ID = id
		p.response = resp
	}
	delete(t.entries, id)
	t.completed[id] = p
	p.finish(err)
	return true
}

// Completed reports whether id has a response waiting to be collected.
func (t *OutstandingTable) Completed(id MessageID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	_, ok := t.completed[id]
	return ok
}

// Wait blocks until the request under id completes or ctx ends, then
// removes it from the table and returns its response.
func (t *OutstandingTable) Wait(ctx context.Context, id MessageID) (*Response, error) {
	t.mu.Lock()
	p, ok := t.completed[id]
	if !ok {
		p, ok = t.entries[id]
	}
	t.mu.Unlock()

	if !ok {
		return nil, newUsageError("get_response", fmt.Errorf("%w: %d", ErrUnknownMessageID, id))
	}

	select {
	case <-p.done:
	case <-ctx.Done():
		return nil, NewConnectionError(fmt.Sprintf("waiting for message %d", id), false, ctx.Err())
	}

	t.mu.Lock()
	if t.completed[id] == p {
		delete(t.completed, id)
	}
	t.mu.Unlock()

	if p.err != nil {
		return nil, p.err
	}
	return p.response, nil
}

// Remove drops id from the table and wakes any waiter with ErrAbandoned.
// Removing an absent id is a no-op and reports false.
func (t *OutstandingTable) Remove(id MessageID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if p, ok := t.entries[id]; ok {
		delete(t.entries, id)
		p.finish(ErrAbandoned)
		return true
	}
	if _, ok := t.completed[id]; ok {
		delete(t.completed, id)
		return true
	}
	return false
}

// Take removes id if it is still outstanding and keep accepts it, waking any
// waiter with ErrAbandoned. The check and the removal are one step, so a
// final message delivered concurrently either completes the request or is
// discarded, never both.
func (t *OutstandingTable) Take(id MessageID, keep func(OutstandingEntry) bool) (OutstandingEntry, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	p, ok := t.entries[id]
	if !ok || (keep != nil && !keep(p.OutstandingEntry)) {
		return OutstandingEntry{}, false
	}
	delete(t.entries, id)
	p.finish(ErrAbandoned)
	return p.OutstandingEntry, true
}

// FailAll completes every outstanding request with err.
func (t *OutstandingTable) FailAll(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for id, p := range t.entries {
		delete(t.entries, id)
		t.completed[id] = p
		p.finish(err)
	}
}

// Reset fails everything outstanding, drops uncollected responses and
// restarts message ids at 1.
func (t *OutstandingTable) Reset(err error) {
	t.FailAll(err)

	t.mu.Lock()
	defer t.mu.Unlock()

	clear(t.completed)
	t.nextID = 0
}

// Len returns the number of outstanding requests.
func (t *OutstandingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.entries)
}
