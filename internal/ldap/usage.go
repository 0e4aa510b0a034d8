package ldap

import (
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/VictoriaMetrics/metrics"
)

// allOperationKinds lists every OperationKind in declaration order.
var allOperationKinds = []OperationKind{
	OpBind, OpUnbind, OpSearch, OpModify, OpAdd, OpDelete, OpModifyDN, OpCompare, OpAbandon, OpExtended,
}

// UsageCounters accounts for the traffic of one Connection.
//
// Counters only move between Start and Stop. Start resets everything; Stop
// freezes the values until the next Start.
type UsageCounters struct {
	mu      sync.Mutex
	set     *metrics.Set
	prefix  string
	running bool
	started time.Time
	stopped time.Time

	bind, unbind, search, modify, add, del, modifyDN, compare, abandon, extended *metrics.Counter

	bytesTransmitted    *metrics.Counter
	bytesReceived       *metrics.Counter
	messagesTransmitted *metrics.Counter
	messagesReceived    *metrics.Counter
	socketsOpened       *metrics.Counter
	socketsClosed       *metrics.Counter
	restarts            *metrics.Counter
}

// UsageSnapshot is a point-in-time copy of UsageCounters.
type UsageSnapshot struct {
	Operations          map[OperationKind]uint64
	BytesTransmitted    uint64
	BytesReceived       uint64
	MessagesTransmitted uint64
	MessagesReceived    uint64
	SocketsOpened       uint64
	SocketsClosed       uint64
	Restarts            uint64
	Started             time.Time
	Stopped             time.Time
}

// NewUsageCounters creates counters registered in a private metrics set
// under the given name prefix.
func NewUsageCounters(prefix string) *UsageCounters {
	if prefix == "" {
		prefix = "ldap"
	}
	u := &UsageCounters{
		set:    metrics.NewSet(),
		prefix: prefix,
	}

	operation := func(kind OperationKind) *metrics.Counter {
		return u.set.NewCounter(fmt.Sprintf(`%s_operations_total{kind="%s"}`, prefix, kind))
	}
	u.bind = operation(OpBind)
	u.unbind = operation(OpUnbind)
	u.search = operation(OpSearch)
	u.modify = operation(OpModify)
	u.add = operation(OpAdd)
	u.del = operation(OpDelete)
	u.modifyDN = operation(OpModifyDN)
	u.compare = operation(OpCompare)
	u.abandon = operation(OpAbandon)
	u.extended = operation(OpExtended)

	u.bytesTransmitted = u.set.NewCounter(prefix + "_bytes_transmitted_total")
	u.bytesReceived = u.set.NewCounter(prefix + "_bytes_received_total")
	u.messagesTransmitted = u.set.NewCounter(prefix + "_messages_transmitted_total")
	u.messagesReceived = u.set.NewCounter(prefix + "_messages_received_total")
	u.socketsOpened = u.set.NewCounter(prefix + "_sockets_opened_total")
	u.socketsClosed = u.set.NewCounter(prefix + "_sockets_closed_total")
	u.restarts = u.set.NewCounter(prefix + "_restarts_total")

	return u
}

// operationCounter selects the counter for a transmitted request kind.
func (u *UsageCounters) operationCounter(kind OperationKind) (*metrics.Counter, error) {
	switch kind {
	case OpBind:
		return u.bind, nil
	case OpUnbind:
		return u.unbind, nil
	case OpSearch:
		return u.search, nil
	case OpModify:
		return u.modify, nil
	case OpAdd:
		return u.add, nil
	case OpDelete:
		return u.del, nil
	case OpModifyDN:
		return u.modifyDN, nil
	case OpCompare:
		return u.compare, nil
	case OpAbandon:
		return u.abandon, nil
	case OpExtended:
		return u.extended, nil
	default:
		return nil, newInternalError("usage", fmt.Errorf("%w: %d", ErrUnknownOperation, int(kind)))
	}
}

func (u *UsageCounters) all() []*metrics.Counter {
	return []*metrics.Counter{
		u.bind, u.unbind, u.search, u.modify, u.add, u.del, u.modifyDN, u.compare, u.abandon, u.extended,
		u.bytesTransmitted, u.bytesReceived, u.messagesTransmitted, u.messagesReceived,
		u.socketsOpened, u.socketsClosed, u.restarts,
	}
}

// Start resets every counter and begins accounting.
func (u *UsageCounters) Start() {
	u.mu.Lock()
	defer u.mu.Unlock()

	for _, counter := range u.all() {
		counter.Set(0)
	}
	u.started = time.Now()
	u.stopped = time.Time{}
	u.running = true
}

// Stop freezes the counters.
func (u *UsageCounters) Stop() {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.running {
		return
	}
	u.stopped = time.Now()
	u.running = false
}

// Running reports whether the counters are accumulating.
func (u *UsageCounters) Running() bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	return u.running
}

// Transmitted records one outbound message of the given kind.
func (u *UsageCounters) Transmitted(kind OperationKind, size int) error {
	counter, err := u.operationCounter(kind)
	if err != nil {
		return err
	}

	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.running {
		return nil
	}
	counter.Inc()
	u.messagesTransmitted.Inc()
	u.bytesTransmitted.Add(size)
	return nil
}

// Received records one inbound message.
func (u *UsageCounters) Received(size int) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if !u.running {
		return
	}
	u.messagesReceived.Inc()
	u.bytesReceived.Add(size)
}

// SocketOpened records a transport being opened.
func (u *UsageCounters) SocketOpened() { u.inc(u.socketsOpened) }

// SocketClosed records a transport being closed.
func (u *UsageCounters) SocketClosed() { u.inc(u.socketsClosed) }

// Restarted records a restart onto a new transport.
func (u *UsageCounters) Restarted() { u.inc(u.restarts) }

func (u *UsageCounters) inc(counter *metrics.Counter) {
	u.mu.Lock()
	defer u.mu.Unlock()

	if u.running {
		counter.Inc()
	}
}

// Elapsed returns the accounting duration: stop minus start once stopped,
// now minus start while running. It reports false if never started.
func (u *UsageCounters) Elapsed() (time.Duration, bool) {
	u.mu.Lock()
	defer u.mu.Unlock()

	switch {
	case u.started.IsZero():
		return 0, false
	case u.running:
		return time.Since(u.started), true
	default:
		return u.stopped.Sub(u.started), true
	}
}

// Snapshot copies the current counter values.
func (u *UsageCounters) Snapshot() UsageSnapshot {
	u.mu.Lock()
	defer u.mu.Unlock()

	snapshot := UsageSnapshot{
		Operations:          make(map[OperationKind]uint64, len(allOperationKinds)),
		BytesTransmitted:    u.bytesTransmitted.Get(),
		BytesReceived:       u.bytesReceived.Get(),
		MessagesTransmitted: u.messagesTransmitted.Get(),
		MessagesReceived:    u.messagesReceived.Get(),
		SocketsOpened:       u.socketsOpened.Get(),
		SocketsClosed:       u.socketsClosed.Get(),
		Restarts:            u.restarts.Get(),
		Started:             u.started,
		Stopped:             u.stopped,
	}
	for _, kind := range allOperationKinds {
		counter, _ := u.operationCounter(kind)
		snapshot.Operations[kind] = counter.Get()
	}
	return snapshot
}

// WritePrometheus writes the counters in Prometheus text format.
func (u *UsageCounters) WritePrometheus(w io.Writer) {
	u.set.WritePrometheus(w)
}

func (u *UsageCounters) String() string {
	elapsed, ok := u.Elapsed()
	if !ok {
		return "usage: not started"
	}

	s := u.Snapshot()
	var b strings.Builder
	fmt.Fprintf(&b, "usage: elapsed %s", elapsed.Round(time.Millisecond))
	if !s.Stopped.IsZero() {
		b.WriteString(" (stopped)")
	}
	fmt.Fprintf(&b, ", sockets %d opened %d closed, %d restarts",
		s.SocketsOpened, s.SocketsClosed, s.Restarts)
	fmt.Fprintf(&b, ", transmitted %d messages (%d bytes), received %d messages (%d bytes)",
		s.MessagesTransmitted, s.BytesTransmitted, s.MessagesReceived, s.BytesReceived)
	for _, kind := range allOperationKinds {
		if n := s.Operations[kind]; n > 0 {
			fmt.Fprintf(&b, ", %s %d", kind, n)
		}
	}
	return b.String()
}
