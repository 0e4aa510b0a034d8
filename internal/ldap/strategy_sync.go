package ldap

import (
	"context"
	"errors"
	"sync"

	"github.com/go-ldap/ldap/v3"
	"github.com/hashicorp/terraform-plugin-log/tflog"
)

// SyncStrategy performs I/O on the calling goroutine. Send reads until the
// request's final response has arrived, so GetResponse never blocks.
type SyncStrategy struct {
	stream

	opMu  sync.Mutex // one request on the wire at a time
	table *OutstandingTable
}

// NewSyncStrategy creates a synchronous strategy.
func NewSyncStrategy(deps strategyDeps) *SyncStrategy {
	return &SyncStrategy{
		stream: stream{strategyDeps: deps},
		table:  NewOutstandingTable(),
	}
}

func (s *SyncStrategy) Open(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if s.connected() {
		return nil
	}
	s.table.Reset(NewConnectionError("connection reopened", false, ErrConnectionClosed))
	return s.connect(ctx)
}

func (s *SyncStrategy) Close() error {
	err := s.disconnect()
	s.table.FailAll(NewConnectionError("connection closed", false, ErrConnectionClosed))
	return err
}

func (s *SyncStrategy) Send(ctx context.Context, req Request, controls []ldap.Control) (MessageID, error) {
	s.opMu.Lock()
	defer s.opMu.Unlock()

	if _, err := s.current(); err != nil {
		return 0, err
	}

	id := s.table.NextID()
	expects := req.Kind().expectsResponse()
	if expects {
		if err := s.table.Add(id, req, controls); err != nil {
			return 0, err
		}
	}

	if err := s.write(ctx, id, req, controls); err != nil {
		s.table.Remove(id)
		s.lose(err)
		return 0, err
	}

	if !expects {
		return id, nil
	}

	for !s.table.Completed(id) {
		msg, err := s.read(ctx)
		if err != nil {
			s.table.Remove(id)
			s.lose(err)
			return 0, err
		}

		if msg.ID == 0 {
			if isNoticeOfDisconnection(msg) {
				err := disconnectionError(msg)
				_ = s.disconnect()
				s.table.FailAll(err)
				s.table.Remove(id)
				return 0, err
			}
			continue
		}

		if !s.table.Deliver(msg) {
			tflog.SubsystemDebug(s.logCtx, subsystemLDAP, "Discarding response for unknown message id", map[string]any{
				"message_id": int64(msg.ID),
			})
		}
	}

	return id, nil
}

// lose drops a transport that failed mid-exchange. A cancelled wait keeps
// it, as a late response is discarded by message id.
func (s *SyncStrategy) lose(err error) {
	if !IsTransportError(err) || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return
	}
	_ = s.disconnect()
}

func (s *SyncStrategy) GetResponse(ctx context.Context, id MessageID) (*Response, error) {
	return s.table.Wait(ctx, id)
}

func (s *SyncStrategy) Outstanding() *OutstandingTable {
	return s.table
}

func (s *SyncStrategy) Async() bool {
	return false
}

func (s *SyncStrategy) upgradeTLS(ctx context.Context) error {
	s.opMu.Lock()
	defer s.opMu.Unlock()
	return s.startTLS(ctx)
}
