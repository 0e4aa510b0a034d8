package ldap

import (
	"context"
	"testing"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newFailoverPool(t *testing.T) *ServerPool {
	t.Helper()

	pool, err := NewServerPool(
		&Server{Host: "dc1.example.com", Port: 389},
		&Server{Host: "dc2.example.com", Port: 389},
	)
	require.NoError(t, err)
	return pool
}

// dropOn closes the client connection when a request with one of the tags
// reaches host.
func dropOn(host string, tags ...ber.Tag) handlerFunc {
	return func(t *fakeTransport, req *ldapRequest) []reply {
		if req.Server.Host != host {
			return nil
		}
		for _, tag := range tags {
			if req.Tag == tag {
				t.drop()
				return []reply{}
			}
		}
		return nil
	}
}

func TestRestartableStrategy_Failover(t *testing.T) {
	for _, inner := range []StrategyType{StrategySync, StrategyAsync} {
		t.Run(inner.String(), func(t *testing.T) {
			ctx := context.Background()
			dir := newFakeDirectory(chainHandlers(dropOn("dc1.example.com", ldap.ApplicationSearchRequest), defaultHandler))
			conn := newTestConnection(t, dir, &ConnectionConfig{
				Strategy:     StrategyRestartable,
				RestartInner: inner,
				User:         "cn=svc,o=test",
				Password:     "secret",
				CollectUsage: true,
			}, WithServerPool(newFailoverPool(t)))

			resp, err := conn.Bind(ctx)
			require.NoError(t, err)
			require.True(t, resp.OK())
			assert.Equal(t, "dc1.example.com", conn.Server().Host)

			resp, err = conn.Search(ctx, &SearchRequest{BaseDN: "o=test"})
			require.NoError(t, err)
			assert.True(t, resp.OK())
			assert.Equal(t, "dc2.example.com", conn.Server().Host)
			assert.True(t, conn.Bound())

			binds := dir.received(ldap.ApplicationBindRequest)
			require.Len(t, binds, 2)
			assert.Equal(t, "dc1.example.com", binds[0].Server.Host)
			assert.Equal(t, "dc2.example.com", binds[1].Server.Host)
			assert.Equal(t, "cn=svc,o=test", binds[1].bindName())
			assert.Equal(t, "secret", binds[1].bindPassword())

			searches := dir.received(ldap.ApplicationSearchRequest)
			require.Len(t, searches, 2)
			assert.Equal(t, "dc2.example.com", searches[1].Server.Host)

			usage := conn.Usage().Snapshot()
			assert.Equal(t, uint64(1), usage.Restarts)
			assert.Equal(t, uint64(2), usage.SocketsOpened)
			assert.Equal(t, 2, dir.dialCount())
		})
	}
}

func TestRestartableStrategy_NoReplayWithSideEffects(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory(chainHandlers(dropOn("dc1.example.com", ldap.ApplicationModifyRequest), defaultHandler))
	conn := newTestConnection(t, dir, &ConnectionConfig{Strategy: StrategyRestartable},
		WithServerPool(newFailoverPool(t)))

	_, err := conn.Bind(ctx)
	require.NoError(t, err)

	_, err = conn.Modify(ctx, "cn=a,o=test", []Change{{Type: ChangeReplace, Attribute: "description", Values: []string{"x"}}})
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.Len(t, dir.received(ldap.ApplicationModifyRequest), 1, "modify must not be sent twice")

	// The next operation restarts on the other server.
	resp, err := conn.Search(ctx, &SearchRequest{BaseDN: "o=test"})
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, "dc2.example.com", conn.Server().Host)
}

func TestRestartableStrategy_UnsentOperationRotates(t *testing.T) {
	ctx := context.Background()
	dir := newFakeDirectory(chainHandlers(dropOn("dc1.example.com", ldap.ApplicationModifyRequest), defaultHandler))
	pool, err := NewServerPool(
		&Server{Host: "dc1.example.com", Port: 389},
		&Server{Host: "dc2.example.com", Port: 389},
		&Server{Host: "dc3.example.com", Port: 389},
	)
	require.NoError(t, err)

	conn := newTestConnection(t, dir, &ConnectionConfig{
		Strategy:       StrategyRestartable,
		InitialBackoff: time.Millisecond,
	}, WithServerPool(pool))

	_, err = conn.Bind(ctx)
	require.NoError(t, err)

	changes := []Change{{Type: ChangeReplace, Attribute: "description", Values: []string{"x"}}}
	_, err = conn.Modify(ctx, "cn=a,o=test", changes)
	require.Error(t, err)

	// dc2 refuses, so the second modify never reaches the wire there and
	// moves on to dc3.
	dir.setRefused("dc2.example.com", true)
	resp, err := conn.Modify(ctx, "cn=a,o=test", changes)
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, "dc3.example.com", conn.Server().Host)
	assert.Equal(t, 3, dir.dialCount())

	modifies := dir.received(ldap.ApplicationModifyRequest)
	require.Len(t, modifies, 2)
	assert.Equal(t, "dc1.example.com", modifies[0].Server.Host)
	assert.Equal(t, "dc3.example.com", modifies[1].Server.Host)
}

func TestRestartableStrategy_AllServersRefused(t *testing.T) {
	dir := newFakeDirectory(nil)
	dir.setRefused("dc1.example.com", true)
	dir.setRefused("dc2.example.com", true)

	conn := newTestConnection(t, dir, &ConnectionConfig{
		Strategy:       StrategyRestartable,
		MaxRetries:     2,
		InitialBackoff: time.Millisecond,
		MaxBackoff:     5 * time.Millisecond,
	}, WithServerPool(newFailoverPool(t)))

	err := conn.Open(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.False(t, IsRetryableError(err), "exhausted restarts are final")
	assert.Equal(t, 3, dir.dialCount())
	assert.Equal(t, StateClosed, conn.State())
}

func TestRestartableStrategy_RecoversAfterRefusal(t *testing.T) {
	dir := newFakeDirectory(nil)
	dir.setRefused("dc1.example.com", true)

	conn := newTestConnection(t, dir, &ConnectionConfig{
		Strategy:       StrategyRestartable,
		InitialBackoff: time.Millisecond,
	}, WithServerPool(newFailoverPool(t)))

	resp, err := conn.Bind(context.Background())
	require.NoError(t, err)
	assert.True(t, resp.OK())
	assert.Equal(t, "dc2.example.com", conn.Server().Host)
	assert.Equal(t, 2, dir.dialCount())
}

func TestRestartableStrategy_CancelledDuringBackoff(t *testing.T) {
	dir := newFakeDirectory(nil)
	dir.setRefused("dc1.example.com", true)
	dir.setRefused("dc2.example.com", true)

	conn := newTestConnection(t, dir, &ConnectionConfig{
		Strategy:       StrategyRestartable,
		MaxRetries:     10,
		InitialBackoff: time.Hour,
		MaxBackoff:     time.Hour,
	}, WithServerPool(newFailoverPool(t)))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	err := conn.Open(ctx)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Equal(t, 2, dir.dialCount())
}

func TestRestartableStrategy_GetResponseUnknown(t *testing.T) {
	dir := newFakeDirectory(nil)
	conn := newTestConnection(t, dir, &ConnectionConfig{Strategy: StrategyRestartable, Lazy: true})

	_, err := conn.GetResponse(context.Background(), 42)
	require.Error(t, err)
	assert.True(t, IsUsageError(err))
	assert.ErrorIs(t, err, ErrUnknownMessageID)
}

func TestRestartableStrategy_Abandon(t *testing.T) {
	ctx := context.Background()

	t.Run("answered on sync transport", func(t *testing.T) {
		dir := newFakeDirectory(nil)
		conn := newTestConnection(t, dir, &ConnectionConfig{Strategy: StrategyRestartable, Lazy: true})

		id, err := conn.Submit(ctx, &SearchRequest{BaseDN: "o=test"})
		require.NoError(t, err)

		abandoned, err := conn.Abandon(ctx, id)
		require.NoError(t, err)
		assert.False(t, abandoned, "nothing was sent")
		assert.Empty(t, dir.received(ldap.ApplicationAbandonRequest))

		resp, err := conn.GetResponse(ctx, id)
		require.NoError(t, err)
		assert.True(t, resp.OK())
		assert.Equal(t, id, resp.ID)
	})

	t.Run("outstanding on async transport", func(t *testing.T) {
		slow := func(_ *fakeTransport, req *ldapRequest) []reply {
			if req.Tag == ldap.ApplicationSearchRequest && req.baseDN() == "o=slow" {
				return []reply{}
			}
			return nil
		}
		dir := newFakeDirectory(chainHandlers(slow, defaultHandler))
		conn := newTestConnection(t, dir, &ConnectionConfig{
			Strategy:     StrategyRestartable,
			RestartInner: StrategyAsync,
			Lazy:         true,
		})

		id, err := conn.Submit(ctx, &SearchRequest{BaseDN: "o=slow"})
		require.NoError(t, err)

		abandoned, err := conn.Abandon(ctx, id)
		require.NoError(t, err)
		assert.True(t, abandoned)
		assert.Len(t, dir.received(ldap.ApplicationAbandonRequest), 1)

		_, err = conn.GetResponse(ctx, id)
		assert.ErrorIs(t, err, ErrUnknownMessageID)
	})
}
