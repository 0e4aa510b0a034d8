package ldap

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestUsageCounters_NotStarted(t *testing.T) {
	usage := NewUsageCounters("")

	require.NoError(t, usage.Transmitted(OpSearch, 100))
	usage.Received(50)
	usage.SocketOpened()

	snapshot := usage.Snapshot()
	assert.Zero(t, snapshot.MessagesTransmitted)
	assert.Zero(t, snapshot.BytesReceived)
	assert.Zero(t, snapshot.SocketsOpened)
	assert.False(t, usage.Running())

	_, ok := usage.Elapsed()
	assert.False(t, ok)
	assert.Equal(t, "usage: not started", usage.String())
}

func TestUsageCounters_StartStop(t *testing.T) {
	usage := NewUsageCounters("test")
	usage.Start()
	assert.True(t, usage.Running())

	require.NoError(t, usage.Transmitted(OpBind, 40))
	require.NoError(t, usage.Transmitted(OpSearch, 60))
	require.NoError(t, usage.Transmitted(OpSearch, 60))
	usage.Received(120)
	usage.Received(30)
	usage.SocketOpened()
	usage.SocketOpened()
	usage.SocketClosed()
	usage.Restarted()

	usage.Stop()
	assert.False(t, usage.Running())

	// Stopped counters are frozen.
	require.NoError(t, usage.Transmitted(OpDelete, 10))
	usage.Received(10)
	usage.Restarted()

	snapshot := usage.Snapshot()
	assert.Equal(t, uint64(1), snapshot.Operations[OpBind])
	assert.Equal(t, uint64(2), snapshot.Operations[OpSearch])
	assert.Zero(t, snapshot.Operations[OpDelete])
	assert.Equal(t, uint64(3), snapshot.MessagesTransmitted)
	assert.Equal(t, uint64(160), snapshot.BytesTransmitted)
	assert.Equal(t, uint64(2), snapshot.MessagesReceived)
	assert.Equal(t, uint64(150), snapshot.BytesReceived)
	assert.Equal(t, uint64(2), snapshot.SocketsOpened)
	assert.Equal(t, uint64(1), snapshot.SocketsClosed)
	assert.Equal(t, uint64(1), snapshot.Restarts)
	assert.False(t, snapshot.Started.IsZero())
	assert.False(t, snapshot.Stopped.Before(snapshot.Started))

	elapsed, ok := usage.Elapsed()
	require.True(t, ok)
	assert.Equal(t, snapshot.Stopped.Sub(snapshot.Started), elapsed)

	text := usage.String()
	assert.Contains(t, text, "(stopped)")
	assert.Contains(t, text, "sockets 2 opened 1 closed, 1 restarts")
	assert.Contains(t, text, "transmitted 3 messages (160 bytes)")
	assert.Contains(t, text, "search 2")
	assert.NotContains(t, text, "delete")

	// Start resets.
	usage.Start()
	snapshot = usage.Snapshot()
	assert.Zero(t, snapshot.Operations[OpSearch])
	assert.Zero(t, snapshot.SocketsOpened)
	assert.True(t, snapshot.Stopped.IsZero())
}

func TestUsageCounters_UnknownOperation(t *testing.T) {
	usage := NewUsageCounters("")
	usage.Start()

	err := usage.Transmitted(OperationKind(42), 10)
	require.Error(t, err)
	assert.True(t, IsInternalError(err))
	assert.ErrorIs(t, err, ErrUnknownOperation)
	assert.Zero(t, usage.Snapshot().MessagesTransmitted)
}

func TestUsageCounters_WritePrometheus(t *testing.T) {
	usage := NewUsageCounters("ldap_test")
	usage.Start()
	require.NoError(t, usage.Transmitted(OpModify, 25))

	var buf bytes.Buffer
	usage.WritePrometheus(&buf)

	out := buf.String()
	assert.Contains(t, out, `ldap_test_operations_total{kind="modify"} 1`)
	assert.Contains(t, out, "ldap_test_bytes_transmitted_total 25")
	assert.Contains(t, out, "ldap_test_restarts_total 0")
}
