package ldap

import (
	"context"
	"net"
	"testing"
	"time"

	ber "github.com/go-asn1-ber/asn1-ber"
	"github.com/go-ldap/ldap/v3"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNetTransport_RoundTrip(t *testing.T) {
	client, server := net.Pipe()
	transport := newNetTransport(client)
	t.Cleanup(func() { _ = transport.Close() })

	codec := NewBERCodec()

	// The server half answers one search with an entry and a done message.
	serverErr := make(chan error, 1)
	go func() {
		defer server.Close()

		packet, err := ber.ReadPacket(server)
		if err != nil {
			serverErr <- err
			return
		}
		id, err := packetInt(packet.Children[0])
		if err != nil {
			serverErr <- err
			return
		}

		for _, r := range []reply{entryReply("cn=a,o=test", nil), searchDoneReply(ldap.LDAPResultSuccess)} {
			if _, err := server.Write(encodeReply(MessageID(id), r.op, nil)); err != nil {
				serverErr <- err
				return
			}
		}
		serverErr <- nil
	}()

	pdu, err := codec.Encode(7, &SearchRequest{BaseDN: "o=test"}, nil)
	require.NoError(t, err)
	require.NoError(t, transport.Send(context.Background(), pdu))

	first, err := transport.Receive(context.Background())
	require.NoError(t, err)
	msg, err := codec.Decode(first)
	require.NoError(t, err)
	assert.Equal(t, MessageID(7), msg.ID)
	require.NotNil(t, msg.Entry)
	assert.Equal(t, "cn=a,o=test", msg.Entry.DN)

	second, err := transport.Receive(context.Background())
	require.NoError(t, err)
	msg, err = codec.Decode(second)
	require.NoError(t, err)
	assert.True(t, msg.final())
	assert.True(t, msg.Result.Success())

	require.NoError(t, <-serverErr)
}

func TestNetTransport_ReceiveCancelled(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	transport := newNetTransport(client)
	defer transport.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := transport.Receive(ctx)
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.False(t, IsRetryableError(err))
}

func TestNetTransport_ServerClosed(t *testing.T) {
	client, server := net.Pipe()
	transport := newNetTransport(client)
	defer transport.Close()

	require.NoError(t, server.Close())

	_, err := transport.Receive(context.Background())
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.True(t, IsRetryableError(err))
}

func TestNetTransport_CloseIdempotent(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	transport := newNetTransport(client)

	require.NoError(t, transport.Close())
	assert.NoError(t, transport.Close())

	err := transport.Send(context.Background(), []byte{0x30, 0x00})
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
}

func TestNewTCPDialer(t *testing.T) {
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := listener.Accept()
		if err == nil {
			accepted <- conn
		}
		close(accepted)
	}()

	port := listener.Addr().(*net.TCPAddr).Port
	dial := NewTCPDialer(time.Second)

	transport, err := dial(context.Background(), &Server{Host: "127.0.0.1", Port: port})
	require.NoError(t, err)
	require.NoError(t, transport.Close())
	if conn := <-accepted; conn != nil {
		_ = conn.Close()
	}

	// Nothing listens on the port once the listener is closed.
	require.NoError(t, listener.Close())
	_, err = dial(context.Background(), &Server{Host: "127.0.0.1", Port: port})
	require.Error(t, err)
	assert.True(t, IsTransportError(err))
	assert.True(t, IsRetryableError(err))
}
