package ipc

import (
	"context"
	"testing"

	"github.com/aejsmith/kiwi/internal/defs"
	"github.com/stretchr/testify/require"
)

func TestHandshakeAndMessageFIFO(t *testing.T) {
	reg := NewRegistry()
	owner := Identity{PID: 1}
	port, err := reg.Create(owner)
	require.Zero(t, int(err))

	clientCh := make(chan *Handle, 1)
	go func() {
		h, err := port.Open(context.Background(), Identity{PID: 2})
		require.Zero(t, int(err))
		clientCh <- h
	}()

	server, err := port.Listen(context.Background(), owner, nil)
	require.Zero(t, int(err))
	client := <-clientCh

	require.Zero(t, int(client.Send(context.Background(), 7, []byte("hello"))))
	require.Zero(t, int(client.Send(context.Background(), 8, []byte("world"))))

	typ, size, err := server.Peek(context.Background())
	require.Zero(t, int(err))
	require.EqualValues(t, 7, typ)
	require.Equal(t, 5, size)

	buf := make([]byte, 5)
	typ, n, err := server.Receive(context.Background(), buf)
	require.Zero(t, int(err))
	require.EqualValues(t, 7, typ)
	require.Equal(t, 5, n)
	require.Equal(t, "hello", string(buf))

	typ, n, err = server.Receive(context.Background(), buf)
	require.Zero(t, int(err))
	require.EqualValues(t, 8, typ)
	require.Equal(t, "world", string(buf[:n]))

	require.Zero(t, int(client.Close()))
	_, _, err = server.Receive(context.Background(), buf)
	require.Equal(t, defs.DEST_UNREACHABLE, err)
}

func TestLoopback(t *testing.T) {
	reg := NewRegistry()
	owner := Identity{PID: 1}
	port, err := reg.Create(owner)
	require.Zero(t, int(err))

	client, server, err := port.Loopback(owner)
	require.Zero(t, int(err))
	require.Zero(t, int(client.Send(context.Background(), 1, []byte("x"))))
	_, n, err := server.Receive(context.Background(), make([]byte, 1))
	require.Zero(t, int(err))
	require.Equal(t, 1, n)
}

func TestOversizeMessageRejected(t *testing.T) {
	reg := NewRegistry()
	owner := Identity{PID: 1}
	port, _ := reg.Create(owner)
	client, _, _ := port.Loopback(owner)
	err := client.Send(context.Background(), 1, make([]byte, MessageMax+1))
	require.Equal(t, defs.INVALID_ARG, err)
}

func TestPortTeardownWakesWaitingOpen(t *testing.T) {
	reg := NewRegistry()
	owner := Identity{PID: 1}
	port, err := reg.Create(owner)
	require.Zero(t, int(err))

	done := make(chan defs.Err_t, 1)
	go func() {
		_, err := port.Open(context.Background(), Identity{PID: 2})
		done <- err
	}()

	require.Zero(t, int(port.Close()))
	got := <-done
	require.Equal(t, defs.NOT_FOUND, got)
}

func TestConnectionSendAfterPeerCloseReturnsUnreachable(t *testing.T) {
	reg := NewRegistry()
	owner := Identity{PID: 1}
	port, _ := reg.Create(owner)
	client, server, _ := port.Loopback(owner)

	require.Zero(t, int(server.Close()))
	err := client.Send(context.Background(), 1, []byte("x"))
	require.Equal(t, defs.DEST_UNREACHABLE, err)
}
