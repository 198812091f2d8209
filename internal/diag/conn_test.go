package diag_test

import (
	"bytes"
	"io"
	"net"
	"testing"

	"github.com/cursorhu/go-uhs2/internal/diag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// connPair returns two TCP loopback ends wrapped with the given keys.
func connPair(t *testing.T, clientKey, serverKey []byte) (net.Conn, net.Conn) {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { _ = ln.Close() })

	accepted := make(chan net.Conn, 1)
	go func() {
		c, err := ln.Accept()
		if err != nil {
			close(accepted)
			return
		}
		accepted <- c
	}()

	raw, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)

	peer, ok := <-accepted
	require.True(t, ok)

	client, err := diag.WrapConn(raw, clientKey)
	require.NoError(t, err)
	server, err := diag.WrapConn(peer, serverKey)
	require.NoError(t, err)

	t.Cleanup(func() {
		_ = client.Close()
		_ = server.Close()
	})
	return client, server
}

func TestWrapConnKeyLength(t *testing.T) {
	for _, n := range []int{0, 16, 31, 33} {
		_, err := diag.WrapConn(nil, make([]byte, n))
		assert.Error(t, err, "key length %d", n)
	}
}

func TestConnRoundTrip(t *testing.T) {
	key := bytes.Repeat([]byte{0x5A}, 32)
	client, server := connPair(t, key, key)

	msg := []byte("snapshot: card active, node 1")
	n, err := client.Write(msg)
	require.NoError(t, err)
	assert.Equal(t, len(msg), n)

	got := make([]byte, len(msg))
	_, err = io.ReadFull(server, got)
	require.NoError(t, err)
	assert.Equal(t, msg, got)

	// And back the other way.
	reply := []byte("ack")
	_, err = server.Write(reply)
	require.NoError(t, err)

	got = make([]byte, len(reply))
	_, err = io.ReadFull(client, got)
	require.NoError(t, err)
	assert.Equal(t, reply, got)
}

func TestConnPartialReads(t *testing.T) {
	key := bytes.Repeat([]byte{0x11}, 32)
	client, server := connPair(t, key, key)

	msg := []byte("0123456789")
	_, err := client.Write(msg)
	require.NoError(t, err)

	// A frame larger than the read buffer is drained across calls.
	var got []byte
	buf := make([]byte, 3)
	for len(got) < len(msg) {
		n, err := server.Read(buf)
		require.NoError(t, err)
		got = append(got, buf[:n]...)
	}
	assert.Equal(t, msg, got)
}

func TestConnKeyMismatch(t *testing.T) {
	client, server := connPair(t,
		bytes.Repeat([]byte{0x01}, 32),
		bytes.Repeat([]byte{0x02}, 32))

	_, err := client.Write([]byte("hello"))
	require.NoError(t, err)

	_, err = server.Read(make([]byte, 16))
	assert.EqualError(t, err, "chacha20poly1305: message authentication failed")
}

func TestConnClosedPeer(t *testing.T) {
	key := bytes.Repeat([]byte{0x33}, 32)
	client, server := connPair(t, key, key)

	require.NoError(t, client.Close())
	_, err := server.Read(make([]byte, 1))
	assert.Error(t, err)
}
