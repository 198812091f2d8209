package diag_test

import (
	"bufio"
	"bytes"
	"crypto/hmac"
	"crypto/sha256"
	"io"
	"testing"

	"github.com/cursorhu/go-uhs2/internal/diag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadClientNonce(t *testing.T) {
	type testCase struct {
		name    string
		input   []byte
		wantErr string
	}

	nonce := bytes.Repeat([]byte{0xAB}, diag.NonceSize)

	tests := []testCase{
		{
			name:  "full nonce",
			input: nonce,
		},
		{
			name:    "short read",
			input:   nonce[:10],
			wantErr: "read client nonce: unexpected EOF",
		},
		{
			name:    "empty",
			input:   nil,
			wantErr: "read client nonce: EOF",
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := diag.ReadClientNonce(bytes.NewReader(tc.input))
			if tc.wantErr != "" {
				assert.EqualError(t, err, tc.wantErr)
				assert.Nil(t, got)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, nonce, got)
		})
	}
}

func TestWriteServerHandshake(t *testing.T) {

	var buf bytes.Buffer
	nonce, err := diag.WriteServerHandshake(&buf)
	assert.NoError(t, err)
	assert.Len(t, nonce, diag.NonceSize)

	out := buf.Bytes()
	require.Len(t, out, 3+diag.NonceSize)
	assert.Equal(t, []byte("OK\x00"), out[:3])
	assert.Equal(t, nonce, out[3:])

	_, err = diag.WriteServerHandshake(nil)
	assert.EqualError(t, err, "write response: write on nil pointer")

	r, w := io.Pipe()
	_ = r.CloseWithError(io.ErrClosedPipe)
	_, err = diag.WriteServerHandshake(w)
	assert.ErrorContains(t, err, "write response")
}

func TestIsAuthHandshake(t *testing.T) {
	type testCase struct {
		name    string
		input   string
		want    bool
		wantErr bool
	}

	tests := []testCase{
		{
			name:  "magic prefix",
			input: diag.HandshakeMagic + "rest of the stream",
			want:  true,
		},
		{
			name:  "plain traffic",
			input: "GET / HTTP/1.1\r\n",
			want:  false,
		},
		{
			name:    "incomplete magic",
			input:   "uH",
			wantErr: true,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, err := diag.IsAuthHandshake(bufio.NewReader(bytes.NewBufferString(tc.input)))
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			assert.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

// validHandshake builds the client side of the handshake by hand so the
// server path can be exercised without a live peer.
func validHandshake(t *testing.T, key []byte) []byte {
	t.Helper()

	clientNonce := bytes.Repeat([]byte{0x42}, diag.NonceSize)
	mac := hmac.New(sha256.New, key)
	_, _ = mac.Write([]byte("uhs2ctl-Auth-v1"))
	_, _ = mac.Write(clientNonce)

	msg := append([]byte(diag.HandshakeMagic), clientNonce...)
	return append(msg, mac.Sum(nil)...)
}

func TestHandleAuthHandshakeServer(t *testing.T) {
	validKey, err := diag.DeriveKey("correct horse")
	require.NoError(t, err)
	wrongKey, err := diag.DeriveKey("battery staple")
	require.NoError(t, err)

	type testCase struct {
		name    string
		input   []byte
		key     []byte
		wantErr error
	}

	tests := []testCase{
		{
			name:  "valid password",
			input: validHandshake(t, validKey),
			key:   validKey,
		},
		{
			name:    "invalid password",
			input:   validHandshake(t, wrongKey),
			key:     validKey,
			wantErr: diag.ErrUnauthorized,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var out bytes.Buffer
			r := bufio.NewReader(bytes.NewReader(tc.input))
			clientNonce, serverNonce, err := diag.HandleAuthHandshake(r, &out, tc.key, false)
			if tc.wantErr != nil {
				assert.ErrorIs(t, err, tc.wantErr)
				assert.Zero(t, out.Len())
				return
			}
			require.NoError(t, err)
			assert.Len(t, clientNonce, diag.NonceSize)
			assert.Len(t, serverNonce, diag.NonceSize)
			assert.Equal(t, []byte("OK\x00"), out.Bytes()[:3])
		})
	}
}

func TestHandleAuthHandshakeArgs(t *testing.T) {
	key := bytes.Repeat([]byte{1}, 32)

	_, _, err := diag.HandleAuthHandshake(nil, &bytes.Buffer{}, key, false)
	assert.EqualError(t, err, "handshake: nil reader")

	r := bufio.NewReader(bytes.NewReader(nil))
	_, _, err = diag.HandleAuthHandshake(r, &bytes.Buffer{}, nil, false)
	assert.EqualError(t, err, "handshake: missing key")

	_, _, err = diag.HandleAuthHandshake(r, nil, key, true)
	assert.EqualError(t, err, "handshake: nil writer")
}

func TestFullHandshake(t *testing.T) {
	key, err := diag.DeriveKey("round trip")
	require.NoError(t, err)

	clientIn, serverOut := io.Pipe()
	serverIn, clientOut := io.Pipe()

	type result struct {
		clientNonce []byte
		serverNonce []byte
		err         error
	}

	serverDone := make(chan result, 1)
	go func() {
		cn, sn, err := diag.HandleAuthHandshake(bufio.NewReader(serverIn), serverOut, key, false)
		serverDone <- result{cn, sn, err}
	}()

	cn, sn, err := diag.HandleAuthHandshake(bufio.NewReader(clientIn), clientOut, key, true)
	require.NoError(t, err)

	srv := <-serverDone
	require.NoError(t, srv.err)

	// Both sides agree on the nonces, so session keys will match.
	assert.Equal(t, cn, srv.clientNonce)
	assert.Equal(t, sn, srv.serverNonce)
	assert.Equal(t,
		diag.DeriveSessionKey(key, sn, cn),
		diag.DeriveSessionKey(key, srv.serverNonce, srv.clientNonce))
}
