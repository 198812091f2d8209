package diag

import (
	"bytes"
	"crypto/cipher"
	"encoding/binary"
	"io"
	"net"
	"sync"

	"golang.org/x/crypto/chacha20poly1305"
)

// Conn wraps a net.Conn with ChaCha20-Poly1305. Frames on the wire are
// length-prefixed: u32 length, 12-byte nonce, ciphertext.
type Conn struct {
	net.Conn
	aead    cipher.AEAD
	sendCtr uint64
	recvBuf bytes.Buffer
	mu      sync.Mutex
}

const maxFrameSize = 2 * 1024 * 1024 // 2 MB

// WrapConn wraps conn with an AEAD keyed by the 32-byte session key.
func WrapConn(conn net.Conn, sessionKey []byte) (net.Conn, error) {
	aead, err := chacha20poly1305.New(sessionKey)
	if err != nil {
		return nil, err
	}
	return &Conn{Conn: conn, aead: aead}, nil
}

func (c *Conn) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Counter nonce in the low 8 bytes. Never reused within a session.
	nonce := make([]byte, 12)
	binary.BigEndian.PutUint64(nonce[4:], c.sendCtr)
	c.sendCtr++

	ct := c.aead.Seal(nil, nonce, p, nil)

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(nonce)+len(ct)))

	if i, err := c.Conn.Write(hdr[:]); err != nil {
		return i, err
	}
	if i, err := c.Conn.Write(nonce); err != nil {
		return i, err
	}
	if i, err := c.Conn.Write(ct); err != nil {
		return i, err
	}

	return len(p), nil
}

func (c *Conn) Read(p []byte) (int, error) {
	if c.recvBuf.Len() == 0 {
		var hdr [4]byte
		if i, err := io.ReadFull(c.Conn, hdr[:]); err != nil {
			return i, err
		}
		length := binary.BigEndian.Uint32(hdr[:])
		if length > maxFrameSize {
			return 0, io.ErrUnexpectedEOF
		}

		frame := make([]byte, length)
		if i, err := io.ReadFull(c.Conn, frame); err != nil {
			return i, err
		}

		pt, err := c.aead.Open(nil, frame[:12], frame[12:], nil)
		if err != nil {
			return 0, err
		}

		c.recvBuf.Write(pt)
	}
	return c.recvBuf.Read(p)
}
