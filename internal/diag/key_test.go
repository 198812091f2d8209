package diag_test

import (
	"testing"

	"github.com/cursorhu/go-uhs2/internal/diag"
	"github.com/stretchr/testify/assert"
)

func TestGenKey(t *testing.T) {

	key, err := diag.GenerateKey()
	assert.NoError(t, err)
	assert.Len(t, key, diag.AutoGenKeyLength)
	assert.Regexp(t, "^[0-9A-Za-z]{16}$", key)

}

func TestDeriveKey(t *testing.T) {

	key, err := diag.DeriveKey("password123")
	assert.NoError(t, err)
	assert.Len(t, key, 32)

	// Derivation is deterministic.
	again, err := diag.DeriveKey("password123")
	assert.NoError(t, err)
	assert.Equal(t, key, again)

	other, err := diag.DeriveKey("password124")
	assert.NoError(t, err)
	assert.NotEqual(t, key, other)

	_, err = diag.DeriveKey("")
	assert.Error(t, err)
}

func TestDeriveSessionKey(t *testing.T) {

	key, err := diag.DeriveKey("test123")
	assert.NoError(t, err)

	serverNonce := make([]byte, diag.NonceSize)
	clientNonce := make([]byte, diag.NonceSize)
	clientNonce[0] = 1

	session := diag.DeriveSessionKey(key, serverNonce, clientNonce)
	assert.Len(t, session, 32)

	// Any nonce change produces a different session key.
	clientNonce[0] = 2
	assert.NotEqual(t, session, diag.DeriveSessionKey(key, serverNonce, clientNonce))
}
