package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAuthParamsAt(t *testing.T) {
	h := &HMACAuth{Key: "api-key", Secret: "s3cret"}
	p := h.AuthParamsAt(1700000000, "0123456789abcdef0123456789abcdef")

	mac := hmac.New(sha256.New, []byte("s3cret"))
	mac.Write([]byte("17000000000123456789abcdef0123456789abcdef"))
	want := hex.EncodeToString(mac.Sum(nil))

	assert.Equal(t, "api-key", p.APIKey)
	assert.Equal(t, int64(1700000000), p.Timestamp)
	assert.Equal(t, "0123456789abcdef0123456789abcdef", p.Nonce)
	assert.Equal(t, want, p.Signature)
	assert.Len(t, p.Signature, 64)
}

func TestAuthParamsFreshNonce(t *testing.T) {
	h := &HMACAuth{Key: "k", Secret: "s"}
	a := h.AuthParams()
	b := h.AuthParams()

	require.Len(t, a.Nonce, 32)
	_, err := hex.DecodeString(a.Nonce)
	require.NoError(t, err)
	assert.NotEqual(t, a.Nonce, b.Nonce)
}

func TestNewNonceIsRandomHex(t *testing.T) {
	seen := make(map[string]struct{}, 256)
	for range 256 {
		n := newNonce()
		raw, err := hex.DecodeString(n)
		require.NoError(t, err)
		require.Len(t, raw, 16)
		_, dup := seen[n]
		require.False(t, dup, "nonce %s repeated", n)
		seen[n] = struct{}{}
	}
}

func TestConfiguredAndString(t *testing.T) {
	var nilAuth *HMACAuth
	assert.False(t, nilAuth.Configured())
	assert.False(t, (&HMACAuth{Key: "k"}).Configured())

	h := &HMACAuth{Key: "abcdefgh", Secret: "supersecret"}
	assert.True(t, h.Configured())
	assert.Equal(t, "HMACAuth{key=abcd****, secret=supe****}", h.String())
}
