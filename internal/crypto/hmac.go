package crypto

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
)

// HMACAuth holds the API credentials used to authenticate a lightstream
// JSON-RPC session for the private order-event channels.
type HMACAuth struct {
	Key    string // API key
	Secret string // API secret, used raw as the HMAC key
}

// AuthParams are the params of the JSON-RPC "auth" call.
type AuthParams struct {
	APIKey    string `json:"api_key"`
	Timestamp int64  `json:"timestamp"`
	Nonce     string `json:"nonce"`
	Signature string `json:"signature"`
}

// AuthParams signs a fresh auth request: signature is the hex encoded
// HMAC-SHA256 of the decimal unix timestamp followed by a random 32 hex
// character nonce.
func (h *HMACAuth) AuthParams() AuthParams {
	return h.AuthParamsAt(time.Now().Unix(), newNonce())
}

// AuthParamsAt is like AuthParams but lets the caller supply the timestamp
// and nonce (useful for deterministic testing).
func (h *HMACAuth) AuthParamsAt(unixTS int64, nonce string) AuthParams {
	message := strconv.FormatInt(unixTS, 10) + nonce
	return AuthParams{
		APIKey:    h.Key,
		Timestamp: unixTS,
		Nonce:     nonce,
		Signature: hmacSHA256Hex([]byte(h.Secret), message),
	}
}

// Configured reports whether both key and secret are present.
func (h *HMACAuth) Configured() bool {
	return h != nil && h.Key != "" && h.Secret != ""
}

// --------------------------------------------------------------------------
// Internal helpers
// --------------------------------------------------------------------------

// hmacSHA256Hex computes HMAC-SHA256 of message using key and returns the
// lowercase hex digest.
func hmacSHA256Hex(key []byte, message string) string {
	mac := hmac.New(sha256.New, key)
	mac.Write([]byte(message))
	return hex.EncodeToString(mac.Sum(nil))
}

// newNonce returns 16 random bytes as 32 hex characters.
func newNonce() string {
	var b [16]byte
	// crypto/rand.Read never returns an error.
	_, _ = rand.Read(b[:])
	return hex.EncodeToString(b[:])
}

// String returns a redacted representation suitable for logging.
func (h *HMACAuth) String() string {
	redact := func(s string) string {
		if len(s) <= 4 {
			return "****"
		}
		return s[:4] + "****"
	}
	return fmt.Sprintf("HMACAuth{key=%s, secret=%s}", redact(h.Key), redact(h.Secret))
}
