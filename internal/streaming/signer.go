package streaming

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"

	"github.com/google/uuid"
)

// Signer authenticates persisted-event payloads with HMAC-SHA256 over
// (payload, nonce) under a shared key, so a receiver can verify a payload
// was not altered in transit before treating it as durable.
type Signer struct {
	key []byte
}

// NewSigner creates a signer. An empty key returns nil; callers treat a nil
// signer as "persistence confirmations disabled".
func NewSigner(key string) *Signer {
	if key == "" {
		return nil
	}
	return &Signer{key: []byte(key)}
}

// NewNonce returns a fresh single-use nonce.
func NewNonce() string {
	return uuid.NewString()
}

// Sign returns the hex signature of payload bound to nonce. The separator
// byte keeps (payload, nonce) pairs from colliding across boundaries.
func (s *Signer) Sign(payload []byte, nonce string) string {
	mac := hmac.New(sha256.New, s.key)
	mac.Write(payload)
	mac.Write([]byte{0})
	mac.Write([]byte(nonce))
	return hex.EncodeToString(mac.Sum(nil))
}

// Verify reports whether signature matches payload and nonce. A mismatch is
// an integrity error: the event must not be accepted as a confirmation.
func (s *Signer) Verify(payload []byte, nonce, signature string) bool {
	expected, err := hex.DecodeString(signature)
	if err != nil {
		return false
	}
	got, err := hex.DecodeString(s.Sign(payload, nonce))
	if err != nil {
		return false
	}
	return hmac.Equal(expected, got)
}
