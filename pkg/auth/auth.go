// Package auth implements the stateless request signing used between the
// orchestrator and node agents.
//
// Each signed message carries three headers: a random nonce, an epoch
// millisecond timestamp and an HMAC-SHA3-512 over "nonce.timestamp" keyed
// with the node token. The same headers sign plain HTTP calls and the
// websocket upgrade. A responder proves possession of the token by replying
// with a fresh nonce, which the initiator verifies against its own nonce so a
// reflected request cannot pass as a reply.
package auth

import (
	"crypto/hmac"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"golang.org/x/crypto/sha3"
)

const (
	NonceHeader     = "x-wings-nonce"
	TimestampHeader = "x-wings-timestamp"
	SignatureHeader = "x-wings-signature"
)

const (
	nonceSize     = 16
	nonceLen      = nonceSize * 2
	signatureLen  = 128
	signSeparator = "."
)

// SignData is the per-message {nonce, timestamp} pair. It is never persisted.
type SignData struct {
	Nonce     string
	Timestamp string
}

// New returns sign data with a fresh nonce and the current time.
func New() SignData {
	return SignData{
		Nonce:     randomNonce(),
		Timestamp: strconv.FormatInt(time.Now().UnixMilli(), 10),
	}
}

// FromTimestamp returns sign data with a fresh nonce bound to an existing
// timestamp. Responders use it to answer a request.
func FromTimestamp(timestamp string) SignData {
	return SignData{Nonce: randomNonce(), Timestamp: timestamp}
}

// Sign produces fresh sign data and its signature for token.
func Sign(token string) (SignData, string) {
	data := New()
	return data, data.Signature(token)
}

// Signature returns the lowercase hex HMAC-SHA3-512 of "nonce.timestamp".
func (d SignData) Signature(token string) string {
	mac := hmac.New(sha3.New512, []byte(token))
	mac.Write([]byte(d.Nonce + signSeparator + d.Timestamp))
	return hex.EncodeToString(mac.Sum(nil))
}

// Attach writes the three signing headers for d into h.
func (d SignData) Attach(h http.Header, token string) {
	h.Set(NonceHeader, d.Nonce)
	h.Set(TimestampHeader, d.Timestamp)
	h.Set(SignatureHeader, d.Signature(token))
}

// Header returns a new header set carrying the signature of d.
func (d SignData) Header(token string) http.Header {
	h := make(http.Header, 3)
	d.Attach(h, token)
	return h
}

// Attach signs fresh data into h and returns it, so the caller can pass it
// as the challenge when verifying the reply.
func Attach(h http.Header, token string) SignData {
	data := New()
	data.Attach(h, token)
	return data
}

// Verify checks the signing headers in h against token and returns the
// signed timestamp. When challenge is non-nil the peer nonce must differ
// from challenge.Nonce.
func Verify(h http.Header, token string, challenge *SignData) (string, error) {
	data, err := VerifyData(h, token, challenge)
	if err != nil {
		return "", err
	}
	return data.Timestamp, nil
}

// VerifyData is Verify returning the full verified sign data.
func VerifyData(h http.Header, token string, challenge *SignData) (SignData, error) {
	nonce, err := header(h, NonceHeader)
	if err != nil {
		return SignData{}, err
	}
	timestamp, err := header(h, TimestampHeader)
	if err != nil {
		return SignData{}, err
	}
	signature, err := header(h, SignatureHeader)
	if err != nil {
		return SignData{}, err
	}

	if len(nonce) != nonceLen || !isLowerHex(nonce) {
		return SignData{}, fmt.Errorf("%w: %s", ErrInvalidHeader, NonceHeader)
	}
	if _, err := strconv.ParseUint(timestamp, 10, 64); err != nil {
		return SignData{}, fmt.Errorf("%w: %s", ErrInvalidHeader, TimestampHeader)
	}
	if len(signature) != signatureLen || !isLowerHex(signature) {
		return SignData{}, fmt.Errorf("%w: %s", ErrInvalidHeader, SignatureHeader)
	}

	if challenge != nil && challenge.Nonce == nonce {
		return SignData{}, ErrReplayedNonce
	}

	data := SignData{Nonce: nonce, Timestamp: timestamp}
	if !hmac.Equal([]byte(data.Signature(token)), []byte(signature)) {
		return SignData{}, ErrInvalidSignature
	}
	return data, nil
}

// CheckFreshness rejects timestamps further than window from now. A zero
// window accepts any timestamp.
func CheckFreshness(timestamp string, now time.Time, window time.Duration) error {
	if window <= 0 {
		return nil
	}
	ms, err := strconv.ParseInt(timestamp, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrInvalidHeader, TimestampHeader)
	}
	skew := now.Sub(time.UnixMilli(ms))
	if skew < 0 {
		skew = -skew
	}
	if skew > window {
		return fmt.Errorf("%w: skew %s", ErrStaleTimestamp, skew.Round(time.Millisecond))
	}
	return nil
}

func header(h http.Header, key string) (string, error) {
	values := h.Values(key)
	if len(values) == 0 || values[0] == "" {
		return "", fmt.Errorf("%w: %s", ErrMissingHeader, key)
	}
	if len(values) > 1 {
		return "", fmt.Errorf("%w: %s repeated", ErrInvalidHeader, key)
	}
	return values[0], nil
}

func isLowerHex(s string) bool {
	for i := 0; i < len(s); i++ {
		c := s[i]
		if (c < '0' || c > '9') && (c < 'a' || c > 'f') {
			return false
		}
	}
	return true
}

func randomNonce() string {
	var raw [nonceSize]byte
	// crypto/rand.Read never returns an error on supported platforms.
	_, _ = rand.Read(raw[:])
	return hex.EncodeToString(raw[:])
}
