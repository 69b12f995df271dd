package auth

import (
	"errors"
	"fmt"
)

// ErrUnauthorized matches every verification failure via errors.Is.
var ErrUnauthorized = errors.New("unauthorized")

var (
	ErrMissingHeader    = fmt.Errorf("%w: missing signing header", ErrUnauthorized)
	ErrInvalidHeader    = fmt.Errorf("%w: malformed signing header", ErrUnauthorized)
	ErrInvalidSignature = fmt.Errorf("%w: invalid signature", ErrUnauthorized)
	ErrReplayedNonce    = fmt.Errorf("%w: nonce echoes the challenge", ErrUnauthorized)
	ErrStaleTimestamp   = fmt.Errorf("%w: timestamp outside window", ErrUnauthorized)
	ErrNonceReused      = fmt.Errorf("%w: nonce already seen", ErrUnauthorized)
)
