package node

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"strings"
)

var (
	errEmptyHost     = errors.New("address must contain a host")
	errZeroPort      = errors.New("port must be between 1 and 65535")
	errAmbiguousHost = errors.New("host does not survive URL parsing")
)

// AddressError reports an endpoint that cannot form a connection URL.
type AddressError struct {
	Host string
	Port uint16
	Err  error
}

func (e *AddressError) Error() string {
	return fmt.Sprintf("invalid node address %q port %d: %v", e.Host, e.Port, e.Err)
}

func (e *AddressError) Unwrap() error { return e.Err }

// ParseAddress splits a user supplied address such as "node1",
// "node1:8080" or "https://node1" into host and port. Without an explicit
// port it defaults to 443 for secure nodes and 80 otherwise. Scheme and path
// are ignored.
func ParseAddress(address string, secure bool) (string, uint16, error) {
	raw := strings.TrimSpace(address)
	if !strings.Contains(raw, "://") {
		raw = "//" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", 0, &AddressError{Host: address, Err: err}
	}

	host := u.Hostname()
	if err := validHost(host); err != nil {
		return "", 0, &AddressError{Host: address, Err: err}
	}

	port := uint16(80)
	if secure {
		port = 443
	}
	if p := u.Port(); p != "" {
		n, err := strconv.ParseUint(p, 10, 16)
		if err != nil || n == 0 {
			return "", 0, &AddressError{Host: host, Err: errZeroPort}
		}
		port = uint16(n)
	}
	return host, port, nil
}

// NewToken returns a fresh shared secret: 32 random bytes, hex encoded.
func NewToken() string {
	var raw [32]byte
	_, _ = rand.Read(raw[:])
	return hex.EncodeToString(raw[:])
}
