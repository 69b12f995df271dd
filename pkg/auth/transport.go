package auth

import (
	"fmt"
	"net/http"
	"time"
)

// Transport signs every outgoing request with Token and rejects responses
// that are not signed with a fresh nonce by the same token.
type Transport struct {
	Token string
	// Base performs the request. http.DefaultTransport when nil.
	Base http.RoundTripper
}

func (t *Transport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.Base
	if base == nil {
		base = http.DefaultTransport
	}

	out := req.Clone(req.Context())
	challenge := Attach(out.Header, t.Token)

	resp, err := base.RoundTrip(out)
	if err != nil {
		return nil, err
	}
	if _, err := Verify(resp.Header, t.Token, &challenge); err != nil {
		resp.Body.Close()
		return nil, fmt.Errorf("verify response from %s: %w", req.URL.Host, err)
	}
	return resp, nil
}

// NewClient returns an http.Client that signs requests with token.
func NewClient(token string, timeout time.Duration) *http.Client {
	return &http.Client{
		Transport: &Transport{Token: token},
		Timeout:   timeout,
	}
}
