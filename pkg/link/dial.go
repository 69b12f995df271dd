package link

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/Profiidev/smaug/internal/telemetry"
	"github.com/Profiidev/smaug/pkg/auth"
)

// DialFunc opens an authenticated control socket to url.
type DialFunc func(ctx context.Context, url, token string) (*websocket.Conn, error)

// TransportError is a dial or upgrade failure below the signature check.
type TransportError struct {
	URL    string
	Status int // HTTP status of a rejected upgrade, 0 otherwise
	Err    error
}

func (e *TransportError) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("dial %s: upgrade rejected with status %d: %v", e.URL, e.Status, e.Err)
	}
	return fmt.Sprintf("dial %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// Dial signs the upgrade request with token and accepts the socket only if
// the agent replies with a valid signature over a nonce of its own.
//
// Cancelling ctx closes the underlying connection, so a dial stuck in the
// upgrade handshake returns as soon as ctx is done.
func Dial(ctx context.Context, url, token string, tlsConfig *tls.Config) (*websocket.Conn, error) {
	header := make(http.Header)
	challenge := auth.Attach(header, token)

	var release func() bool
	dialer := websocket.Dialer{
		Proxy:           http.ProxyFromEnvironment,
		TLSClientConfig: tlsConfig,
		NetDialContext: func(dctx context.Context, network, addr string) (net.Conn, error) {
			var d net.Dialer
			c, err := d.DialContext(dctx, network, addr)
			if err != nil {
				return nil, err
			}
			release = context.AfterFunc(ctx, func() { c.Close() })
			return c, nil
		},
	}
	conn, resp, err := dialer.DialContext(ctx, url, header)
	// release reports false once ctx has already closed the connection.
	if release != nil && !release() && err == nil {
		conn.Close()
		err = ctx.Err()
		resp = nil
	}
	if err != nil {
		te := &TransportError{URL: url, Err: err}
		if resp != nil {
			te.Status = resp.StatusCode
		}
		return nil, te
	}

	if _, err := auth.Verify(resp.Header, token, &challenge); err != nil {
		conn.Close()
		return nil, fmt.Errorf("verify agent at %s: %w", url, err)
	}
	return conn, nil
}

// dialResult classifies a dial error for the attempts counter.
func dialResult(err error) string {
	if err == nil {
		return telemetry.ResultOK
	}
	if errors.Is(err, auth.ErrUnauthorized) {
		return telemetry.ResultAuth
	}
	var te *TransportError
	if errors.As(err, &te) && te.Status == http.StatusUnauthorized {
		return telemetry.ResultAuth
	}
	return telemetry.ResultTransport
}
