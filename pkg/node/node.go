package node

import (
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// Endpoint is the connection snapshot of one node agent as held by the node
// store. Supervisors never mutate it; an edit produces a new Endpoint.
type Endpoint struct {
	ID     uuid.UUID `json:"id"`
	Host   string    `json:"host"`
	Port   uint16    `json:"port"`
	Secure bool      `json:"secure"`
	Token  string    `json:"token"`
}

// URL returns the control socket URL, {ws|wss}://host:port/api.
func (e Endpoint) URL() (string, error) {
	scheme := "ws"
	if e.Secure {
		scheme = "wss"
	}
	return e.build(scheme, "/api")
}

// BaseURL returns the plain HTTP base, {http|https}://host:port.
func (e Endpoint) BaseURL() (string, error) {
	scheme := "http"
	if e.Secure {
		scheme = "https"
	}
	return e.build(scheme, "")
}

func (e Endpoint) String() string {
	return fmt.Sprintf("%s@%s", e.ID, net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port))))
}

func (e Endpoint) build(scheme, path string) (string, error) {
	if err := validHost(e.Host); err != nil {
		return "", &AddressError{Host: e.Host, Port: e.Port, Err: err}
	}
	if e.Port == 0 {
		return "", &AddressError{Host: e.Host, Port: e.Port, Err: errZeroPort}
	}

	hostport := net.JoinHostPort(e.Host, strconv.Itoa(int(e.Port)))
	raw := scheme + "://" + hostport + path
	u, err := url.Parse(raw)
	if err != nil {
		return "", &AddressError{Host: e.Host, Port: e.Port, Err: err}
	}
	if u.Hostname() != strings.Trim(e.Host, "[]") || u.Port() != strconv.Itoa(int(e.Port)) {
		return "", &AddressError{Host: e.Host, Port: e.Port, Err: errAmbiguousHost}
	}
	return u.String(), nil
}

func validHost(host string) error {
	if host == "" {
		return errEmptyHost
	}
	if strings.ContainsAny(host, "/?#@ \t\r\n\\") {
		return fmt.Errorf("host %q contains reserved characters", host)
	}
	return nil
}
