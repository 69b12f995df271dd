package node

import (
	"errors"
	"testing"

	"github.com/google/uuid"
)

func TestEndpointURL(t *testing.T) {
	cases := []struct {
		ep       Endpoint
		ws, http string
	}{
		{Endpoint{Host: "node1", Port: 8000}, "ws://node1:8000/api", "http://node1:8000"},
		{Endpoint{Host: "node1.example.com", Port: 443, Secure: true}, "wss://node1.example.com:443/api", "https://node1.example.com:443"},
		{Endpoint{Host: "10.0.0.7", Port: 9}, "ws://10.0.0.7:9/api", "http://10.0.0.7:9"},
		{Endpoint{Host: "::1", Port: 8000}, "ws://[::1]:8000/api", "http://[::1]:8000"},
	}
	for _, c := range cases {
		got, err := c.ep.URL()
		if err != nil || got != c.ws {
			t.Fatalf("URL(%+v) = (%q, %v), want %q", c.ep, got, err, c.ws)
		}
		got, err = c.ep.BaseURL()
		if err != nil || got != c.http {
			t.Fatalf("BaseURL(%+v) = (%q, %v), want %q", c.ep, got, err, c.http)
		}
	}
}

func TestEndpointURLRejectsBadAddress(t *testing.T) {
	for _, ep := range []Endpoint{
		{Host: "", Port: 80},
		{Host: "node1", Port: 0},
		{Host: "evil.com/path", Port: 80},
		{Host: "user@node1", Port: 80},
		{Host: "node 1", Port: 80},
	} {
		_, err := ep.URL()
		var addrErr *AddressError
		if !errors.As(err, &addrErr) {
			t.Fatalf("URL(%+v) = %v, want *AddressError", ep, err)
		}
	}
}

func TestParseAddress(t *testing.T) {
	cases := []struct {
		in     string
		secure bool
		host   string
		port   uint16
	}{
		{"node1", false, "node1", 80},
		{"node1", true, "node1", 443},
		{"node1:8000", true, "node1", 8000},
		{"https://node1.example.com", true, "node1.example.com", 443},
		{"http://10.1.2.3:9000/ignored", false, "10.1.2.3", 9000},
		{"[::1]:7000", false, "::1", 7000},
	}
	for _, c := range cases {
		host, port, err := ParseAddress(c.in, c.secure)
		if err != nil || host != c.host || port != c.port {
			t.Fatalf("ParseAddress(%q,%v) = (%q,%d,%v), want (%q,%d)", c.in, c.secure, host, port, err, c.host, c.port)
		}
	}
}

func TestParseAddressErrors(t *testing.T) {
	for _, in := range []string{"", "http://", "node1:0", "node1:70000", "node1:abc"} {
		if _, _, err := ParseAddress(in, false); err == nil {
			t.Fatalf("ParseAddress(%q) succeeded, want error", in)
		}
	}
}

func TestNewToken(t *testing.T) {
	a, b := NewToken(), NewToken()
	if len(a) != 64 || a == b {
		t.Fatalf("NewToken = %q, %q", a, b)
	}
}

func TestEndpointString(t *testing.T) {
	id := uuid.MustParse("6a0f0f3e-6d52-4b8a-9d56-1f2b7f0a4c11")
	ep := Endpoint{ID: id, Host: "node1", Port: 8000}
	if got := ep.String(); got != id.String()+"@node1:8000" {
		t.Fatalf("String() = %q", got)
	}
}
