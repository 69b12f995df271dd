package discovery

import (
	"context"
	"fmt"
	"slices"

	"github.com/google/uuid"

	"github.com/Profiidev/smaug/internal/config"
	"github.com/Profiidev/smaug/pkg/node"
)

// Static is a fixed node list, used when no etcd endpoints are configured.
type Static []node.Endpoint

// FromConfig parses the configured node list. Missing ids are generated.
func FromConfig(nodes []config.StaticNode) (Static, error) {
	out := make(Static, 0, len(nodes))
	for i, n := range nodes {
		id := uuid.New()
		if n.ID != "" {
			parsed, err := uuid.Parse(n.ID)
			if err != nil {
				return nil, fmt.Errorf("nodes[%d]: invalid id: %w", i, err)
			}
			id = parsed
		}
		host, port, err := node.ParseAddress(n.Address, n.Secure)
		if err != nil {
			return nil, fmt.Errorf("nodes[%d]: %w", i, err)
		}
		out = append(out, node.Endpoint{ID: id, Host: host, Port: port, Secure: n.Secure, Token: n.Token})
	}
	return out, nil
}

func (s Static) List(context.Context) ([]node.Endpoint, error) {
	return slices.Clone(s), nil
}

// Watch never yields events; the channel closes with ctx.
func (s Static) Watch(ctx context.Context) <-chan Event {
	out := make(chan Event)
	go func() {
		<-ctx.Done()
		close(out)
	}()
	return out
}
