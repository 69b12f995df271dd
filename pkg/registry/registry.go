// Package registry keeps one link supervisor per known node. It is safe for
// concurrent use; operations on one node never wait for another node.
package registry

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/Profiidev/smaug/discovery"
	"github.com/Profiidev/smaug/internal/telemetry"
	"github.com/Profiidev/smaug/pkg/link"
	"github.com/Profiidev/smaug/pkg/node"
	"github.com/Profiidev/smaug/pkg/wire"
)

var (
	ErrClosed      = errors.New("registry is closed")
	ErrUnknownNode = errors.New("unknown node")
)

type Options struct {
	// Link is the template for every supervisor. Its Logger defaults to
	// Logger.
	Link   link.Options
	Shards int
	Hasher Hasher
	Logger *zap.Logger
}

type Registry struct {
	log    *zap.Logger
	link   link.Options
	nodes  *shardMap
	closed atomic.Bool
}

// New loads every node from store and starts a supervisor for each. Nodes
// that are offline still get a supervisor; nodes whose address cannot form
// a URL are logged and skipped. Only a failing store fails construction.
func New(ctx context.Context, store discovery.Store, opts Options) (*Registry, error) {
	log := opts.Logger
	if log == nil {
		log = zap.NewNop()
	}
	linkOpts := opts.Link
	if linkOpts.Logger == nil {
		linkOpts.Logger = log
	}
	r := &Registry{
		log:   log,
		link:  linkOpts,
		nodes: newShardMap(opts.Shards, opts.Hasher),
	}

	eps, err := store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("load nodes: %w", err)
	}
	for _, ep := range eps {
		if err := r.ConnectEndpoint(ep); err != nil {
			log.Warn("Skipping node with unusable address", zap.Stringer("node", ep.ID), zap.Error(err))
		}
	}
	log.Info("Loaded nodes", zap.Int("stored", len(eps)), zap.Int("supervised", r.Len()))
	return r, nil
}

// Connect starts supervising the node, replacing and tearing down any
// existing supervisor for id. An address that cannot form a URL returns a
// *node.AddressError and leaves the existing supervisor untouched.
func (r *Registry) Connect(id uuid.UUID, host string, port uint16, secure bool, token string) error {
	return r.ConnectEndpoint(node.Endpoint{ID: id, Host: host, Port: port, Secure: secure, Token: token})
}

func (r *Registry) ConnectEndpoint(ep node.Endpoint) error {
	if r.closed.Load() {
		return ErrClosed
	}
	if _, err := ep.URL(); err != nil {
		return err
	}

	e := r.nodes.lock(ep.ID)
	defer r.nodes.unlock(ep.ID, e)
	if r.closed.Load() {
		return ErrClosed
	}

	if prev := e.sup.Swap(nil); prev != nil {
		prev.Disconnect()
		r.log.Debug("Replaced node supervisor", zap.Stringer("node", ep.ID))
	}
	s, err := link.New(ep, r.link)
	if err != nil {
		return err
	}
	e.sup.Store(s)
	return nil
}

// Disconnect stops supervising id. It is a no-op for unknown ids.
func (r *Registry) Disconnect(id uuid.UUID) {
	if r.nodes.get(id) == nil {
		return
	}
	e := r.nodes.lock(id)
	defer r.nodes.unlock(id, e)
	r.teardown(id, e)
}

func (r *Registry) teardown(id uuid.UUID, e *entry) {
	if s := e.sup.Swap(nil); s != nil {
		s.Disconnect()
		telemetry.ForgetLink(id.String())
	}
}

// IsConnected is false for unknown ids.
func (r *Registry) IsConnected(id uuid.UUID) bool {
	s := r.nodes.get(id)
	return s != nil && s.IsConnected()
}

// Send forwards msg to the node's socket. Unknown ids fail like a node that
// is not connected.
func (r *Registry) Send(id uuid.UUID, msg wire.Message) error {
	s := r.nodes.get(id)
	if s == nil {
		return link.ErrNotConnected
	}
	return s.Send(msg)
}

// HTTPClient returns a signing client and base URL for plain calls to id.
func (r *Registry) HTTPClient(id uuid.UUID) (*http.Client, string, error) {
	s := r.nodes.get(id)
	if s == nil {
		return nil, "", fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	client, base := s.HTTPClient()
	return client, base, nil
}

// Endpoint returns the endpoint the current supervisor of id was built from.
func (r *Registry) Endpoint(id uuid.UUID) (node.Endpoint, bool) {
	s := r.nodes.get(id)
	if s == nil {
		return node.Endpoint{}, false
	}
	return s.Endpoint(), true
}

// Statuses returns a snapshot of every supervisor ordered by id.
func (r *Registry) Statuses() []link.Status {
	sups := r.nodes.supervisors()
	out := make([]link.Status, 0, len(sups))
	for _, s := range sups {
		out = append(out, s.Status())
	}
	slices.SortFunc(out, func(a, b link.Status) int {
		return strings.Compare(a.ID.String(), b.ID.String())
	})
	return out
}

func (r *Registry) Len() int { return len(r.nodes.supervisors()) }

// Sync applies store events until ctx is done or events closes. A put with
// an unchanged endpoint keeps the running supervisor.
func (r *Registry) Sync(ctx context.Context, events <-chan discovery.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			r.Apply(ev)
		}
	}
}

// Apply brings one node in line with a store event.
func (r *Registry) Apply(ev discovery.Event) {
	log := r.log.With(zap.Stringer("node", ev.ID), zap.Stringer("event", ev.Kind))
	switch ev.Kind {
	case discovery.EventPut:
		if cur, ok := r.Endpoint(ev.ID); ok && cur == ev.Endpoint {
			return
		}
		if err := r.ConnectEndpoint(ev.Endpoint); err != nil {
			log.Warn("Failed to apply node update", zap.Error(err))
			return
		}
		log.Info("Node endpoint updated")
	case discovery.EventDelete:
		r.Disconnect(ev.ID)
		log.Info("Node removed")
	}
}

// Reset reconciles the registry with a full node list: new and changed
// endpoints are connected, nodes missing from eps are disconnected and
// unchanged ones keep their supervisor.
func (r *Registry) Reset(eps []node.Endpoint) {
	keep := make(map[uuid.UUID]struct{}, len(eps))
	for _, ep := range eps {
		keep[ep.ID] = struct{}{}
		r.Apply(discovery.Event{Kind: discovery.EventPut, ID: ep.ID, Endpoint: ep})
	}
	for _, id := range r.nodes.ids() {
		if _, ok := keep[id]; !ok {
			r.Apply(discovery.Event{Kind: discovery.EventDelete, ID: id})
		}
	}
	r.log.Info("Resynced nodes", zap.Int("stored", len(eps)), zap.Int("supervised", r.Len()))
}

// Close stops every supervisor and rejects later connects.
func (r *Registry) Close() {
	if r.closed.Swap(true) {
		return
	}
	var wg sync.WaitGroup
	for _, id := range r.nodes.ids() {
		wg.Add(1)
		go func(id uuid.UUID) {
			defer wg.Done()
			e := r.nodes.lock(id)
			defer r.nodes.unlock(id, e)
			r.teardown(id, e)
		}(id)
	}
	wg.Wait()
	r.log.Info("Registry closed")
}
