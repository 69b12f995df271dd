// Package discovery is the node store: the persistent list of node endpoints
// the registry bootstraps from and follows afterwards.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap"

	"github.com/Profiidev/smaug/pkg/node"
)

const DefaultPrefix = "/smaug/nodes/"

type EventKind uint8

const (
	EventPut EventKind = iota
	EventDelete
)

func (k EventKind) String() string {
	if k == EventDelete {
		return "delete"
	}
	return "put"
}

// Event is a change to one node record. Endpoint is only set for EventPut.
type Event struct {
	Kind     EventKind
	ID       uuid.UUID
	Endpoint node.Endpoint
}

// Store lists the known nodes and follows later changes.
type Store interface {
	List(ctx context.Context) ([]node.Endpoint, error)
	// Watch streams changes made after the last List until ctx is done or
	// the watch breaks, then closes the channel. Callers recover from a
	// broken watch with a fresh List; Follow does that.
	Watch(ctx context.Context) <-chan Event
}

func NewClient(endpoints []string, dialTimeout time.Duration) (*clientv3.Client, error) {
	return clientv3.New(clientv3.Config{
		Endpoints:   endpoints,
		DialTimeout: dialTimeout,
	})
}

// EtcdStore keeps one JSON endpoint record per node under prefix+id.
type EtcdStore struct {
	kv      clientv3.KV
	watcher clientv3.Watcher
	prefix  string
	log     *zap.Logger

	// revision of the last List; Watch resumes right after it.
	rev atomic.Int64
}

func NewEtcdStore(cli *clientv3.Client, prefix string, log *zap.Logger) *EtcdStore {
	return newEtcdStore(cli.KV, cli.Watcher, prefix, log)
}

func newEtcdStore(kv clientv3.KV, watcher clientv3.Watcher, prefix string, log *zap.Logger) *EtcdStore {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &EtcdStore{kv: kv, watcher: watcher, prefix: prefix, log: log}
}

// List returns every decodable node record. Undecodable records are logged
// and skipped.
func (s *EtcdStore) List(ctx context.Context) ([]node.Endpoint, error) {
	resp, err := s.kv.Get(ctx, s.prefix, clientv3.WithPrefix())
	if err != nil {
		return nil, fmt.Errorf("list nodes under %s: %w", s.prefix, err)
	}
	if resp.Header != nil {
		s.rev.Store(resp.Header.Revision)
	}

	out := make([]node.Endpoint, 0, len(resp.Kvs))
	for _, kv := range resp.Kvs {
		ep, err := s.decode(kv.Key, kv.Value)
		if err != nil {
			s.log.Warn("Skipping node record", zap.ByteString("key", kv.Key), zap.Error(err))
			continue
		}
		out = append(out, ep)
	}
	return out, nil
}

func (s *EtcdStore) Put(ctx context.Context, ep node.Endpoint) error {
	data, err := json.Marshal(ep)
	if err != nil {
		return err
	}
	if _, err := s.kv.Put(ctx, s.key(ep.ID), string(data)); err != nil {
		return fmt.Errorf("put node %s: %w", ep.ID, err)
	}
	return nil
}

func (s *EtcdStore) Delete(ctx context.Context, id uuid.UUID) error {
	if _, err := s.kv.Delete(ctx, s.key(id)); err != nil {
		return fmt.Errorf("delete node %s: %w", id, err)
	}
	return nil
}

func (s *EtcdStore) Watch(ctx context.Context) <-chan Event {
	opts := []clientv3.OpOption{clientv3.WithPrefix()}
	if rev := s.rev.Load(); rev > 0 {
		opts = append(opts, clientv3.WithRev(rev+1))
	}
	wctx, cancel := context.WithCancel(ctx)
	wch := s.watcher.Watch(wctx, s.prefix, opts...)

	out := make(chan Event)
	go func() {
		defer close(out)
		defer cancel()
		for resp := range wch {
			if err := resp.Err(); err != nil {
				s.log.Warn("Node watch failed", zap.Int64("compact_revision", resp.CompactRevision), zap.Error(err))
				return
			}
			for _, ev := range resp.Events {
				e, err := s.event(ev)
				if err != nil {
					s.log.Warn("Skipping node event", zap.ByteString("key", ev.Kv.Key), zap.Error(err))
					continue
				}
				select {
				case out <- e:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}

func (s *EtcdStore) event(ev *clientv3.Event) (Event, error) {
	switch ev.Type {
	case mvccpb.PUT:
		ep, err := s.decode(ev.Kv.Key, ev.Kv.Value)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventPut, ID: ep.ID, Endpoint: ep}, nil
	case mvccpb.DELETE:
		id, err := s.id(ev.Kv.Key)
		if err != nil {
			return Event{}, err
		}
		return Event{Kind: EventDelete, ID: id}, nil
	default:
		return Event{}, fmt.Errorf("unexpected event type %v", ev.Type)
	}
}

// decode trusts the key for the id; the record body carries the rest.
func (s *EtcdStore) decode(key, value []byte) (node.Endpoint, error) {
	id, err := s.id(key)
	if err != nil {
		return node.Endpoint{}, err
	}
	var ep node.Endpoint
	if err := json.Unmarshal(value, &ep); err != nil {
		return node.Endpoint{}, fmt.Errorf("decode node record: %w", err)
	}
	ep.ID = id
	return ep, nil
}

func (s *EtcdStore) id(key []byte) (uuid.UUID, error) {
	raw := strings.TrimPrefix(string(key), s.prefix)
	id, err := uuid.Parse(raw)
	if err != nil {
		return uuid.Nil, fmt.Errorf("node key %q: %w", key, err)
	}
	return id, nil
}

func (s *EtcdStore) key(id uuid.UUID) string { return s.prefix + id.String() }
