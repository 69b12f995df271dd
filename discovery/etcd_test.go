package discovery

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/etcd/api/v3/etcdserverpb"
	"go.etcd.io/etcd/api/v3/mvccpb"
	clientv3 "go.etcd.io/etcd/client/v3"
	"go.uber.org/zap/zaptest"

	"github.com/Profiidev/smaug/internal/config"
	"github.com/Profiidev/smaug/internal/testutil"
	"github.com/Profiidev/smaug/pkg/node"
)

// fakeKV implements the prefix Get, Put and Delete calls the store makes.
type fakeKV struct {
	clientv3.KV

	mu   sync.Mutex
	data map[string]string
	rev  int64
}

func newFakeKV() *fakeKV { return &fakeKV{data: make(map[string]string)} }

func (f *fakeKV) Get(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.GetResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	keys := make([]string, 0, len(f.data))
	for k := range f.data {
		if strings.HasPrefix(k, key) {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)

	resp := &clientv3.GetResponse{Header: &etcdserverpb.ResponseHeader{Revision: f.rev}}
	for _, k := range keys {
		resp.Kvs = append(resp.Kvs, &mvccpb.KeyValue{Key: []byte(k), Value: []byte(f.data[k])})
	}
	return resp, nil
}

func (f *fakeKV) Put(_ context.Context, key, val string, _ ...clientv3.OpOption) (*clientv3.PutResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.data[key] = val
	f.rev++
	return &clientv3.PutResponse{}, nil
}

func (f *fakeKV) Delete(_ context.Context, key string, _ ...clientv3.OpOption) (*clientv3.DeleteResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.data, key)
	f.rev++
	return &clientv3.DeleteResponse{}, nil
}

// fakeWatcher hands every Watch call a fresh stream on streams.
type fakeWatcher struct {
	clientv3.Watcher

	mu      sync.Mutex
	key     string
	streams chan chan clientv3.WatchResponse
}

func newFakeWatcher() *fakeWatcher {
	return &fakeWatcher{streams: make(chan chan clientv3.WatchResponse, 4)}
}

func (w *fakeWatcher) Watch(_ context.Context, key string, _ ...clientv3.OpOption) clientv3.WatchChan {
	w.mu.Lock()
	w.key = key
	w.mu.Unlock()
	ch := make(chan clientv3.WatchResponse, 1)
	w.streams <- ch
	return ch
}

func (w *fakeWatcher) watchedKey() string {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.key
}

func putEvent(t *testing.T, prefix string, ep node.Endpoint) *clientv3.Event {
	t.Helper()
	body, err := json.Marshal(ep)
	if err != nil {
		t.Fatalf("marshal endpoint: %v", err)
	}
	return &clientv3.Event{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Key: []byte(prefix + ep.ID.String()), Value: body}}
}

func testEndpoint() node.Endpoint {
	return node.Endpoint{ID: uuid.New(), Host: "node1.internal", Port: 8000, Secure: true, Token: node.NewToken()}
}

func TestPutListDelete(t *testing.T) {
	kv := newFakeKV()
	s := newEtcdStore(kv, nil, "/test/nodes", zaptest.NewLogger(t))
	ctx := context.Background()

	a, b := testEndpoint(), testEndpoint()
	for _, ep := range []node.Endpoint{a, b} {
		if err := s.Put(ctx, ep); err != nil {
			t.Fatalf("Put(%s): %v", ep, err)
		}
	}
	if _, ok := kv.data["/test/nodes/"+a.ID.String()]; !ok {
		t.Fatalf("record not stored under prefix/id: %v", kv.data)
	}

	got, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("List returned %d endpoints, want 2", len(got))
	}
	for _, ep := range got {
		if ep != a && ep != b {
			t.Fatalf("unexpected endpoint %+v", ep)
		}
	}
	if s.rev.Load() != 2 {
		t.Fatalf("list revision = %d, want 2", s.rev.Load())
	}

	if err := s.Delete(ctx, a.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, _ = s.List(ctx)
	if len(got) != 1 || got[0] != b {
		t.Fatalf("after Delete List = %+v, want [%+v]", got, b)
	}
}

func TestListSkipsBadRecords(t *testing.T) {
	kv := newFakeKV()
	s := newEtcdStore(kv, nil, "", nil)
	ctx := context.Background()

	good := testEndpoint()
	_ = s.Put(ctx, good)
	kv.data[DefaultPrefix+"not-a-uuid"] = `{"host":"x","port":1}`
	kv.data[DefaultPrefix+uuid.NewString()] = `{broken`

	got, err := s.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(got) != 1 || got[0] != good {
		t.Fatalf("List = %+v, want only the decodable record", got)
	}
}

func TestKeyIDWinsOverRecordBody(t *testing.T) {
	kv := newFakeKV()
	s := newEtcdStore(kv, nil, "", nil)

	id := uuid.New()
	kv.data[DefaultPrefix+id.String()] = `{"id":"` + uuid.NewString() + `","host":"h","port":9}`
	got, _ := s.List(context.Background())
	if len(got) != 1 || got[0].ID != id {
		t.Fatalf("List = %+v, want id %s from the key", got, id)
	}
}

func TestWatchTranslatesEvents(t *testing.T) {
	w := newFakeWatcher()
	s := newEtcdStore(newFakeKV(), w, "/w/", zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := s.Watch(ctx)
	stream := testutil.RequireReceive(t, w.streams, time.Second, "watch not started")
	if key := w.watchedKey(); key != "/w/" {
		t.Fatalf("watched key = %q, want the prefix", key)
	}

	ep := testEndpoint()
	body := `{"host":"node1.internal","port":8000,"secure":true,"token":"` + ep.Token + `"}`
	stream <- clientv3.WatchResponse{Events: []*clientv3.Event{
		{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Key: []byte("/w/" + ep.ID.String()), Value: []byte(body)}},
		{Type: mvccpb.PUT, Kv: &mvccpb.KeyValue{Key: []byte("/w/garbage"), Value: []byte(body)}},
		{Type: mvccpb.DELETE, Kv: &mvccpb.KeyValue{Key: []byte("/w/" + ep.ID.String())}},
	}}

	put := testutil.RequireReceive(t, events, time.Second, "put event")
	if put.Kind != EventPut || put.Endpoint != ep {
		t.Fatalf("put event = %+v, want endpoint %+v", put, ep)
	}
	del := testutil.RequireReceive(t, events, time.Second, "delete event")
	if del.Kind != EventDelete || del.ID != ep.ID {
		t.Fatalf("delete event = %+v, want delete of %s", del, ep.ID)
	}

	close(stream)
	if _, ok := <-events; ok {
		t.Fatal("event channel still open after the watch ended")
	}
}

func TestWatchEndsOnCompaction(t *testing.T) {
	w := newFakeWatcher()
	s := newEtcdStore(newFakeKV(), w, "/w/", zaptest.NewLogger(t))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	events := s.Watch(ctx)
	stream := testutil.RequireReceive(t, w.streams, time.Second, "watch not started")

	stream <- clientv3.WatchResponse{CompactRevision: 7, Canceled: true}
	select {
	case ev, ok := <-events:
		if ok {
			t.Fatalf("got %+v from a compacted watch, want the channel closed", ev)
		}
	case <-time.After(time.Second):
		t.Fatal("event channel still open after a compacted watch")
	}
}

// recordingHandler captures what Follow hands over.
type recordingHandler struct {
	applied chan Event
	resets  chan []node.Endpoint
}

func newRecordingHandler() *recordingHandler {
	return &recordingHandler{applied: make(chan Event, 8), resets: make(chan []node.Endpoint, 8)}
}

func (h *recordingHandler) Apply(ev Event)            { h.applied <- ev }
func (h *recordingHandler) Reset(eps []node.Endpoint) { h.resets <- eps }

func TestFollowResyncsAfterCompaction(t *testing.T) {
	kv, w := newFakeKV(), newFakeWatcher()
	s := newEtcdStore(kv, w, "/f/", zaptest.NewLogger(t))
	ctx, cancel := context.WithCancel(context.Background())

	stale, added, later := testEndpoint(), testEndpoint(), testEndpoint()
	if err := s.Put(ctx, stale); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := s.List(ctx); err != nil {
		t.Fatalf("List: %v", err)
	}

	h := newRecordingHandler()
	done := make(chan struct{})
	go func() {
		defer close(done)
		Follow(ctx, s, h, 10*time.Millisecond, zaptest.NewLogger(t))
	}()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	first := testutil.RequireReceive(t, w.streams, time.Second, "first watch")
	// Changes made while the watch is broken only show up in the next List.
	if err := s.Put(ctx, added); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := s.Delete(ctx, stale.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	first <- clientv3.WatchResponse{CompactRevision: 2, Canceled: true}

	eps := testutil.RequireReceive(t, h.resets, time.Second, "no resync after compaction")
	if len(eps) != 1 || eps[0] != added {
		t.Fatalf("resync listed %+v, want only %+v", eps, added)
	}

	second := testutil.RequireReceive(t, w.streams, time.Second, "watch not restarted")
	second <- clientv3.WatchResponse{Events: []*clientv3.Event{putEvent(t, "/f/", later)}}
	ev := testutil.RequireReceive(t, h.applied, time.Second, "put after resync")
	if ev.Kind != EventPut || ev.Endpoint != later {
		t.Fatalf("applied %+v, want put of %+v", ev, later)
	}
}

func TestStaticFromConfig(t *testing.T) {
	id := uuid.New()
	s, err := FromConfig([]config.StaticNode{
		{ID: id.String(), Address: "node1", Secure: true, Token: "t1"},
		{Address: "http://node2:8000/ignored", Token: "t2"},
	})
	if err != nil {
		t.Fatalf("FromConfig: %v", err)
	}

	got, _ := s.List(context.Background())
	if len(got) != 2 {
		t.Fatalf("List returned %d endpoints, want 2", len(got))
	}
	if got[0].ID != id || got[0].Host != "node1" || got[0].Port != 443 || !got[0].Secure {
		t.Fatalf("first node = %+v", got[0])
	}
	if got[1].ID == uuid.Nil || got[1].Host != "node2" || got[1].Port != 8000 {
		t.Fatalf("second node = %+v", got[1])
	}

	if _, err := FromConfig([]config.StaticNode{{ID: "nope", Address: "node1"}}); err == nil {
		t.Fatal("FromConfig accepted an invalid id")
	}
	if _, err := FromConfig([]config.StaticNode{{Address: ":80"}}); err == nil {
		t.Fatal("FromConfig accepted an address without host")
	}
}

func TestStaticWatchClosesWithContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	events := Static{}.Watch(ctx)
	cancel()
	select {
	case _, ok := <-events:
		if ok {
			t.Fatal("static store emitted an event")
		}
	case <-time.After(time.Second):
		t.Fatal("static watch did not close")
	}
}
