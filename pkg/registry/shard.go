package registry

import (
	"hash/fnv"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/Profiidev/smaug/pkg/link"
)

const DefaultShards = 32

type Hasher func([]byte) uint32

// entry is the slot of one node. mu serializes connect and disconnect for
// that node only; sup is read without it.
type entry struct {
	mu      sync.Mutex
	sup     atomic.Pointer[link.Supervisor]
	removed bool
}

type shard struct {
	mu      sync.RWMutex
	entries map[uuid.UUID]*entry
}

// shardMap spreads node ids over independently locked shards. Shard locks
// only guard the maps and are never held while a supervisor starts or stops.
type shardMap struct {
	hash   Hasher
	shards []*shard
}

func newShardMap(n int, h Hasher) *shardMap {
	if n <= 0 {
		n = DefaultShards
	}
	if h == nil {
		h = fnv32a
	}
	m := &shardMap{hash: h, shards: make([]*shard, n)}
	for i := range m.shards {
		m.shards[i] = &shard{entries: make(map[uuid.UUID]*entry)}
	}
	return m
}

func (m *shardMap) shardFor(id uuid.UUID) *shard {
	return m.shards[m.hash(id[:])%uint32(len(m.shards))]
}

// get returns the live supervisor for id, if any.
func (m *shardMap) get(id uuid.UUID) *link.Supervisor {
	sh := m.shardFor(id)
	sh.mu.RLock()
	e := sh.entries[id]
	sh.mu.RUnlock()
	if e == nil {
		return nil
	}
	return e.sup.Load()
}

// lock returns the entry for id with its mutex held, creating it if needed.
func (m *shardMap) lock(id uuid.UUID) *entry {
	sh := m.shardFor(id)
	for {
		sh.mu.Lock()
		e, ok := sh.entries[id]
		if !ok {
			e = &entry{}
			sh.entries[id] = e
		}
		sh.mu.Unlock()

		e.mu.Lock()
		if !e.removed {
			return e
		}
		// Dropped by a concurrent disconnect between lookup and lock.
		e.mu.Unlock()
	}
}

// unlock releases e, dropping it from the map when it holds no supervisor.
func (m *shardMap) unlock(id uuid.UUID, e *entry) {
	if e.sup.Load() == nil {
		e.removed = true
		sh := m.shardFor(id)
		sh.mu.Lock()
		if sh.entries[id] == e {
			delete(sh.entries, id)
		}
		sh.mu.Unlock()
	}
	e.mu.Unlock()
}

// ids returns every id with an entry, including entries whose supervisor
// is still being installed.
func (m *shardMap) ids() []uuid.UUID {
	var out []uuid.UUID
	for _, sh := range m.shards {
		sh.mu.RLock()
		for id := range sh.entries {
			out = append(out, id)
		}
		sh.mu.RUnlock()
	}
	return out
}

func (m *shardMap) supervisors() []*link.Supervisor {
	var out []*link.Supervisor
	for _, sh := range m.shards {
		sh.mu.RLock()
		for _, e := range sh.entries {
			if s := e.sup.Load(); s != nil {
				out = append(out, s)
			}
		}
		sh.mu.RUnlock()
	}
	return out
}

func fnv32a(b []byte) uint32 {
	h := fnv.New32a()
	_, _ = h.Write(b)
	return h.Sum32()
}
