package kv

import (
	"container/list"
	"sync"
	"time"
)

type entry struct {
	key      string
	value    []byte
	expireAt time.Time
}

func (e *entry) size() int { return len(e.key) + len(e.value) }

func (e *entry) expired(now time.Time) bool {
	return !e.expireAt.IsZero() && now.After(e.expireAt)
}

// Store is a minimal in-memory KV with TTL and LRU eviction by bytes
// capacity. Keys count towards capacity, so a set of value-less keys (the
// agent's seen nonces) stays bounded too.
type Store struct {
	mu   sync.Mutex
	data map[string]*list.Element
	ll   *list.List
	used int
	cap  int
	now  func() time.Time
}

func NewStore(capacityBytes int) *Store {
	return &Store{
		data: make(map[string]*list.Element),
		ll:   list.New(),
		cap:  capacityBytes,
		now:  time.Now,
	}
}

func (s *Store) Put(key string, val []byte, ttl time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(key, val, ttl)
}

// PutIfAbsent stores key only when it is missing or expired and reports
// whether it did.
func (s *Store) PutIfAbsent(key string, val []byte, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.data[key]; ok {
		if !el.Value.(*entry).expired(s.now()) {
			return false
		}
		s.removeElement(el)
	}
	s.putLocked(key, val, ttl)
	return true
}

func (s *Store) Get(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if el, ok := s.data[key]; ok {
		e := el.Value.(*entry)
		if e.expired(s.now()) {
			s.removeElement(el)
			return nil, false
		}
		s.ll.MoveToFront(el)
		return append([]byte(nil), e.value...), true
	}
	return nil, false
}

func (s *Store) Delete(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if el, ok := s.data[key]; ok {
		s.removeElement(el)
		return true
	}
	return false
}

func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.data)
}

func (s *Store) putLocked(key string, val []byte, ttl time.Duration) {
	var exp time.Time
	if ttl > 0 {
		exp = s.now().Add(ttl)
	}

	if el, ok := s.data[key]; ok {
		old := el.Value.(*entry)
		s.used -= old.size()
		old.value = append([]byte(nil), val...)
		old.expireAt = exp
		s.used += old.size()
		s.ll.MoveToFront(el)
	} else {
		e := &entry{key: key, value: append([]byte(nil), val...), expireAt: exp}
		s.data[key] = s.ll.PushFront(e)
		s.used += e.size()
	}
	s.evictIfNeeded()
}

func (s *Store) evictIfNeeded() {
	for s.used > s.cap && s.ll.Back() != nil {
		s.removeElement(s.ll.Back())
	}
}

func (s *Store) removeElement(el *list.Element) {
	e := el.Value.(*entry)
	delete(s.data, e.key)
	s.used -= e.size()
	s.ll.Remove(el)
}
