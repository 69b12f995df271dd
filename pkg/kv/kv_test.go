package kv

import (
	"bytes"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestPutGetDelete_NoTTL(t *testing.T) {
	s := NewStore(1 << 20)

	data := map[string][]byte{
		"a": []byte("alpha"),
		"b": []byte("beta"),
		"c": []byte("gamma"),
	}
	for k, v := range data {
		s.Put(k, v, 0)
	}

	if got := s.Len(); got != len(data) {
		t.Fatalf("Len = %d, want %d", got, len(data))
	}
	for k, v := range data {
		got, ok := s.Get(k)
		if !ok || !bytes.Equal(got, v) {
			t.Fatalf("Get(%q) = %q,%v want %q", k, got, ok, v)
		}
	}

	if ok := s.Delete("b"); !ok {
		t.Fatalf("Delete(b) = false, want true")
	}
	if ok := s.Delete("b"); ok {
		t.Fatalf("second Delete(b) = true, want false")
	}
	if _, ok := s.Get("b"); ok {
		t.Fatalf("Get(b) ok after delete")
	}
}

func TestOverwriteKeepsLen(t *testing.T) {
	s := NewStore(1 << 20)
	s.Put("x", []byte("one"), 0)
	s.Put("x", []byte("two"), 0)
	if got := s.Len(); got != 1 {
		t.Fatalf("Len after overwrite = %d, want 1", got)
	}
	v, ok := s.Get("x")
	if !ok || string(v) != "two" {
		t.Fatalf("Get(x) = %q,%v want two,true", v, ok)
	}
}

func TestTTLExpiry(t *testing.T) {
	s := NewStore(1 << 20)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	s.Put("k", []byte("v"), 50*time.Millisecond)
	if _, ok := s.Get("k"); !ok {
		t.Fatalf("fresh key with TTL should be readable")
	}
	now = now.Add(90 * time.Millisecond)
	if _, ok := s.Get("k"); ok {
		t.Fatalf("expected key to expire")
	}

	s.Put("noTTL", []byte("v2"), 0)
	now = now.Add(time.Hour)
	if _, ok := s.Get("noTTL"); !ok {
		t.Fatalf("noTTL key unexpectedly missing")
	}
}

func TestEvictionByCapacity_LRU(t *testing.T) {
	// Sizes count key + value bytes.
	s := NewStore(10)

	s.Put("a", []byte("123"), 0) // 4
	s.Put("b", []byte("45"), 0)  // 3, total 7

	// Touch "a" so it's the most-recent.
	if _, ok := s.Get("a"); !ok {
		t.Fatalf("precondition failed: expected to get a before eviction")
	}

	s.Put("c", []byte("678"), 0) // 4, total 11 → evict b

	if _, ok := s.Get("a"); !ok {
		t.Fatalf("expected a to remain")
	}
	if _, ok := s.Get("c"); !ok {
		t.Fatalf("expected c to be present")
	}
	if _, ok := s.Get("b"); ok {
		t.Fatalf("expected b to be evicted")
	}
}

func TestPutIfAbsent(t *testing.T) {
	s := NewStore(1 << 20)
	now := time.Unix(1000, 0)
	s.now = func() time.Time { return now }

	if !s.PutIfAbsent("nonce", nil, time.Minute) {
		t.Fatalf("first PutIfAbsent = false")
	}
	if s.PutIfAbsent("nonce", nil, time.Minute) {
		t.Fatalf("second PutIfAbsent within TTL = true")
	}
	now = now.Add(2 * time.Minute)
	if !s.PutIfAbsent("nonce", nil, time.Minute) {
		t.Fatalf("PutIfAbsent after expiry = false")
	}
	if s.Len() != 1 {
		t.Fatalf("Len = %d, want 1", s.Len())
	}
}

func TestPutIfAbsentConcurrentSingleWinner(t *testing.T) {
	s := NewStore(1 << 20)
	var wins atomic.Int32
	var wg sync.WaitGroup
	for range 64 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if s.PutIfAbsent("same", nil, time.Minute) {
				wins.Add(1)
			}
		}()
	}
	wg.Wait()
	if wins.Load() != 1 {
		t.Fatalf("PutIfAbsent winners = %d, want 1", wins.Load())
	}
}

func TestConcurrentAccess_NoRaces(t *testing.T) {
	s := NewStore(1 << 20)

	var wg sync.WaitGroup
	const G = 32
	const N = 2000

	errCh := make(chan error, G)
	var stop atomic.Bool

	for gid := range G {
		wg.Add(1)
		go func(gid int) {
			defer wg.Done()
			for i := range N {
				if stop.Load() {
					return
				}
				k := fmt.Sprintf("k-%d-%d", gid, i)
				v := fmt.Appendf(nil, "v-%d", i)

				s.Put(k, v, 0)

				got, ok := s.Get(k)
				if !ok {
					errCh <- fmt.Errorf("missing key=%s right after Put", k)
					stop.Store(true)
					return
				}
				if !bytes.Equal(got, v) {
					errCh <- fmt.Errorf("mismatch for key=%s", k)
					stop.Store(true)
					return
				}

				if i%7 == 0 {
					s.Delete(k)
				}
			}
		}(gid)
	}

	wg.Wait()
	close(errCh)

	for err := range errCh {
		t.Fatalf("concurrency test failed: %v", err)
	}
}
