package pipeline

import (
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// registry keeps recently used runs so a retry does not reload the comic.
// Callers hold the comic lock while reading or mutating a cached run.
type registry struct {
	cache *lru.Cache[string, *Run]
}

func newRegistry(size int) (*registry, error) {
	cache, err := lru.New[string, *Run](size)
	if err != nil {
		return nil, err
	}
	return &registry{cache: cache}, nil
}

func (r *registry) get(id string) (*Run, bool) { return r.cache.Get(id) }

func (r *registry) add(run *Run) { r.cache.Add(run.ID, run) }

// keyedMutex serializes work per comic id.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*refMutex
}

type refMutex struct {
	sync.Mutex
	refs int
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*refMutex)}
}

// lock blocks until key is free and returns its unlock function.
func (k *keyedMutex) lock(key string) func() {
	k.mu.Lock()
	m, ok := k.locks[key]
	if !ok {
		m = &refMutex{}
		k.locks[key] = m
	}
	m.refs++
	k.mu.Unlock()

	m.Lock()
	return func() {
		m.Unlock()
		k.mu.Lock()
		m.refs--
		if m.refs == 0 {
			delete(k.locks, key)
		}
		k.mu.Unlock()
	}
}
