// Package cachepool is a fixed size key/value pool with clock sweep eviction.
package cachepool

import (
	"sync"

	"go.uber.org/zap"
)

// DefaultPoolSize is the default number of slots in the pool
const DefaultPoolSize = 1000

// slot is a single entry in the pool
type slot[K comparable, V any] struct {
	key   K
	value V
	valid bool

	// For clock sweep algorithm
	referenced bool
	usageCount int
}

// Stats is a snapshot of pool counters.
type Stats struct {
	Size      int    `json:"size"`
	Capacity  int    `json:"capacity"`
	Hits      uint64 `json:"hits"`
	Misses    uint64 `json:"misses"`
	Evictions uint64 `json:"evictions"`
}

// Pool maps keys to values in a bounded number of slots. When full, Put
// evicts with a clock sweep: a recently read slot gets a second chance.
type Pool[K comparable, V any] struct {
	mu    sync.Mutex
	slots []slot[K, V]
	index map[K]int

	// For clock sweep algorithm
	clockHand int
	maxSlots  int

	// Stats
	hits      uint64
	misses    uint64
	evictions uint64

	logger *zap.SugaredLogger
}

// New creates a pool with the given number of slots.
func New[K comparable, V any](size int, logger *zap.SugaredLogger) *Pool[K, V] {
	if size <= 0 {
		size = DefaultPoolSize
	}
	if logger == nil {
		logger = zap.NewNop().Sugar()
	}
	return &Pool[K, V]{
		slots:    make([]slot[K, V], size),
		index:    make(map[K]int, size),
		maxSlots: size,
		logger:   logger,
	}
}

// Get returns the value stored under key.
func (p *Pool[K, V]) Get(key K) (V, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, found := p.index[key]
	if !found {
		p.misses++
		var zero V
		return zero, false
	}
	s := &p.slots[id]
	s.referenced = true
	s.usageCount++
	p.hits++
	return s.value, true
}

// Put stores value under key, replacing any previous value.
func (p *Pool[K, V]) Put(key K, value V) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if id, found := p.index[key]; found {
		s := &p.slots[id]
		s.value = value
		s.referenced = true
		return
	}

	id := p.findFreeSlot()
	s := &p.slots[id]
	if s.valid {
		delete(p.index, s.key)
	}
	*s = slot[K, V]{key: key, value: value, valid: true, referenced: true, usageCount: 1}
	p.index[key] = id
}

// findFreeSlot returns an unused slot, evicting one when the pool is full.
// Caller holds p.mu.
func (p *Pool[K, V]) findFreeSlot() int {
	// First pass: look for an invalid (unused) slot
	if len(p.index) < p.maxSlots {
		for i := range p.slots {
			if !p.slots[i].valid {
				return i
			}
		}
	}

	// Second pass: clock sweep. Every referenced bit is cleared on the first
	// lap, so a victim is found within two laps.
	for {
		id := p.clockHand
		p.clockHand = (p.clockHand + 1) % p.maxSlots

		s := &p.slots[id]
		if s.referenced {
			s.referenced = false
			continue
		}
		p.evictions++
		p.logger.Debugw("Evicting cache slot", "slot", id, "usage", s.usageCount)
		return id
	}
}

// Delete removes key, reporting whether it was present.
func (p *Pool[K, V]) Delete(key K) bool {
	p.mu.Lock()
	defer p.mu.Unlock()

	id, found := p.index[key]
	if !found {
		return false
	}
	p.slots[id] = slot[K, V]{}
	delete(p.index, key)
	return true
}

// DeleteFunc removes every entry for which match returns true and returns
// how many were removed.
func (p *Pool[K, V]) DeleteFunc(match func(K, V) bool) int {
	p.mu.Lock()
	defer p.mu.Unlock()

	removed := 0
	for key, id := range p.index {
		if match(key, p.slots[id].value) {
			p.slots[id] = slot[K, V]{}
			delete(p.index, key)
			removed++
		}
	}
	return removed
}

// Len returns the number of live entries.
func (p *Pool[K, V]) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.index)
}

func (p *Pool[K, V]) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()
	return Stats{
		Size:      len(p.index),
		Capacity:  p.maxSlots,
		Hits:      p.hits,
		Misses:    p.misses,
		Evictions: p.evictions,
	}
}
