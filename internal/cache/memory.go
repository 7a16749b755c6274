package cache

import (
	"container/list"
	"context"
	"sync"
	"time"

	"gemini-stealth-gateway/internal/shared/logs"

	"github.com/jonboulle/clockwork"
)

// Memory is an in-process Store with a fixed entry bound and LRU eviction.
// Expiry is lazy on read; Sweep exists for a periodic bound on memory.
type Memory struct {
	mu       sync.Mutex
	clock    clockwork.Clock
	ttl      time.Duration
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type memoryEntry struct {
	hash      string
	entry     Entry
	expiresAt time.Time
}

func NewMemory(ttl time.Duration, capacity int, clock clockwork.Clock) *Memory {
	if ttl <= 0 {
		ttl = 300 * time.Second
	}
	if capacity <= 0 {
		capacity = 1024
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Memory{
		clock:    clock,
		ttl:      ttl,
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (m *Memory) Get(ctx context.Context, hash string) (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	el, ok := m.items[hash]
	if !ok {
		return Entry{}, false
	}
	me := el.Value.(*memoryEntry)
	if !m.clock.Now().Before(me.expiresAt) {
		m.ll.Remove(el)
		delete(m.items, hash)
		return Entry{}, false
	}
	m.ll.MoveToFront(el)
	return me.entry, true
}

func (m *Memory) Put(ctx context.Context, hash string, e Entry) {
	if !success(e.StatusCode) {
		return
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	expiresAt := m.clock.Now().Add(m.ttl)
	if el, ok := m.items[hash]; ok {
		me := el.Value.(*memoryEntry)
		me.entry = e
		me.expiresAt = expiresAt
		m.ll.MoveToFront(el)
		return
	}

	el := m.ll.PushFront(&memoryEntry{hash: hash, entry: e, expiresAt: expiresAt})
	m.items[hash] = el
	if m.ll.Len() > m.capacity {
		oldest := m.ll.Back()
		if oldest != nil {
			m.ll.Remove(oldest)
			delete(m.items, oldest.Value.(*memoryEntry).hash)
		}
	}
}

// Sweep drops every expired entry. Called from the maintenance scheduler so
// memory is bounded even when expired hashes are never read again.
func (m *Memory) Sweep() int {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.clock.Now()
	removed := 0
	for el := m.ll.Back(); el != nil; {
		prev := el.Prev()
		me := el.Value.(*memoryEntry)
		if !now.Before(me.expiresAt) {
			m.ll.Remove(el)
			delete(m.items, me.hash)
			removed++
		}
		el = prev
	}
	if removed > 0 {
		logs.Debug("cache sweep removed expired entries", "removed", removed, "remaining", m.ll.Len())
	}
	return removed
}

// Len reports the live entry count.
func (m *Memory) Len() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ll.Len()
}
