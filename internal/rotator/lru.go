package rotator

import "container/list"

// lruMap is a small bounded map with least-recently-used eviction. Callers
// hold the rotator lock, so it is not safe for concurrent use on its own.
type lruMap struct {
	capacity int
	ll       *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	key   string
	value any
}

func newLRUMap(capacity int) *lruMap {
	return &lruMap{
		capacity: capacity,
		ll:       list.New(),
		items:    make(map[string]*list.Element),
	}
}

func (m *lruMap) get(key string) (any, bool) {
	el, ok := m.items[key]
	if !ok {
		return nil, false
	}
	m.ll.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (m *lruMap) put(key string, value any) {
	if el, ok := m.items[key]; ok {
		m.ll.MoveToFront(el)
		el.Value.(*lruEntry).value = value
		return
	}
	el := m.ll.PushFront(&lruEntry{key: key, value: value})
	m.items[key] = el
	if m.ll.Len() > m.capacity {
		oldest := m.ll.Back()
		if oldest != nil {
			m.ll.Remove(oldest)
			delete(m.items, oldest.Value.(*lruEntry).key)
		}
	}
}

func (m *lruMap) len() int {
	return m.ll.Len()
}
