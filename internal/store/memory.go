package store

import (
	"context"
	"sort"
	"strings"
	"sync"
)

// Memory is an in-process Realtime backend. It backs the test suite and the
// offline demo mode of the terminal client; several sessions sharing one
// Memory instance see each other's writes exactly like clients of a hosted
// store, minus the network.
type Memory struct {
	mu     sync.Mutex
	values map[string][]byte // full path -> raw value
	order  []string          // full paths in first-write order
	subs   map[int]*memorySub
	nextID int
	closed bool
}

type memorySub struct {
	store *Memory
	id    int
	path  string
	fn    func(Record)
}

// NewMemory creates an empty in-process store.
func NewMemory() *Memory {
	return &Memory{
		values: make(map[string][]byte),
		subs:   make(map[int]*memorySub),
	}
}

// ReadOnce returns the children under path ordered by relative key.
// With a positive limit only the most recent limit children are returned.
func (m *Memory) ReadOnce(_ context.Context, path string, limit int) ([]Record, error) {
	prefix := strings.Trim(path, "/") + "/"

	m.mu.Lock()
	var recs []Record
	seen := make(map[string]bool)
	for _, full := range m.order {
		raw, ok := m.values[full]
		if !ok || seen[full] || !strings.HasPrefix(full, prefix) {
			continue
		}
		seen[full] = true
		val := make([]byte, len(raw))
		copy(val, raw)
		recs = append(recs, Record{Key: strings.TrimPrefix(full, prefix), Value: val})
	}
	m.mu.Unlock()

	sort.Slice(recs, func(i, j int) bool { return recs[i].Key < recs[j].Key })
	if limit > 0 && len(recs) > limit {
		recs = recs[len(recs)-limit:]
	}
	return recs, nil
}

// Subscribe registers fn for every write under path from now on.
// Events are delivered synchronously in write order.
func (m *Memory) Subscribe(_ context.Context, path string, fn func(Record)) (Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	sub := &memorySub{store: m, id: m.nextID, path: strings.Trim(path, "/"), fn: fn}
	m.nextID++
	m.subs[sub.id] = sub
	return sub, nil
}

// WriteAt replaces the value at path; a nil value deletes it.
func (m *Memory) WriteAt(_ context.Context, path string, value any) error {
	raw, err := marshal(value)
	if err != nil {
		return err
	}

	full := strings.Trim(path, "/")

	m.mu.Lock()
	if raw == nil {
		delete(m.values, full)
	} else {
		if _, seen := m.values[full]; !seen {
			m.order = append(m.order, full)
		}
		m.values[full] = raw
	}
	// Snapshot matching subscribers so callbacks run outside the lock.
	var notify []*memorySub
	for _, sub := range m.subs {
		if strings.HasPrefix(full, sub.path+"/") {
			notify = append(notify, sub)
		}
	}
	m.mu.Unlock()

	for _, sub := range notify {
		sub.fn(Record{Key: strings.TrimPrefix(full, sub.path+"/"), Value: raw})
	}
	return nil
}

// Close drops all subscriptions. Further writes are not delivered.
func (m *Memory) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.subs = make(map[int]*memorySub)
	m.closed = true
	return nil
}

func (s *memorySub) Cancel() {
	s.store.mu.Lock()
	defer s.store.mu.Unlock()
	delete(s.store.subs, s.id)
}
