package persistence

import (
	"context"
	"sort"
	"sync"
)

// memoryBackend is an in-memory backend.
// Suitable for development and testing. Data is lost on restart.
type memoryBackend struct {
	mu      sync.RWMutex
	records map[string]map[string]*record
	closed  bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore() *RecordStore {
	return newRecordStore(&memoryBackend{records: make(map[string]map[string]*record)})
}

func cloneRecord(r *record) *record {
	c := *r
	c.Data = append([]byte(nil), r.Data...)
	return &c
}

func (m *memoryBackend) coll(name string) map[string]*record {
	c, ok := m.records[name]
	if !ok {
		c = make(map[string]*record)
		m.records[name] = c
	}
	return c
}

func (m *memoryBackend) create(_ context.Context, rec *record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	c := m.coll(rec.Collection)
	if _, ok := c[rec.ID]; ok {
		return ErrAlreadyExists
	}
	rec.Version = 1
	c[rec.ID] = cloneRecord(rec)
	return nil
}

func (m *memoryBackend) get(_ context.Context, coll, id string) (*record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	r, ok := m.records[coll][id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(r), nil
}

func (m *memoryBackend) put(_ context.Context, rec *record, expected int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	c := m.coll(rec.Collection)
	cur, ok := c[rec.ID]
	if expected > 0 {
		if !ok {
			return ErrNotFound
		}
		if cur.Version != expected {
			return ErrConflict
		}
	}
	rec.Version = 1
	if ok {
		rec.Version = cur.Version + 1
	}
	c[rec.ID] = cloneRecord(rec)
	return nil
}

func (m *memoryBackend) list(_ context.Context, coll, parent string) ([]*record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, ErrStoreClosed
	}
	out := make([]*record, 0)
	for _, r := range m.records[coll] {
		if r.Parent == parent {
			out = append(out, cloneRecord(r))
		}
	}
	sortRecords(out)
	return out, nil
}

func sortRecords(recs []*record) {
	sort.Slice(recs, func(i, j int) bool {
		if recs[i].Seq != recs[j].Seq {
			return recs[i].Seq < recs[j].Seq
		}
		return recs[i].ID < recs[j].ID
	})
}

func (m *memoryBackend) count(_ context.Context, coll, parent string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return 0, ErrStoreClosed
	}
	n := 0
	for _, r := range m.records[coll] {
		if r.Parent == parent {
			n++
		}
	}
	return n, nil
}

func (m *memoryBackend) deleteAll(_ context.Context, coll, parent string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return ErrStoreClosed
	}
	for id, r := range m.records[coll] {
		if r.Parent == parent {
			delete(m.records[coll], id)
		}
	}
	return nil
}

func (m *memoryBackend) ping(context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return ErrStoreClosed
	}
	return nil
}

func (m *memoryBackend) close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}
