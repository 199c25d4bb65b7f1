package ledger

import (
	"context"
	"sort"
	"sync"

	"permapaste/pkg/domain"
)

// MemStore keeps records in memory. It backs tests and ad hoc clients.
type MemStore struct {
	mu      sync.RWMutex
	records map[string]*Record
}

func NewMemStore() *MemStore {
	return &MemStore{records: make(map[string]*Record)}
}

func (m *MemStore) Append(ctx context.Context, r *Record) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.records[r.ID]; ok {
		return nil
	}
	m.records[r.ID] = cloneRecord(r)
	return nil
}

func (m *MemStore) Get(ctx context.Context, id string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[id]
	if !ok {
		return nil, domain.ErrRecordNotFound
	}
	return cloneRecord(r), nil
}

func (m *MemStore) Exists(ctx context.Context, id string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	_, ok := m.records[id]
	return ok, nil
}

func (m *MemStore) FindByTag(ctx context.Context, tag RawTag, limit int) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var matches []*Record
	for _, r := range m.records {
		for _, t := range r.Tags {
			if t == tag {
				matches = append(matches, r)
				break
			}
		}
	}
	sort.Slice(matches, func(i, j int) bool {
		if !matches[i].CreatedAt.Equal(matches[j].CreatedAt) {
			return matches[i].CreatedAt.After(matches[j].CreatedAt)
		}
		return matches[i].ID < matches[j].ID
	})
	ids := make([]string, 0, len(matches))
	for i := 0; i < len(matches) && i < limit; i++ {
		ids = append(ids, matches[i].ID)
	}
	return ids, nil
}

func (m *MemStore) Ping(ctx context.Context) error { return ctx.Err() }

func (m *MemStore) Close() error { return nil }

func cloneRecord(r *Record) *Record {
	c := *r
	c.Payload = append([]byte(nil), r.Payload...)
	c.Signature = append([]byte(nil), r.Signature...)
	c.Tags = append([]RawTag(nil), r.Tags...)
	return &c
}
