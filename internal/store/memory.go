package store

import (
	"context"
	"sort"
	"sync"

	"github.com/xkilldash9x/scriptgym/api/schemas"
)

// MemoryStore keeps run history in process memory. Records are stored in
// encoded form so callers never share state with the store.
type MemoryStore struct {
	mu   sync.RWMutex
	rows map[string]row
}

// NewMemory creates an empty MemoryStore.
func NewMemory() *MemoryStore {
	return &MemoryStore{rows: make(map[string]row)}
}

func (s *MemoryStore) Save(_ context.Context, rec *schemas.RunRecord) error {
	r, err := encodeRow(rec)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[r.ID] = r
	return nil
}

func (s *MemoryStore) Load(_ context.Context) ([]schemas.RunRecord, error) {
	s.mu.RLock()
	rows := make([]row, 0, len(s.rows))
	for _, r := range s.rows {
		rows = append(rows, r)
	}
	s.mu.RUnlock()

	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Timestamp.Equal(rows[j].Timestamp) {
			return rows[i].ID > rows[j].ID
		}
		return rows[i].Timestamp.After(rows[j].Timestamp)
	})

	records := make([]schemas.RunRecord, 0, len(rows))
	for _, r := range rows {
		rec, err := r.decode()
		if err != nil {
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*schemas.RunRecord, error) {
	s.mu.RLock()
	r, ok := s.rows[id]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrRunNotFound
	}
	rec, err := r.decode()
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *MemoryStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.rows[id]; !ok {
		return ErrRunNotFound
	}
	delete(s.rows, id)
	return nil
}

func (s *MemoryStore) Clear(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows = make(map[string]row)
	return nil
}

func (s *MemoryStore) Close() error { return nil }
