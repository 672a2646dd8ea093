package relay

import (
	"context"
	"sync"

	"github.com/morezero/browser-relay/pkg/envelope"
)

// DefaultRetention is how many results MemoryStore keeps.
const DefaultRetention = 100

// ResultStore keeps results for controllers to fetch by id.
type ResultStore interface {
	SaveResult(ctx context.Context, rec envelope.Record) error
	// GetResult returns nil, nil when id is unknown.
	GetResult(ctx context.Context, id string) (*envelope.Record, error)
	CountResults(ctx context.Context) (int, error)
}

// MemoryStore keeps the most recent results in memory, evicting the oldest.
type MemoryStore struct {
	mu        sync.Mutex
	retention int
	records   map[string]envelope.Record
	order     []string
}

// NewMemoryStore keeps at most retention results (DefaultRetention when <= 0).
func NewMemoryStore(retention int) *MemoryStore {
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &MemoryStore{retention: retention, records: make(map[string]envelope.Record)}
}

// SaveResult stores rec. Saving an id again replaces it and marks it newest.
func (s *MemoryStore) SaveResult(_ context.Context, rec envelope.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[rec.ID]; ok {
		s.remove(rec.ID)
	}
	s.records[rec.ID] = rec
	s.order = append(s.order, rec.ID)
	for len(s.order) > s.retention {
		delete(s.records, s.order[0])
		s.order = s.order[1:]
	}
	return nil
}

func (s *MemoryStore) remove(id string) {
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			return
		}
	}
}

func (s *MemoryStore) GetResult(_ context.Context, id string) (*envelope.Record, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[id]
	if !ok {
		return nil, nil
	}
	return &rec, nil
}

func (s *MemoryStore) CountResults(_ context.Context) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records), nil
}
