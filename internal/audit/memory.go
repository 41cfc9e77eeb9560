package audit

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/etchmuzik/fleetbus/errs"
)

const defaultListLimit = 128

// MemoryStore keeps audit records in process memory. Serves tests and runs
// without a database configured.
type MemoryStore struct {
	mu      sync.Mutex
	nextID  int64
	records []Record
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{nextID: 1}
}

// Append implements Store.
func (s *MemoryStore) Append(_ context.Context, record Record) (Record, error) {
	if err := validateRecord(record); err != nil {
		return Record{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	record.ID = s.nextID
	s.nextID++
	record.CreatedAt = time.Now().UTC()
	if record.Details != nil {
		details := make(map[string]any, len(record.Details))
		for k, v := range record.Details {
			details[k] = v
		}
		record.Details = details
	}
	s.records = append(s.records, record)
	return record, nil
}

// List implements Store. Records are returned newest first.
func (s *MemoryStore) List(_ context.Context, q Query) ([]Record, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = defaultListLimit
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		record := s.records[i]
		if q.Entity != "" && record.Entity != q.Entity {
			continue
		}
		if q.EntityID != "" && record.EntityID != q.EntityID {
			continue
		}
		if q.EventID != "" && record.EventID != q.EventID {
			continue
		}
		out = append(out, record)
	}
	return out, nil
}

func validateRecord(record Record) error {
	if strings.TrimSpace(record.EventID) == "" {
		return errs.Validation("audit", "eventId", "event id required")
	}
	if strings.TrimSpace(record.Action) == "" {
		return errs.Validation("audit", "action", "action required")
	}
	if strings.TrimSpace(record.Entity) == "" {
		return errs.Validation("audit", "entity", "entity required")
	}
	return nil
}

var _ Store = (*MemoryStore)(nil)
