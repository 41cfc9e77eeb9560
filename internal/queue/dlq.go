package queue

import (
	"sync"
	"time"

	"github.com/etchmuzik/fleetbus/internal/schema"
)

// DeadLetter is the terminal record of a job that exhausted its retry budget.
type DeadLetter struct {
	JobID     string        `json:"jobId"`
	Topic     Topic         `json:"topic"`
	Event     *schema.Event `json:"event"`
	Attempts  int           `json:"attempts"`
	LastError string        `json:"lastError"`
	FailedAt  time.Time     `json:"failedAt"`
}

// DeadLetterLog retains the most recent dead letters in arrival order. When
// the retention cap is hit the oldest entry is discarded; the cap bounds
// memory, not correctness, since dead letters are diagnostic records.
type DeadLetterLog struct {
	mu       sync.Mutex
	retained int
	entries  []DeadLetter
	total    int64
}

// NewDeadLetterLog creates a log retaining at most retained entries.
func NewDeadLetterLog(retained int) *DeadLetterLog {
	if retained <= 0 {
		retained = 1
	}
	return &DeadLetterLog{retained: retained}
}

// Record appends a dead letter, evicting the oldest entry at capacity.
func (l *DeadLetterLog) Record(entry DeadLetter) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.total++
	if len(l.entries) == l.retained {
		copy(l.entries, l.entries[1:])
		l.entries = l.entries[:len(l.entries)-1]
	}
	l.entries = append(l.entries, entry)
}

// List returns the retained entries, oldest first.
func (l *DeadLetterLog) List() []DeadLetter {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]DeadLetter(nil), l.entries...)
}

// CountFor returns how many retained entries belong to the topic.
func (l *DeadLetterLog) CountFor(topic Topic) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, entry := range l.entries {
		if entry.Topic == topic {
			n++
		}
	}
	return n
}

// Total returns the lifetime dead-letter count, including evicted entries.
func (l *DeadLetterLog) Total() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.total
}
