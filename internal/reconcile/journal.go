package reconcile

import (
	"sync"

	"dexadapter/internal/model"
)

// Journal buffers entries until the next reconciliation report.
type Journal struct {
	mu      sync.Mutex
	entries []model.ReconciliationEntry
}

func NewJournal() *Journal {
	return &Journal{}
}

func (j *Journal) Append(entry model.ReconciliationEntry) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.entries = append(j.entries, entry)
}

// Drain returns the buffered entries and empties the journal.
func (j *Journal) Drain() []model.ReconciliationEntry {
	j.mu.Lock()
	defer j.mu.Unlock()
	out := j.entries
	j.entries = nil
	return out
}

func (j *Journal) Len() int {
	j.mu.Lock()
	defer j.mu.Unlock()
	return len(j.entries)
}
