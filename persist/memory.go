package persist

import (
	"sync"

	"github.com/go-jobkit/jobkit/depid"
)

// Memory is an in-memory Persistor, useful for tests and for clients that
// want the Persistor contract exercised (dirty tracking, eviction) without
// real durability.
type Memory struct {
	mu      sync.Mutex
	records map[depid.ID]Record
}

// NewMemory builds an empty in-memory Persistor.
func NewMemory() *Memory {
	return &Memory{records: make(map[depid.ID]Record)}
}

func (m *Memory) ListJobs() ([]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Record, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	return out, nil
}

func (m *Memory) PutJob(r Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records[r.ID] = r
	return nil
}

func (m *Memory) RemoveJob(id depid.ID) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.records, id)
	return nil
}

func (m *Memory) Clear() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[depid.ID]Record)
	return nil
}
