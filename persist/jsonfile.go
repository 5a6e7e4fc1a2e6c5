package persist

import (
	"encoding/json"
	"os"
	"sync"

	"github.com/go-jobkit/jobkit/depid"
)

// JSONFile is a reference Persistor backed by a single JSON file. It is
// intentionally simple (read-modify-write the whole file under a mutex):
// the concrete persistence backend is scoped out of the core engine, so
// this exists only as a worked example for single-process clients, not as
// a tuned production store.
type JSONFile struct {
	mu   sync.Mutex
	path string
}

// NewJSONFile builds a JSONFile persistor rooted at path. The file is
// created lazily on the first write (PutJob, RemoveJob or Clear).
func NewJSONFile(path string) *JSONFile {
	return &JSONFile{path: path}
}

func (f *JSONFile) ListJobs() ([]Record, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.readLocked()
}

func (f *JSONFile) readLocked() ([]Record, error) {
	data, err := os.ReadFile(f.path)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	if len(data) == 0 {
		return nil, nil
	}
	var records []Record
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}
	return records, nil
}

func (f *JSONFile) writeLocked(records []Record) error {
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(f.path, data, 0o600)
}

func (f *JSONFile) PutJob(r Record) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	records, err := f.readLocked()
	if err != nil {
		return err
	}
	for i, existing := range records {
		if existing.ID == r.ID {
			records[i] = r
			return f.writeLocked(records)
		}
	}
	records = append(records, r)
	return f.writeLocked(records)
}

func (f *JSONFile) RemoveJob(id depid.ID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	records, err := f.readLocked()
	if err != nil {
		return err
	}
	out := records[:0]
	for _, r := range records {
		if r.ID != id {
			out = append(out, r)
		}
	}
	return f.writeLocked(out)
}

func (f *JSONFile) Clear() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writeLocked(nil)
}
