package bridge

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// sessionRecord is what survives a sidecar restart for one agent key.
type sessionRecord struct {
	SessionID       string    `json:"session_id,omitempty"`
	LastConnectedAt time.Time `json:"last_connected_at"`
	LastResultTick  uint64    `json:"last_result_tick,omitempty"`
}

// stateStore keeps per-key session records in memory and mirrors them to a
// JSON file. An empty path disables persistence.
type stateStore struct {
	path string

	mu      sync.Mutex
	records map[string]sessionRecord
}

func openStateStore(path string) (*stateStore, error) {
	st := &stateStore{path: path, records: map[string]sessionRecord{}}
	if path == "" {
		return st, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return st, nil
	}
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(b, &st.records); err != nil {
		return nil, fmt.Errorf("parse state file %s: %w", path, err)
	}
	if st.records == nil {
		st.records = map[string]sessionRecord{}
	}
	return st, nil
}

func (st *stateStore) get(key string) sessionRecord {
	st.mu.Lock()
	defer st.mu.Unlock()
	return st.records[key]
}

// merge folds non-zero fields of upd into the record for key and rewrites
// the file.
func (st *stateStore) merge(key string, upd sessionUpdate) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	rec := st.records[key]
	if upd.SessionID != "" {
		rec.SessionID = upd.SessionID
	}
	if !upd.LastConnectedAt.IsZero() {
		rec.LastConnectedAt = upd.LastConnectedAt.UTC()
	}
	if upd.LastResultTick != 0 {
		rec.LastResultTick = upd.LastResultTick
	}
	st.records[key] = rec
	return st.flushLocked()
}

func (st *stateStore) flushLocked() error {
	if st.path == "" {
		return nil
	}
	// encoding/json sorts map keys, so the file is stable across writes.
	b, err := json.MarshalIndent(st.records, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(st.path), 0o755); err != nil {
		return err
	}
	tmp := st.path + ".tmp"
	if err := os.WriteFile(tmp, append(b, '\n'), 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, st.path)
}
