package storage

import (
	"encoding/json"
	"log"
)

const (
	activeKey    = "jobs.active"
	completedKey = "jobs.completed"
)

// JobStore persists the active-job collection and a bounded completed-job
// ring over a KV backend. It is a pure persistence mirror: it holds no state
// of its own and every read/write error is logged and swallowed, because the
// in-memory engine state stays authoritative for the current process.
type JobStore struct {
	kv      KV
	ringCap int
}

// NewJobStore wraps a KV backend. ringCap bounds the completed-job history;
// values below 1 fall back to 20.
func NewJobStore(kv KV, ringCap int) *JobStore {
	if ringCap < 1 {
		ringCap = 20
	}
	return &JobStore{kv: kv, ringCap: ringCap}
}

// LoadActive reads and deserializes the persisted active set. Records that
// fail validation or already carry a terminal status are dropped with a log
// line; a record that cannot be parsed at all clears the whole entry.
func (s *JobStore) LoadActive() []*Job {
	return s.loadList(activeKey, true)
}

// SaveActive overwrites the persisted active-job collection. Callers invoke
// it synchronously after every state-affecting mutation so a process kill
// leaves storage consistent with the last completed mutation.
func (s *JobStore) SaveActive(jobs []*Job) {
	s.saveList(activeKey, jobs)
}

// AppendCompleted prepends a terminal job to the completed ring and truncates
// to capacity, oldest evicted first.
func (s *JobStore) AppendCompleted(j *Job) {
	ring := s.loadList(completedKey, false)
	ring = append([]*Job{j}, ring...)
	if len(ring) > s.ringCap {
		ring = ring[:s.ringCap]
	}
	s.saveList(completedKey, ring)
}

// LoadCompleted returns the persisted completed ring, newest first.
func (s *JobStore) LoadCompleted() []*Job {
	return s.loadList(completedKey, false)
}

// TakeCompleted removes and returns a job from the completed ring, keeping
// the remaining order intact. Returns nil when the id is not present.
func (s *JobStore) TakeCompleted(id string) *Job {
	ring := s.loadList(completedKey, false)
	for i, j := range ring {
		if j.ID == id {
			s.saveList(completedKey, append(ring[:i], ring[i+1:]...))
			return j
		}
	}
	return nil
}

// ClearCompleted drops the completed ring.
func (s *JobStore) ClearCompleted() {
	if err := s.kv.Remove(completedKey); err != nil {
		log.Printf("[store] clear completed: %v", err)
	}
}

// ClearAll drops both the active set and the completed ring.
func (s *JobStore) ClearAll() {
	if err := s.kv.Remove(activeKey); err != nil {
		log.Printf("[store] clear active: %v", err)
	}
	s.ClearCompleted()
}

func (s *JobStore) loadList(key string, activeOnly bool) []*Job {
	raw, ok, err := s.kv.Get(key)
	if err != nil {
		log.Printf("[store] read %s: %v", key, err)
		return nil
	}
	if !ok || raw == "" {
		return nil
	}
	var jobs []*Job
	if err := json.Unmarshal([]byte(raw), &jobs); err != nil {
		// Corrupt entry: fail-safe, not fail-fatal. Treat as empty and clear
		// so the next save starts clean.
		log.Printf("[store] corrupt %s, discarding: %v", key, err)
		if rmErr := s.kv.Remove(key); rmErr != nil {
			log.Printf("[store] clear corrupt %s: %v", key, rmErr)
		}
		return nil
	}
	kept := jobs[:0]
	for _, j := range jobs {
		if j == nil {
			continue
		}
		if err := j.ValidateBasic(); err != nil {
			log.Printf("[store] dropping record from %s: %v", key, err)
			continue
		}
		if activeOnly && j.Status.IsTerminal() {
			// Terminal jobs must never appear in the active store.
			log.Printf("[store] dropping terminal job %s (%s) from active set", j.ID, j.Status)
			continue
		}
		kept = append(kept, j)
	}
	return kept
}

func (s *JobStore) saveList(key string, jobs []*Job) {
	if jobs == nil {
		jobs = []*Job{}
	}
	b, err := json.Marshal(jobs)
	if err != nil {
		log.Printf("[store] marshal %s: %v", key, err)
		return
	}
	if err := s.kv.Set(key, string(b)); err != nil {
		log.Printf("[store] write %s: %v", key, err)
	}
}
