// Package history persists the per-attempt audit trail emitted by the
// reliability executor: which model was tried, whether it succeeded, how
// long it took, and the error class on failure.
package history

import (
	"context"
	"sync"
	"time"

	"github.com/adham90/agentrun/reliability"
)

// Record is the stored form of one attempt audit entry.
type Record struct {
	ID         uint          `json:"id" gorm:"primaryKey;autoIncrement"`
	Agent      string        `json:"agent" gorm:"index"`
	Model      string        `json:"model" gorm:"index"`
	Attempt    int           `json:"attempt"`
	Success    bool          `json:"success"`
	Duration   time.Duration `json:"duration"`
	ErrorClass string        `json:"error_class,omitempty"`
	Timestamp  time.Time     `json:"timestamp" gorm:"index"`
}

func fromAttempt(r reliability.AttemptRecord) Record {
	return Record{
		Agent:      r.Agent,
		Model:      r.Model,
		Attempt:    r.Attempt,
		Success:    r.Success,
		Duration:   r.Duration,
		ErrorClass: r.ErrorClass,
		Timestamp:  r.Timestamp,
	}
}

// Store is the audit-trail boundary. Every Store is also a
// reliability.AttemptRecorder.
type Store interface {
	reliability.AttemptRecorder
	// ByAgent returns the most recent records for an agent, newest first.
	ByAgent(ctx context.Context, agent string, limit int) ([]Record, error)
	// ByTimeRange returns records with Timestamp in [start, end].
	ByTimeRange(ctx context.Context, start, end time.Time) ([]Record, error)
	// FailureCount counts failed attempts for (agent, model) since a time.
	FailureCount(ctx context.Context, agent, model string, since time.Time) (int, error)
}

// MemoryStore keeps the audit trail in memory, bounded to maxRecords with
// oldest-first eviction.
type MemoryStore struct {
	maxRecords int
	records    []Record
	nextID     uint
	mu         sync.RWMutex
}

// NewMemoryStore creates a bounded in-memory store. maxRecords <= 0 selects
// a default of 10000.
func NewMemoryStore(maxRecords int) *MemoryStore {
	if maxRecords <= 0 {
		maxRecords = 10000
	}
	return &MemoryStore{maxRecords: maxRecords}
}

// RecordAttempt implements reliability.AttemptRecorder.
func (s *MemoryStore) RecordAttempt(_ context.Context, attempt reliability.AttemptRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	record := fromAttempt(attempt)
	record.ID = s.nextID
	s.records = append(s.records, record)
	if len(s.records) > s.maxRecords {
		s.records = s.records[len(s.records)-s.maxRecords:]
	}
}

// ByAgent returns up to limit records for agent, newest first.
func (s *MemoryStore) ByAgent(_ context.Context, agent string, limit int) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for i := len(s.records) - 1; i >= 0; i-- {
		if s.records[i].Agent != agent {
			continue
		}
		out = append(out, s.records[i])
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// ByTimeRange returns records with Timestamp in [start, end], oldest first.
func (s *MemoryStore) ByTimeRange(_ context.Context, start, end time.Time) ([]Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []Record
	for _, r := range s.records {
		if !r.Timestamp.Before(start) && !r.Timestamp.After(end) {
			out = append(out, r)
		}
	}
	return out, nil
}

// FailureCount counts failed attempts for (agent, model) since a time.
func (s *MemoryStore) FailureCount(_ context.Context, agent, model string, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, r := range s.records {
		if r.Agent == agent && r.Model == model && !r.Success && !r.Timestamp.Before(since) {
			count++
		}
	}
	return count, nil
}

// Len returns the number of retained records.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
