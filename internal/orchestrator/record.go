package orchestrator

import (
	"context"
	"sort"
	"sync"
	"time"

	"agent-exec-sandbox/internal/security"
	"agent-exec-sandbox/internal/summary"
)

// Status is the lifecycle state of one execution.
type Status string

const (
	StatusPending   Status = "pending"
	StatusBlocked   Status = "blocked"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
	StatusCancelled Status = "cancelled"
)

// terminal reports whether no further transition is possible.
func (s Status) terminal() bool {
	switch s {
	case StatusBlocked, StatusCompleted, StatusFailed, StatusTimeout, StatusCancelled:
		return true
	}
	return false
}

// Record is the caller-visible account of one execution. Validation
// findings and the bounded summary are the only outputs it ever carries;
// program text and raw streams stay out.
type Record struct {
	ID        string                `json:"id"`
	Owner     string                `json:"owner"`
	Language  string                `json:"language"`
	Status    Status                `json:"status"`
	CodeHash  string                `json:"code_hash"`
	TaskID    string                `json:"task_id,omitempty"`
	SandboxID string                `json:"sandbox_id,omitempty"`
	Security  *security.CheckResult `json:"security,omitempty"`
	Summary   *summary.Summary      `json:"summary,omitempty"`
	Error     string                `json:"error,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// store keeps execution records in memory. All mutation happens through
// update under the store lock; readers get copies, never live pointers.
type store struct {
	mu      sync.Mutex
	records map[string]*tracked
}

type tracked struct {
	record Record
	cancel context.CancelFunc
	// cancelRequested distinguishes a caller-initiated kill from the
	// wall-clock kill; both surface as a context error downstream.
	cancelRequested bool
}

func newStore() *store {
	return &store{records: make(map[string]*tracked)}
}

func (s *store) add(record Record, cancel context.CancelFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = &tracked{record: record, cancel: cancel}
}

// update applies fn to the live record. Transitions out of a terminal
// status are refused, which keeps a late timeout from overwriting an
// already-cancelled record and vice versa.
func (s *store) update(id string, fn func(*Record)) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.records[id]
	if !ok || t.record.Status.terminal() {
		return false
	}
	fn(&t.record)
	return true
}

func (s *store) get(id string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.records[id]
	if !ok {
		return Record{}, false
	}
	return t.record, true
}

// requestCancel flags the record and fires its cancel func. It reports
// false if the execution already reached a terminal status.
func (s *store) requestCancel(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.records[id]
	if !ok || t.record.Status.terminal() {
		return false
	}
	t.cancelRequested = true
	if t.cancel != nil {
		t.cancel()
	}
	return true
}

func (s *store) wasCancelRequested(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.records[id]
	return ok && t.cancelRequested
}

func (s *store) list(owner string, status Status) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, t := range s.records {
		if owner != "" && t.record.Owner != owner {
			continue
		}
		if status != "" && t.record.Status != status {
			continue
		}
		out = append(out, t.record)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out
}
