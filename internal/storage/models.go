package storage

import "time"

// ExecutionAudit is a stored execution record. It deliberately carries
// hashes and the bounded summary instead of program text or raw output;
// the audit trail obeys the same data-minimization rule as the API.
type ExecutionAudit struct {
	ID             string     `json:"id" db:"id"`
	Owner          string     `json:"owner" db:"owner"`
	Tier           string     `json:"tier" db:"tier"`
	Language       string     `json:"language" db:"language"`
	CodeHash       string     `json:"code_hash" db:"code_hash"`
	InputHash      string     `json:"input_hash,omitempty" db:"input_hash"`
	TaskID         string     `json:"task_id,omitempty" db:"task_id"`
	SandboxID      string     `json:"sandbox_id,omitempty" db:"sandbox_id"`
	Status         string     `json:"status" db:"status"`
	ExitCode       int        `json:"exit_code" db:"exit_code"`
	Severity       string     `json:"severity" db:"severity"`
	ViolationCount int        `json:"violation_count" db:"violation_count"`
	SummaryJSON    []byte     `json:"summary,omitempty" db:"summary"`
	DurationMS     int64      `json:"duration_ms" db:"duration_ms"`
	CreatedAt      time.Time  `json:"created_at" db:"created_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
}

// SecurityEventRecord stores one validation violation or runtime finding.
type SecurityEventRecord struct {
	ID          string    `json:"id" db:"id"`
	ExecutionID string    `json:"execution_id" db:"execution_id"`
	Check       string    `json:"check" db:"check"`
	Severity    string    `json:"severity" db:"severity"`
	Detail      string    `json:"detail" db:"detail"`
	Module      string    `json:"module,omitempty" db:"module"`
	CreatedAt   time.Time `json:"created_at" db:"created_at"`
}

// AuditFilter provides criteria for querying execution audits.
type AuditFilter struct {
	Owner    string
	Language string
	Status   string
	Limit    int
	Offset   int
}
