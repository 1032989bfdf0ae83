package storage

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// DB wraps a PostgreSQL connection pool for the audit trail.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// LogExecution inserts an execution audit row.
func (db *DB) LogExecution(ctx context.Context, audit *ExecutionAudit) error {
	query := `
		INSERT INTO executions (id, owner, tier, language, code_hash, input_hash,
			task_id, sandbox_id, status, exit_code, severity, violation_count,
			summary, duration_ms, created_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16)`

	_, err := db.pool.Exec(ctx, query,
		audit.ID, audit.Owner, audit.Tier, audit.Language,
		audit.CodeHash, audit.InputHash, audit.TaskID, audit.SandboxID,
		audit.Status, audit.ExitCode, audit.Severity, audit.ViolationCount,
		audit.SummaryJSON, audit.DurationMS,
		audit.CreatedAt, audit.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting execution audit: %w", err)
	}
	return nil
}

// LogSecurityEvent inserts a security event record.
func (db *DB) LogSecurityEvent(ctx context.Context, event *SecurityEventRecord) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now()
	}

	query := `
		INSERT INTO security_events (id, execution_id, "check", severity, detail, module, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`

	_, err := db.pool.Exec(ctx, query,
		event.ID, event.ExecutionID, event.Check, event.Severity,
		event.Detail, event.Module, event.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting security event: %w", err)
	}
	return nil
}

// GetExecution retrieves a single execution audit by ID.
func (db *DB) GetExecution(ctx context.Context, id string) (*ExecutionAudit, error) {
	query := `
		SELECT id, owner, tier, language, code_hash, input_hash,
			task_id, sandbox_id, status, exit_code, severity, violation_count,
			summary, duration_ms, created_at, completed_at
		FROM executions WHERE id = $1`

	var audit ExecutionAudit
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&audit.ID, &audit.Owner, &audit.Tier, &audit.Language,
		&audit.CodeHash, &audit.InputHash, &audit.TaskID, &audit.SandboxID,
		&audit.Status, &audit.ExitCode, &audit.Severity, &audit.ViolationCount,
		&audit.SummaryJSON, &audit.DurationMS,
		&audit.CreatedAt, &audit.CompletedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("querying execution %s: %w", id, err)
	}
	return &audit, nil
}

// ListExecutions queries execution audits with optional filters.
func (db *DB) ListExecutions(ctx context.Context, filter AuditFilter) ([]ExecutionAudit, error) {
	query := `
		SELECT id, owner, language, code_hash, task_id, status, exit_code,
			severity, violation_count, duration_ms, created_at, completed_at
		FROM executions
		WHERE ($1 = '' OR owner = $1)
		  AND ($2 = '' OR language = $2)
		  AND ($3 = '' OR status = $3)
		ORDER BY created_at DESC
		LIMIT $4 OFFSET $5`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query,
		filter.Owner, filter.Language, filter.Status, limit, filter.Offset,
	)
	if err != nil {
		return nil, fmt.Errorf("querying executions: %w", err)
	}
	defer rows.Close()

	var results []ExecutionAudit
	for rows.Next() {
		var audit ExecutionAudit
		if err := rows.Scan(
			&audit.ID, &audit.Owner, &audit.Language, &audit.CodeHash,
			&audit.TaskID, &audit.Status, &audit.ExitCode, &audit.Severity,
			&audit.ViolationCount, &audit.DurationMS,
			&audit.CreatedAt, &audit.CompletedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning execution row: %w", err)
		}
		results = append(results, audit)
	}

	return results, rows.Err()
}
