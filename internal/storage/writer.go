package storage

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
)

// auditDB is the slice of DB the writer needs.
type auditDB interface {
	LogExecution(ctx context.Context, audit *ExecutionAudit) error
	LogSecurityEvent(ctx context.Context, event *SecurityEventRecord) error
}

// AuditWriter decouples the execution path from database latency: audits
// are buffered and written asynchronously, and a full buffer drops rather
// than blocks an execution.
type AuditWriter struct {
	db   auditDB
	ch   chan auditItem
	wg   sync.WaitGroup
	done chan struct{}
}

// auditItem is one buffered write: an execution audit row or a security
// event row.
type auditItem struct {
	audit *ExecutionAudit
	event *SecurityEventRecord
}

func NewAuditWriter(db auditDB, bufferSize int) *AuditWriter {
	if bufferSize < 1 {
		bufferSize = 10000
	}
	return &AuditWriter{
		db:   db,
		ch:   make(chan auditItem, bufferSize),
		done: make(chan struct{}),
	}
}

func (w *AuditWriter) Start() {
	w.wg.Add(1)
	go w.processLoop()
}

func (w *AuditWriter) Log(audit *ExecutionAudit) {
	select {
	case w.ch <- auditItem{audit: audit}:
	default:
		log.Warn().Str("exec_id", audit.ID).Msg("audit buffer full, dropping record")
	}
}

func (w *AuditWriter) LogSecurityEvent(event *SecurityEventRecord) {
	select {
	case w.ch <- auditItem{event: event}:
	default:
		log.Warn().Str("exec_id", event.ExecutionID).Msg("audit buffer full, dropping security event")
	}
}

// Flush stops the writer and drains buffered records, bounded by timeout.
func (w *AuditWriter) Flush(timeout time.Duration) {
	close(w.done)

	doneCh := make(chan struct{})
	go func() {
		w.wg.Wait()
		close(doneCh)
	}()

	select {
	case <-doneCh:
		log.Info().Msg("audit writer flushed")
	case <-time.After(timeout):
		log.Warn().Msg("audit writer flush timed out")
	}
}

func (w *AuditWriter) processLoop() {
	defer w.wg.Done()

	for {
		select {
		case item := <-w.ch:
			w.writeWithRetry(item)
		case <-w.done:
			for {
				select {
				case item := <-w.ch:
					w.writeWithRetry(item)
				default:
					return
				}
			}
		}
	}
}

func (w *AuditWriter) writeWithRetry(item auditItem) {
	const maxRetries = 3

	id := ""
	if item.audit != nil {
		id = item.audit.ID
	} else if item.event != nil {
		id = item.event.ExecutionID
	}

	for attempt := 0; attempt <= maxRetries; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		var err error
		if item.audit != nil {
			err = w.db.LogExecution(ctx, item.audit)
		} else if item.event != nil {
			err = w.db.LogSecurityEvent(ctx, item.event)
		}
		cancel()

		if err == nil {
			return
		}

		if attempt < maxRetries {
			backoff := time.Duration(math.Pow(2, float64(attempt))) * 100 * time.Millisecond
			log.Warn().
				Err(err).
				Str("exec_id", id).
				Int("attempt", attempt+1).
				Dur("backoff", backoff).
				Msg("audit write failed, retrying")
			time.Sleep(backoff)
		} else {
			log.Error().
				Err(err).
				Str("exec_id", id).
				Msg("audit write failed permanently after retries")
		}
	}
}
