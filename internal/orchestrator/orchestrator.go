// Package orchestrator drives an execution from submission to terminal
// record: validate, admit, provision, run, summarize, tear down. It is the
// only component that touches every stage, and the teardown step runs on
// every path out.
package orchestrator

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"agent-exec-sandbox/internal/executor"
	"agent-exec-sandbox/internal/lang"
	"agent-exec-sandbox/internal/monitor"
	"agent-exec-sandbox/internal/sandbox"
	"agent-exec-sandbox/internal/security"
	"agent-exec-sandbox/internal/storage"
	"agent-exec-sandbox/internal/summary"
)

// ErrCapacity means the admission ceiling is reached. The submission was
// never accepted: no record exists and nothing was provisioned.
var ErrCapacity = errors.New("execution capacity exhausted")

const (
	defaultTimeout = 30 * time.Second
	minTimeout     = 1 * time.Second
	maxTimeout     = 3600 * time.Second
)

// Runner executes a staged program inside a leased sandbox.
type Runner interface {
	Run(ctx context.Context, lease *sandbox.Lease, spec executor.RunSpec) (executor.RawResult, error)
}

// AuditSink receives terminal execution records for durable audit.
type AuditSink interface {
	Log(audit *storage.ExecutionAudit)
}

// SecurityEventSink receives post-execution output findings. Implemented
// by the audit writer; optional, discovered by type assertion on the
// AuditSink.
type SecurityEventSink interface {
	LogSecurityEvent(event *storage.SecurityEventRecord)
}

// Request is one execution submission, already authenticated.
type Request struct {
	Owner        string
	Tier         security.Tier
	Code         string
	Language     string
	Input        json.RawMessage
	Dependencies []string
	Timeout      time.Duration

	// TaskID correlates this execution with the caller's own task; it is
	// echoed on the record and audit row but never interpreted.
	TaskID string

	// SandboxID reuses an existing persistent sandbox instead of
	// provisioning a single-use one.
	SandboxID string
	Limits    *sandbox.ResourceLimits
	Network   sandbox.NetworkMode
}

type Orchestrator struct {
	validator *security.Validator
	langs     *lang.Registry
	sandboxes *sandbox.Manager
	runner    Runner
	audit     AuditSink
	metrics   *monitor.Metrics
	tracer    *monitor.Tracer

	store    *store
	capacity chan struct{}
	now      func() time.Time
}

func New(
	validator *security.Validator,
	langs *lang.Registry,
	sandboxes *sandbox.Manager,
	runner Runner,
	audit AuditSink,
	metrics *monitor.Metrics,
	maxConcurrent int,
) *Orchestrator {
	if maxConcurrent < 1 {
		maxConcurrent = 10
	}
	return &Orchestrator{
		validator: validator,
		langs:     langs,
		sandboxes: sandboxes,
		runner:    runner,
		audit:     audit,
		metrics:   metrics,
		tracer:    monitor.NewTracer(),
		store:     newStore(),
		capacity:  make(chan struct{}, maxConcurrent),
		now:       time.Now,
	}
}

// Validate runs the static checks without executing anything.
func (o *Orchestrator) Validate(code, language string, tier security.Tier) security.CheckResult {
	result := o.validator.Validate(code, language, tier)
	if o.metrics != nil {
		o.metrics.RecordValidation(result.Severity.String(), blockedBy(result))
	}
	return result
}

// Execute drives one submission to a terminal record. A blocked or
// terminal record with a nil error is a handled outcome; a non-nil error
// (capacity, busy sandbox, unknown sandbox) means the submission was
// rejected before acceptance and no record exists.
func (o *Orchestrator) Execute(ctx context.Context, req Request) (Record, error) {
	codeHash := hashHex([]byte(req.Code))
	ctx, span := o.tracer.StartSpan(ctx, "execute",
		monitor.AttrLanguage.String(req.Language),
		monitor.AttrCodeHash.String(codeHash),
	)
	defer span.End()

	if o.metrics != nil {
		o.metrics.ProgramSizeBytes.Observe(float64(len(req.Code)))
	}

	check := o.Validate(req.Code, req.Language, req.Tier)
	if !check.Passed {
		record := Record{
			ID:        uuid.New().String(),
			Owner:     req.Owner,
			Language:  req.Language,
			Status:    StatusBlocked,
			CodeHash:  codeHash,
			TaskID:    req.TaskID,
			Security:  &check,
			CreatedAt: o.now(),
		}
		done := record.CreatedAt
		record.CompletedAt = &done
		o.store.add(record, nil)
		o.finishMetrics(record)
		o.emitAudit(record, req)
		log.Warn().
			Str("exec_id", record.ID).
			Str("owner", req.Owner).
			Str("severity", check.Severity.String()).
			Int("violations", len(check.Violations)).
			Msg("submission blocked by validation")
		return record, nil
	}

	// Admission happens before the record exists: a rejected submission
	// leaves no trace in the execution list.
	select {
	case o.capacity <- struct{}{}:
	default:
		if o.metrics != nil {
			o.metrics.RecordError("capacity")
		}
		return Record{}, ErrCapacity
	}
	defer func() { <-o.capacity }()

	timeout := clampTimeout(req.Timeout)
	execID := uuid.New().String()
	span.SetAttributes(monitor.AttrExecID.String(execID))

	lease, singleUse, err := o.acquireSandbox(ctx, req, execID)
	if err != nil {
		// A runtime failure while provisioning is a failed execution, not
		// a rejection: the submission was accepted, so the caller gets a
		// record with a provisioning fault class instead of an error.
		if errors.Is(err, sandbox.ErrProvisioning) {
			record := o.failProvisioning(execID, req, codeHash, check)
			span.SetAttributes(monitor.AttrStatus.String(string(record.Status)))
			return record, nil
		}
		return Record{}, err
	}
	sandboxID := lease.Sandbox().ID
	span.SetAttributes(monitor.AttrSandboxID.String(sandboxID))
	o.refreshSandboxGauges()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	record := Record{
		ID:        execID,
		Owner:     req.Owner,
		Language:  req.Language,
		Status:    StatusPending,
		CodeHash:  codeHash,
		TaskID:    req.TaskID,
		SandboxID: sandboxID,
		Security:  &check,
		CreatedAt: o.now(),
	}
	o.store.add(record, cancel)

	if o.metrics != nil {
		o.metrics.ActiveExecutions.Inc()
		defer o.metrics.ActiveExecutions.Dec()
	}

	started := o.now()
	o.store.update(execID, func(r *Record) {
		r.Status = StatusRunning
		r.StartedAt = &started
	})

	raw, runErr := o.runner.Run(runCtx, lease, executor.RunSpec{
		Code:         req.Code,
		Language:     req.Language,
		Input:        req.Input,
		Dependencies: req.Dependencies,
		Timeout:      timeout,
	})

	status, faultClass := o.classify(execID, runErr, raw)
	o.teardown(lease, sandboxID, singleUse, status)
	o.refreshSandboxGauges()
	o.scanOutput(execID, raw)

	completed := o.now()
	o.store.update(execID, func(r *Record) {
		r.Status = status
		r.CompletedAt = &completed
		if faultClass != "" {
			r.Error = faultClass
		}
		if status == StatusCompleted || status == StatusFailed {
			s := summary.Summarize(raw)
			r.Summary = &s
		}
	})

	final, _ := o.store.get(execID)
	span.SetAttributes(
		monitor.AttrStatus.String(string(final.Status)),
		monitor.AttrExitCode.Int(raw.ExitCode),
		monitor.AttrDurationMS.Int64(raw.Duration.Milliseconds()),
	)
	o.finishMetrics(final)
	o.emitAudit(final, req)
	log.Info().
		Str("exec_id", execID).
		Str("owner", req.Owner).
		Str("language", req.Language).
		Str("status", string(final.Status)).
		Dur("duration", raw.Duration).
		Msg("execution finished")
	return final, nil
}

// acquireSandbox either leases the caller's persistent sandbox or
// provisions a single-use one sized from the request.
func (o *Orchestrator) acquireSandbox(ctx context.Context, req Request, execID string) (*sandbox.Lease, bool, error) {
	if req.SandboxID != "" {
		lease, err := o.sandboxes.Lease(req.SandboxID, execID)
		if err != nil {
			return nil, false, err
		}
		return lease, false, nil
	}

	language, err := o.langs.Get(req.Language)
	if err != nil {
		return nil, false, err
	}
	limits := sandbox.DefaultLimits()
	if req.Limits != nil {
		limits = *req.Limits
	}
	network := req.Network
	if network == "" {
		network = sandbox.NetworkNone
	}

	start := time.Now()
	sb, err := o.sandboxes.Create(ctx, req.Owner, language.Image(), sandbox.Config{
		Language: req.Language,
		Limits:   limits,
		Network:  network,
	})
	if o.metrics != nil {
		o.metrics.ContainerdLatency.WithLabelValues("create").Observe(time.Since(start).Seconds())
	}
	if err != nil {
		if o.metrics != nil {
			o.metrics.RecordError("provisioning")
		}
		return nil, false, err
	}
	lease, err := o.sandboxes.Lease(sb.ID, execID)
	if err != nil {
		o.sandboxes.Destroy(ctx, sb.ID, "lease failed")
		return nil, false, err
	}
	return lease, true, nil
}

// failProvisioning records a sandbox-creation failure as a terminal failed
// execution so it stays distinct from both a code-level failure and a
// service-level one.
func (o *Orchestrator) failProvisioning(execID string, req Request, codeHash string, check security.CheckResult) Record {
	record := Record{
		ID:        execID,
		Owner:     req.Owner,
		Language:  req.Language,
		Status:    StatusFailed,
		Error:     "provisioning",
		CodeHash:  codeHash,
		TaskID:    req.TaskID,
		Security:  &check,
		CreatedAt: o.now(),
	}
	done := record.CreatedAt
	record.CompletedAt = &done
	o.store.add(record, nil)
	o.finishMetrics(record)
	o.emitAudit(record, req)
	log.Warn().
		Str("exec_id", execID).
		Str("owner", req.Owner).
		Str("language", req.Language).
		Msg("sandbox provisioning failed, execution recorded as failed")
	return record
}

// classify maps the runner outcome to a terminal status and fault class.
func (o *Orchestrator) classify(execID string, runErr error, raw executor.RawResult) (Status, string) {
	switch {
	case runErr == nil:
		if raw.ExitCode == 0 {
			return StatusCompleted, ""
		}
		return StatusFailed, "program_error"
	case errors.Is(runErr, executor.ErrTimeout):
		if o.metrics != nil {
			o.metrics.RecordError("timeout")
		}
		return StatusTimeout, "timeout"
	case errors.Is(runErr, executor.ErrDependencyInstall):
		if o.metrics != nil {
			o.metrics.RecordError("dependency_install")
		}
		return StatusFailed, "dependency_install"
	case errors.Is(runErr, context.Canceled) && o.store.wasCancelRequested(execID):
		return StatusCancelled, "cancelled"
	default:
		if o.metrics != nil {
			o.metrics.RecordError("internal")
		}
		return StatusFailed, "internal"
	}
}

// teardown disposes of the sandbox after a run. Single-use sandboxes are
// always destroyed. A persistent sandbox survives normal outcomes but not
// a timeout or cancellation: a kill can leave stray processes behind, so
// the whole container goes.
func (o *Orchestrator) teardown(lease *sandbox.Lease, sandboxID string, singleUse bool, status Status) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if singleUse || status == StatusTimeout || status == StatusCancelled {
		start := time.Now()
		o.sandboxes.Destroy(ctx, sandboxID, string(status))
		if o.metrics != nil {
			o.metrics.ContainerdLatency.WithLabelValues("destroy").Observe(time.Since(start).Seconds())
		}
		return
	}
	lease.Release()
}

// scanOutput runs the post-execution leak heuristics over the captured
// streams. Findings go to the log and the audit trail only; the caller's
// response is unaffected.
func (o *Orchestrator) scanOutput(execID string, raw executor.RawResult) {
	findings := security.ScanOutput(raw.Stdout + "\n" + raw.Stderr)
	if len(findings) == 0 {
		return
	}
	sink, _ := o.audit.(SecurityEventSink)
	for _, f := range findings {
		log.Warn().
			Str("exec_id", execID).
			Str("check", f.Name).
			Str("severity", f.Severity.String()).
			Msg("suspicious execution output")
		if sink != nil {
			sink.LogSecurityEvent(&storage.SecurityEventRecord{
				ExecutionID: execID,
				Check:       f.Name,
				Severity:    f.Severity.String(),
				Detail:      f.Detail,
				CreatedAt:   o.now(),
			})
		}
	}
}

// refreshSandboxGauges republishes live sandbox counts by status.
func (o *Orchestrator) refreshSandboxGauges() {
	if o.metrics == nil {
		return
	}
	counts := make(map[sandbox.Status]int)
	for _, sb := range o.sandboxes.List("", "") {
		counts[sb.Status]++
	}
	for _, status := range []sandbox.Status{sandbox.StatusReady, sandbox.StatusBusy} {
		o.metrics.SandboxesActive.WithLabelValues(string(status)).Set(float64(counts[status]))
	}
}

// Cancel requests termination of a pending or running execution.
func (o *Orchestrator) Cancel(id string) bool {
	return o.store.requestCancel(id)
}

// Get returns a snapshot of one execution record.
func (o *Orchestrator) Get(id string) (Record, bool) {
	return o.store.get(id)
}

// List returns record snapshots filtered by owner and status.
func (o *Orchestrator) List(owner string, status Status) []Record {
	return o.store.list(owner, status)
}

func (o *Orchestrator) finishMetrics(record Record) {
	if o.metrics == nil {
		return
	}
	var seconds float64
	if record.StartedAt != nil && record.CompletedAt != nil {
		seconds = record.CompletedAt.Sub(*record.StartedAt).Seconds()
	}
	o.metrics.RecordExecution(record.Language, string(record.Status), seconds)
	if record.Summary != nil {
		if encoded, err := json.Marshal(record.Summary); err == nil {
			o.metrics.SummarySizeBytes.Observe(float64(len(encoded)))
		}
	}
}

func (o *Orchestrator) emitAudit(record Record, req Request) {
	if o.audit == nil {
		return
	}
	audit := &storage.ExecutionAudit{
		ID:        record.ID,
		Owner:     record.Owner,
		Tier:      req.Tier.String(),
		Language:  record.Language,
		CodeHash:  record.CodeHash,
		TaskID:    record.TaskID,
		SandboxID: record.SandboxID,
		Status:    string(record.Status),
		CreatedAt: record.CreatedAt,
	}
	if len(req.Input) > 0 {
		audit.InputHash = hashHex(req.Input)
	}
	if record.Security != nil {
		audit.Severity = record.Security.Severity.String()
		audit.ViolationCount = len(record.Security.Violations)
	}
	if record.Summary != nil {
		audit.ExitCode = record.Summary.ExitCode
		audit.DurationMS = record.Summary.DurationMS
		if encoded, err := json.Marshal(record.Summary); err == nil {
			audit.SummaryJSON = encoded
		}
	}
	audit.CompletedAt = record.CompletedAt
	o.audit.Log(audit)
}

func blockedBy(check security.CheckResult) string {
	if check.Passed {
		return ""
	}
	for _, v := range check.Violations {
		if v.Severity == security.SeverityCritical {
			return v.Check
		}
	}
	if len(check.Violations) > 0 {
		return check.Violations[0].Check
	}
	return "unknown"
}

func clampTimeout(d time.Duration) time.Duration {
	switch {
	case d == 0:
		return defaultTimeout
	case d < minTimeout:
		return minTimeout
	case d > maxTimeout:
		return maxTimeout
	}
	return d
}

func hashHex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

var _ Runner = (*executor.Executor)(nil)

// Sandboxes exposes the sandbox manager for the API layer's direct
// sandbox operations (create, list, destroy).
func (o *Orchestrator) Sandboxes() *sandbox.Manager {
	return o.sandboxes
}
