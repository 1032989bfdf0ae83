package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"agent-exec-sandbox/internal/executor"
	"agent-exec-sandbox/internal/lang"
	"agent-exec-sandbox/internal/sandbox"
	"agent-exec-sandbox/internal/security"
	"agent-exec-sandbox/internal/storage"
)

type nullContainer struct{ id string }

func (c *nullContainer) ID() string { return c.id }
func (c *nullContainer) Run(ctx context.Context, args []string, stdout, stderr io.Writer) (int, error) {
	return 0, nil
}
func (c *nullContainer) Destroy(ctx context.Context) error { return nil }

type countingRuntime struct {
	mu      sync.Mutex
	creates int
}

func (r *countingRuntime) Create(ctx context.Context, spec sandbox.ContainerSpec) (sandbox.Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.creates++
	return &nullContainer{id: spec.ID}, nil
}

func (r *countingRuntime) CleanupOrphans(ctx context.Context, prefix string) (int, error) {
	return 0, nil
}

func (r *countingRuntime) Healthy(ctx context.Context) bool { return true }
func (r *countingRuntime) Close() error                     { return nil }

func (r *countingRuntime) created() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.creates
}

// brokenRuntime fails every Create with a fixed error.
type brokenRuntime struct {
	countingRuntime
	err error
}

func (r *brokenRuntime) Create(ctx context.Context, spec sandbox.ContainerSpec) (sandbox.Container, error) {
	return nil, r.err
}

// fakeRunner substitutes the in-sandbox executor with a scripted outcome.
type fakeRunner struct {
	fn func(ctx context.Context, spec executor.RunSpec) (executor.RawResult, error)
}

func (f *fakeRunner) Run(ctx context.Context, lease *sandbox.Lease, spec executor.RunSpec) (executor.RawResult, error) {
	return f.fn(ctx, spec)
}

type recordingAudit struct {
	mu     sync.Mutex
	audits []*storage.ExecutionAudit
	events []*storage.SecurityEventRecord
}

func (a *recordingAudit) Log(audit *storage.ExecutionAudit) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.audits = append(a.audits, audit)
}

func (a *recordingAudit) LogSecurityEvent(event *storage.SecurityEventRecord) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.events = append(a.events, event)
}

func (a *recordingAudit) last() *storage.ExecutionAudit {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.audits) == 0 {
		return nil
	}
	return a.audits[len(a.audits)-1]
}

type fixture struct {
	orch    *Orchestrator
	runtime *countingRuntime
	audit   *recordingAudit
	manager *sandbox.Manager
}

func newFixture(t *testing.T, runner Runner, maxConcurrent int) *fixture {
	t.Helper()
	rt := &countingRuntime{}
	langs := lang.NewRegistry()
	manager := sandbox.NewManager(rt)
	t.Cleanup(func() { manager.Close(context.Background()) })

	audit := &recordingAudit{}
	validator := security.NewValidator(langs, security.DefaultPolicy())
	return &fixture{
		orch:    New(validator, langs, manager, runner, audit, nil, maxConcurrent),
		runtime: rt,
		audit:   audit,
		manager: manager,
	}
}

func okRunner(payload string) Runner {
	return &fakeRunner{fn: func(ctx context.Context, spec executor.RunSpec) (executor.RawResult, error) {
		return executor.RawResult{
			Payload:  json.RawMessage(payload),
			ExitCode: 0,
			Duration: 10 * time.Millisecond,
		}, nil
	}}
}

func cleanRequest() Request {
	return Request{
		Owner:    "agent-a",
		Tier:     security.TierStandard,
		Code:     "result = [x * 2 for x in range(3)]",
		Language: "python",
		Timeout:  time.Second,
	}
}

func TestExecuteCompleted(t *testing.T) {
	f := newFixture(t, okRunner(`[{"n": 1}, {"n": 2}]`), 4)

	req := cleanRequest()
	req.TaskID = "task-42"
	record, err := f.orch.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if record.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", record.Status)
	}
	if record.Summary == nil || record.Summary.RowCount != 2 {
		t.Errorf("summary = %+v", record.Summary)
	}
	if record.Security == nil || !record.Security.Passed {
		t.Error("passing security result should be attached")
	}
	if record.CodeHash == "" || strings.Contains(record.CodeHash, "result") {
		t.Errorf("code hash = %q", record.CodeHash)
	}
	if record.TaskID != "task-42" {
		t.Errorf("task id = %q, want task-42", record.TaskID)
	}
}

func TestExecuteBlockedCreatesNoSandbox(t *testing.T) {
	f := newFixture(t, okRunner("null"), 4)

	req := cleanRequest()
	req.Code = `eval("anything")`
	record, err := f.orch.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if record.Status != StatusBlocked {
		t.Fatalf("status = %s, want blocked", record.Status)
	}
	if record.Summary != nil {
		t.Error("blocked record must carry no summary")
	}
	if record.Security == nil || record.Security.Severity != security.SeverityCritical {
		t.Errorf("security = %+v", record.Security)
	}
	if f.runtime.created() != 0 {
		t.Errorf("runtime.Create called %d times for blocked submission", f.runtime.created())
	}
}

func TestExecuteSingleUseTeardown(t *testing.T) {
	f := newFixture(t, okRunner("null"), 4)

	record, err := f.orch.Execute(context.Background(), cleanRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	sb, ok := f.manager.Get(record.SandboxID)
	if !ok {
		t.Fatal("sandbox unknown to manager")
	}
	if sb.Status != sandbox.StatusDestroyed {
		t.Errorf("single-use sandbox status = %s, want destroyed", sb.Status)
	}
}

func TestExecuteNonZeroExitIsFailed(t *testing.T) {
	runner := &fakeRunner{fn: func(ctx context.Context, spec executor.RunSpec) (executor.RawResult, error) {
		return executor.RawResult{ExitCode: 3, Stderr: "boom"}, nil
	}}
	f := newFixture(t, runner, 4)

	record, err := f.orch.Execute(context.Background(), cleanRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if record.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", record.Status)
	}
	if record.Summary == nil || record.Summary.Success {
		t.Errorf("summary = %+v, want unsuccessful summary attached", record.Summary)
	}
}

func TestExecuteTimeoutDestroysPersistentSandbox(t *testing.T) {
	runner := &fakeRunner{fn: func(ctx context.Context, spec executor.RunSpec) (executor.RawResult, error) {
		return executor.RawResult{}, fmt.Errorf("%w after 1s", executor.ErrTimeout)
	}}
	f := newFixture(t, runner, 4)

	cfg := sandbox.Config{
		Language:   "python",
		Limits:     sandbox.DefaultLimits(),
		Network:    sandbox.NetworkNone,
		Persistent: true,
	}
	sb, err := f.manager.Create(context.Background(), "agent-a", "python:3.12-slim", cfg)
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	req := cleanRequest()
	req.SandboxID = sb.ID
	record, err := f.orch.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if record.Status != StatusTimeout {
		t.Fatalf("status = %s, want timeout", record.Status)
	}
	got, _ := f.manager.Get(sb.ID)
	if got.Status != sandbox.StatusDestroyed {
		t.Errorf("timed-out persistent sandbox status = %s, want destroyed", got.Status)
	}
}

func TestExecutePersistentSurvivesSuccess(t *testing.T) {
	f := newFixture(t, okRunner(`"ok"`), 4)

	cfg := sandbox.Config{
		Language:   "python",
		Limits:     sandbox.DefaultLimits(),
		Network:    sandbox.NetworkNone,
		Persistent: true,
	}
	sb, _ := f.manager.Create(context.Background(), "agent-a", "python:3.12-slim", cfg)

	req := cleanRequest()
	req.SandboxID = sb.ID
	record, err := f.orch.Execute(context.Background(), req)
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if record.Status != StatusCompleted {
		t.Fatalf("status = %s", record.Status)
	}
	got, _ := f.manager.Get(sb.ID)
	if got.Status != sandbox.StatusReady {
		t.Errorf("persistent sandbox status = %s, want ready for reuse", got.Status)
	}
}

func TestExecuteBusySandboxRejected(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{fn: func(ctx context.Context, spec executor.RunSpec) (executor.RawResult, error) {
		<-block
		return executor.RawResult{ExitCode: 0}, nil
	}}
	f := newFixture(t, runner, 4)

	cfg := sandbox.Config{
		Language:   "python",
		Limits:     sandbox.DefaultLimits(),
		Network:    sandbox.NetworkNone,
		Persistent: true,
	}
	sb, _ := f.manager.Create(context.Background(), "agent-a", "python:3.12-slim", cfg)

	req := cleanRequest()
	req.SandboxID = sb.ID

	firstDone := make(chan struct{})
	go func() {
		defer close(firstDone)
		f.orch.Execute(context.Background(), req)
	}()

	// Wait for the first execution to take the lease.
	deadline := time.After(2 * time.Second)
	for {
		if got, _ := f.manager.Get(sb.ID); got.Status == sandbox.StatusBusy {
			break
		}
		select {
		case <-deadline:
			t.Fatal("first execution never went busy")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if _, err := f.orch.Execute(context.Background(), req); !errors.Is(err, sandbox.ErrBusy) {
		t.Fatalf("second Execute err = %v, want ErrBusy", err)
	}
	close(block)
	<-firstDone
}

func TestExecuteDependencyInstallFault(t *testing.T) {
	runner := &fakeRunner{fn: func(ctx context.Context, spec executor.RunSpec) (executor.RawResult, error) {
		return executor.RawResult{}, fmt.Errorf("%w: exit 1", executor.ErrDependencyInstall)
	}}
	f := newFixture(t, runner, 4)

	record, err := f.orch.Execute(context.Background(), cleanRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if record.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", record.Status)
	}
	if record.Error != "dependency_install" {
		t.Errorf("fault class = %q, want dependency_install", record.Error)
	}
	if record.Summary != nil {
		t.Error("no summary for a program that never ran")
	}
}

func TestExecuteProvisioningFailureIsFailedRecord(t *testing.T) {
	rt := &brokenRuntime{err: errors.New("pulling image python:3.12-slim: not found")}
	langs := lang.NewRegistry()
	manager := sandbox.NewManager(rt)
	t.Cleanup(func() { manager.Close(context.Background()) })
	audit := &recordingAudit{}
	validator := security.NewValidator(langs, security.DefaultPolicy())
	orch := New(validator, langs, manager, okRunner("null"), audit, nil, 4)

	record, err := orch.Execute(context.Background(), cleanRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if record.Status != StatusFailed {
		t.Fatalf("status = %s, want failed", record.Status)
	}
	if record.Error != "provisioning" {
		t.Errorf("fault class = %q, want provisioning", record.Error)
	}
	if record.Summary != nil {
		t.Error("no summary for a program that never ran")
	}
	got, ok := orch.Get(record.ID)
	if !ok || got.Status != StatusFailed {
		t.Fatalf("record not retrievable after provisioning failure: %v %+v", ok, got)
	}
	row := audit.last()
	if row == nil || row.Status != string(StatusFailed) {
		t.Errorf("audit row = %+v, want failed", row)
	}
}

func TestExecuteRuntimeDownRejectsWithoutRecord(t *testing.T) {
	rt := &brokenRuntime{err: fmt.Errorf("%w: version check failed", sandbox.ErrRuntimeDown)}
	langs := lang.NewRegistry()
	manager := sandbox.NewManager(rt)
	t.Cleanup(func() { manager.Close(context.Background()) })
	validator := security.NewValidator(langs, security.DefaultPolicy())
	orch := New(validator, langs, manager, okRunner("null"), &recordingAudit{}, nil, 4)

	_, err := orch.Execute(context.Background(), cleanRequest())
	if !errors.Is(err, sandbox.ErrRuntimeDown) {
		t.Fatalf("err = %v, want ErrRuntimeDown", err)
	}
	// A service-level failure is a rejection, not an execution.
	if got := len(orch.List("", "")); got != 0 {
		t.Errorf("records = %d, want none", got)
	}
}

func TestExecuteCapacityRejectsBeforeAcceptance(t *testing.T) {
	block := make(chan struct{})
	runner := &fakeRunner{fn: func(ctx context.Context, spec executor.RunSpec) (executor.RawResult, error) {
		<-block
		return executor.RawResult{ExitCode: 0}, nil
	}}
	f := newFixture(t, runner, 1)

	started := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		close(started)
		f.orch.Execute(context.Background(), cleanRequest())
	}()
	<-started

	// Wait until the first execution holds the admission slot.
	deadline := time.After(2 * time.Second)
	for len(f.orch.List("", StatusRunning)) == 0 {
		select {
		case <-deadline:
			t.Fatal("first execution never started running")
		case <-time.After(5 * time.Millisecond):
		}
	}

	_, err := f.orch.Execute(context.Background(), cleanRequest())
	if !errors.Is(err, ErrCapacity) {
		t.Fatalf("err = %v, want ErrCapacity", err)
	}
	// A capacity rejection leaves no record behind.
	if got := len(f.orch.List("", "")); got != 1 {
		t.Errorf("records = %d, want only the running one", got)
	}

	close(block)
	<-done
}

func TestCancelRunningExecution(t *testing.T) {
	runner := &fakeRunner{fn: func(ctx context.Context, spec executor.RunSpec) (executor.RawResult, error) {
		<-ctx.Done()
		return executor.RawResult{}, fmt.Errorf("running program: %w", ctx.Err())
	}}
	f := newFixture(t, runner, 4)

	done := make(chan Record, 1)
	go func() {
		record, _ := f.orch.Execute(context.Background(), cleanRequest())
		done <- record
	}()

	var running []Record
	deadline := time.After(2 * time.Second)
	for len(running) == 0 {
		running = f.orch.List("", StatusRunning)
		select {
		case <-deadline:
			t.Fatal("execution never started")
		case <-time.After(5 * time.Millisecond):
		}
	}

	if !f.orch.Cancel(running[0].ID) {
		t.Fatal("Cancel returned false for a running execution")
	}
	record := <-done
	if record.Status != StatusCancelled {
		t.Fatalf("status = %s, want cancelled", record.Status)
	}
	sb, _ := f.manager.Get(record.SandboxID)
	if sb.Status != sandbox.StatusDestroyed {
		t.Errorf("cancelled sandbox status = %s, want destroyed", sb.Status)
	}
}

func TestCancelTerminalRecordRefused(t *testing.T) {
	f := newFixture(t, okRunner("null"), 4)

	record, _ := f.orch.Execute(context.Background(), cleanRequest())
	if f.orch.Cancel(record.ID) {
		t.Error("Cancel succeeded on a terminal record")
	}
	got, _ := f.orch.Get(record.ID)
	if got.Status != StatusCompleted {
		t.Errorf("status = %s after refused cancel", got.Status)
	}
}

func TestAuditCarriesHashesNotCode(t *testing.T) {
	f := newFixture(t, okRunner(`{"answer": 42}`), 4)

	req := cleanRequest()
	req.Input = json.RawMessage(`{"secret": "value"}`)
	if _, err := f.orch.Execute(context.Background(), req); err != nil {
		t.Fatalf("Execute: %v", err)
	}

	audit := f.audit.last()
	if audit == nil {
		t.Fatal("no audit emitted")
	}
	if audit.CodeHash == "" || audit.InputHash == "" {
		t.Error("audit missing hashes")
	}
	encoded, _ := json.Marshal(audit)
	for _, leak := range []string{req.Code, "secret", "value"} {
		if strings.Contains(string(encoded), leak) {
			t.Errorf("audit row leaks %q", leak)
		}
	}
}

func TestSuspiciousOutputEmitsSecurityEvents(t *testing.T) {
	runner := &fakeRunner{fn: func(ctx context.Context, spec executor.RunSpec) (executor.RawResult, error) {
		return executor.RawResult{
			Payload:  json.RawMessage(`null`),
			Stdout:   "root:x:0:0:root:/root:/bin/bash",
			ExitCode: 0,
			Duration: time.Millisecond,
		}, nil
	}}
	f := newFixture(t, runner, 4)

	record, err := f.orch.Execute(context.Background(), cleanRequest())
	if err != nil {
		t.Fatalf("Execute: %v", err)
	}
	if record.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed", record.Status)
	}
	if len(f.audit.events) == 0 {
		t.Fatal("no security events emitted for passwd-like output")
	}
	event := f.audit.events[0]
	if event.ExecutionID != record.ID {
		t.Errorf("event execution id = %q, want %q", event.ExecutionID, record.ID)
	}
	if event.Check != "passwd_leak" {
		t.Errorf("event check = %q, want passwd_leak", event.Check)
	}
}

func TestConcurrentExecutionsDoNotCrossReports(t *testing.T) {
	runner := &fakeRunner{fn: func(ctx context.Context, spec executor.RunSpec) (executor.RawResult, error) {
		// Echo the program's marker value back so each record's summary
		// is traceable to its own request.
		n := strings.TrimPrefix(spec.Code, "result = ")
		return executor.RawResult{
			Payload:  json.RawMessage(fmt.Sprintf(`{"value": %s}`, n)),
			ExitCode: 0,
		}, nil
	}}
	f := newFixture(t, runner, 8)

	const n = 8
	records := make([]Record, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			req := cleanRequest()
			req.Code = fmt.Sprintf("result = %d", i)
			records[i], _ = f.orch.Execute(context.Background(), req)
		}(i)
	}
	wg.Wait()

	for i, record := range records {
		if record.Status != StatusCompleted {
			t.Fatalf("record %d status = %s", i, record.Status)
		}
		st, ok := record.Summary.Stats["value"]
		if !ok || st.Min != float64(i) {
			t.Errorf("record %d summary value = %+v, want %d", i, record.Summary.Stats, i)
		}
	}
}

func TestValidateDryRun(t *testing.T) {
	f := newFixture(t, okRunner("null"), 4)

	result := f.orch.Validate(`eval("x")`, "python", security.TierStandard)
	if result.Passed {
		t.Error("dry-run validation passed hostile code")
	}
	if f.runtime.created() != 0 {
		t.Error("dry-run validation touched the runtime")
	}
	if got := len(f.orch.List("", "")); got != 0 {
		t.Errorf("dry-run validation left %d records", got)
	}
}
