// Package executor stages programs into a leased sandbox and runs them
// under the harness contract: the program binds `result`, the harness
// serializes it between markers on stdout, and the executor recovers the
// payload without ever shipping raw streams to callers.
package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/rs/zerolog/log"

	"agent-exec-sandbox/internal/lang"
	"agent-exec-sandbox/internal/sandbox"
)

var (
	// ErrTimeout means the program exceeded its wall-clock budget and was
	// killed. The sandbox that ran it must not be reused.
	ErrTimeout = errors.New("execution timed out")

	// ErrDependencyInstall means dependency installation failed before the
	// program ever ran. It is a distinct fault class from program failure.
	ErrDependencyInstall = errors.New("dependency installation failed")

	// ErrStaging means program files could not be written to the sandbox
	// work directory.
	ErrStaging = errors.New("staging program files failed")
)

const (
	// maxCaptureBytes bounds how much of each stream is held in memory.
	// The result payload travels on stdout, so the cap must comfortably
	// exceed the largest payload the summarizer is expected to digest.
	maxCaptureBytes = 8 << 20

	// installTimeout bounds the dependency install step independently of
	// the program's own budget.
	installTimeout = 2 * time.Minute
)

// RunSpec describes one execution against a leased sandbox.
type RunSpec struct {
	Code         string
	Language     string
	Input        json.RawMessage
	Dependencies []string
	Timeout      time.Duration
}

// RawResult is what actually came out of the sandbox. It stays inside the
// service; only the summarizer's digest of it ever reaches a caller.
type RawResult struct {
	Payload         json.RawMessage
	Stdout          string
	Stderr          string
	StdoutTruncated bool
	StderrTruncated bool
	ExitCode        int
	Duration        time.Duration
}

type Executor struct {
	langs *lang.Registry
}

func New(langs *lang.Registry) *Executor {
	return &Executor{langs: langs}
}

// Run stages spec into the lease's work directory, installs dependencies
// if any, executes the harness and recovers the result payload. The
// context deadline is advisory; the wall-clock budget comes from
// spec.Timeout.
func (e *Executor) Run(ctx context.Context, lease *sandbox.Lease, spec RunSpec) (RawResult, error) {
	language, err := e.langs.Get(spec.Language)
	if err != nil {
		return RawResult{}, err
	}

	if err := stage(lease.WorkDir(), language, spec); err != nil {
		return RawResult{}, err
	}

	container := lease.Container()
	logger := log.With().
		Str("sandbox_id", lease.Sandbox().ID).
		Str("language", language.Name()).
		Logger()

	if len(spec.Dependencies) > 0 {
		if err := e.install(ctx, container, language, spec.Dependencies); err != nil {
			return RawResult{}, err
		}
		logger.Debug().Strs("deps", spec.Dependencies).Msg("dependencies installed")
	}

	runCtx, cancel := context.WithTimeout(ctx, spec.Timeout)
	defer cancel()

	stdout := newBoundedBuffer(maxCaptureBytes)
	stderr := newBoundedBuffer(maxCaptureBytes)

	start := time.Now()
	exitCode, runErr := container.Run(runCtx, language.RunCommand(), stdout, stderr)
	elapsed := time.Since(start)

	if runErr != nil {
		if errors.Is(runErr, context.DeadlineExceeded) && ctx.Err() == nil {
			logger.Warn().Dur("budget", spec.Timeout).Msg("execution killed on timeout")
			return RawResult{Duration: elapsed}, fmt.Errorf("%w after %s", ErrTimeout, spec.Timeout)
		}
		return RawResult{Duration: elapsed}, fmt.Errorf("running program: %w", runErr)
	}

	payload, visible := extractPayload(stdout.String())
	return RawResult{
		Payload:         payload,
		Stdout:          visible,
		Stderr:          stderr.String(),
		StdoutTruncated: stdout.Truncated(),
		StderrTruncated: stderr.Truncated(),
		ExitCode:        exitCode,
		Duration:        elapsed,
	}, nil
}

func (e *Executor) install(ctx context.Context, container sandbox.Container, language lang.Language, deps []string) error {
	argv := language.InstallCommand(deps)
	if argv == nil {
		return fmt.Errorf("%w: %s has no package manager", ErrDependencyInstall, language.Name())
	}

	installCtx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()

	stdout := newBoundedBuffer(64 << 10)
	stderr := newBoundedBuffer(64 << 10)
	exitCode, err := container.Run(installCtx, argv, stdout, stderr)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrDependencyInstall, err)
	}
	if exitCode != 0 {
		return fmt.Errorf("%w: exit %d: %s", ErrDependencyInstall, exitCode, tail(stderr.String(), 512))
	}
	return nil
}

// stage writes the program, harness and optional input into the host work
// directory, which is bind-mounted read-only at lang.WorkspaceDir.
func stage(workDir string, language lang.Language, spec RunSpec) error {
	files := map[string][]byte{
		lang.ProgramFileBase + language.FileExtension(): []byte(spec.Code),
		lang.HarnessFileBase + language.FileExtension(): []byte(language.HarnessSource()),
	}
	if len(spec.Input) > 0 {
		files[lang.InputFileName] = spec.Input
	} else {
		// Stale input from a previous run on a persistent sandbox must
		// not leak into this one.
		_ = os.Remove(filepath.Join(workDir, lang.InputFileName))
	}
	for name, data := range files {
		if err := os.WriteFile(filepath.Join(workDir, name), data, 0o644); err != nil {
			return fmt.Errorf("%w: %s: %v", ErrStaging, name, err)
		}
	}
	return nil
}

// extractPayload splits the harness result out of the stdout stream. The
// last complete marker pair wins; everything outside it is the program's
// visible stdout. A missing or torn marker pair yields a nil payload.
func extractPayload(stdout string) (json.RawMessage, string) {
	begin := strings.LastIndex(stdout, lang.ResultBegin)
	if begin < 0 {
		return nil, stdout
	}
	rest := stdout[begin+len(lang.ResultBegin):]
	end := strings.Index(rest, lang.ResultEnd)
	if end < 0 {
		return nil, stdout
	}

	raw := strings.TrimSpace(rest[:end])
	visible := stdout[:begin] + rest[end+len(lang.ResultEnd):]
	visible = strings.TrimSuffix(strings.TrimPrefix(visible, "\n"), "\n")

	if !json.Valid([]byte(raw)) {
		return nil, visible
	}
	return json.RawMessage(raw), visible
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// boundedBuffer keeps the first cap bytes written and drops the rest,
// remembering that it did.
type boundedBuffer struct {
	buf       bytes.Buffer
	limit     int
	truncated bool
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	room := b.limit - b.buf.Len()
	if room <= 0 {
		b.truncated = true
		return len(p), nil
	}
	if len(p) > room {
		b.buf.Write(p[:room])
		b.truncated = true
		return len(p), nil
	}
	b.buf.Write(p)
	return len(p), nil
}

func (b *boundedBuffer) String() string  { return b.buf.String() }
func (b *boundedBuffer) Truncated() bool { return b.truncated }
