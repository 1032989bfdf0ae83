package sandbox

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// IDPrefix marks every container this service creates, so orphan cleanup
// after a crash only touches our own containers.
const IDPrefix = "sbx-"

// Manager owns all sandbox lifecycles. State transitions for one sandbox
// are serialized behind its entry lock; different sandboxes do not contend.
type Manager struct {
	runtime ContainerRuntime
	now     func() time.Time
	newID   func() string

	maxIdleAge time.Duration
	proxyAddr  string

	mu        sync.RWMutex
	sandboxes map[string]*entry

	done chan struct{}
	wg   sync.WaitGroup
}

type entry struct {
	mu        sync.Mutex
	sb        Sandbox
	container Container
	workDir   string
}

// Option customizes a Manager, mainly so tests can pin the clock and ids.
type Option func(*Manager)

func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

func WithIDGenerator(gen func() string) Option {
	return func(m *Manager) { m.newID = gen }
}

// WithMaxIdleAge bounds how long an idle persistent sandbox survives
// before the reaper destroys it.
func WithMaxIdleAge(d time.Duration) Option {
	return func(m *Manager) { m.maxIdleAge = d }
}

// WithEgressProxy routes bridge-mode sandbox traffic through the given
// proxy address (host:port) via the standard proxy environment variables.
// The address must be routable from inside the sandbox network namespace:
// bridge mode requires CNI (or equivalent veth) wiring on the host, and the
// proxy must listen on an address that network can reach, typically the
// bridge gateway. Host loopback is not reachable from a bridged sandbox.
func WithEgressProxy(addr string) Option {
	return func(m *Manager) { m.proxyAddr = addr }
}

func NewManager(runtime ContainerRuntime, opts ...Option) *Manager {
	m := &Manager{
		runtime:    runtime,
		now:        time.Now,
		newID:      func() string { return uuid.New().String() },
		maxIdleAge: 10 * time.Minute,
		sandboxes:  make(map[string]*entry),
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Create provisions a new sandbox for owner. It blocks on the container
// runtime; the returned Sandbox is a snapshot.
func (m *Manager) Create(ctx context.Context, owner, image string, cfg Config) (Sandbox, error) {
	if err := cfg.Limits.Validate(); err != nil {
		return Sandbox{}, err
	}

	id := IDPrefix + m.newID()
	logger := log.With().Str("sandbox_id", id).Str("owner", owner).Logger()

	workDir, err := os.MkdirTemp("", id+"-*")
	if err != nil {
		return Sandbox{}, fmt.Errorf("%w: creating work dir: %v", ErrProvisioning, err)
	}

	if cfg.Network == NetworkBridge && m.proxyAddr != "" {
		proxyURL := "http://" + m.proxyAddr
		cfg.Env = append(cfg.Env,
			"HTTP_PROXY="+proxyURL,
			"HTTPS_PROXY="+proxyURL,
			"NO_PROXY=localhost,127.0.0.1",
		)
	}

	e := &entry{
		sb: Sandbox{
			ID:        id,
			Owner:     owner,
			Status:    StatusCreating,
			Config:    cfg,
			CreatedAt: m.now(),
		},
		workDir: workDir,
	}
	m.mu.Lock()
	m.sandboxes[id] = e
	m.mu.Unlock()

	container, err := m.runtime.Create(ctx, ContainerSpec{
		ID:      id,
		Image:   image,
		WorkDir: workDir,
		Limits:  cfg.Limits,
		Network: cfg.Network,
		Env:     cfg.Env,
	})
	if err != nil {
		e.mu.Lock()
		e.sb.Status = StatusError
		e.mu.Unlock()
		_ = os.RemoveAll(workDir)
		logger.Error().Err(err).Msg("sandbox provisioning failed")
		// A dead runtime is a service-level failure; everything else is a
		// (possibly transient) provisioning failure.
		if errors.Is(err, ErrRuntimeDown) {
			return Sandbox{}, err
		}
		return Sandbox{}, fmt.Errorf("%w: %v", ErrProvisioning, err)
	}

	e.mu.Lock()
	e.container = container
	e.sb.ContainerID = container.ID()
	e.sb.Status = StatusReady
	e.sb.LastUsedAt = m.now()
	snapshot := e.sb
	e.mu.Unlock()

	logger.Info().
		Str("container_id", snapshot.ContainerID).
		Str("network", string(cfg.Network)).
		Bool("persistent", cfg.Persistent).
		Msg("sandbox created")
	return snapshot, nil
}

// Lease marks the sandbox busy for one execution. A second lease against a
// busy sandbox returns ErrBusy; callers must not queue on it.
func (m *Manager) Lease(id, execID string) (*Lease, error) {
	m.mu.RLock()
	e, ok := m.sandboxes[id]
	m.mu.RUnlock()
	if !ok {
		return nil, ErrNotFound
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	switch e.sb.Status {
	case StatusReady:
	case StatusBusy:
		return nil, fmt.Errorf("%w: execution %s is running", ErrBusy, e.sb.CurrentExecution)
	default:
		return nil, fmt.Errorf("%w: status %s", ErrNotReady, e.sb.Status)
	}

	e.sb.Status = StatusBusy
	e.sb.CurrentExecution = execID
	return &Lease{m: m, e: e, execID: execID}, nil
}

// Destroy tears a sandbox down. It is idempotent: unknown or already
// destroyed ids report success so callers can always run it in cleanup
// paths without error handling.
func (m *Manager) Destroy(ctx context.Context, id, reason string) bool {
	m.mu.RLock()
	e, ok := m.sandboxes[id]
	m.mu.RUnlock()
	if !ok {
		return true
	}

	e.mu.Lock()
	if e.sb.Status == StatusDestroyed {
		e.mu.Unlock()
		return true
	}
	e.sb.Status = StatusCleaning
	container := e.container
	workDir := e.workDir
	e.mu.Unlock()

	logger := log.With().Str("sandbox_id", id).Str("reason", reason).Logger()

	if container != nil {
		if err := container.Destroy(ctx); err != nil {
			// Teardown failure is logged, never surfaced: the sandbox is
			// still marked destroyed and the orphan sweep will retry.
			logger.Error().Err(err).Msg("container teardown failed")
		}
	}
	if workDir != "" {
		_ = os.RemoveAll(workDir)
	}

	e.mu.Lock()
	e.sb.Status = StatusDestroyed
	e.sb.CurrentExecution = ""
	e.mu.Unlock()

	logger.Info().Msg("sandbox destroyed")
	return true
}

// Get returns a snapshot of one sandbox.
func (m *Manager) Get(id string) (Sandbox, bool) {
	m.mu.RLock()
	e, ok := m.sandboxes[id]
	m.mu.RUnlock()
	if !ok {
		return Sandbox{}, false
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sb, true
}

// List returns snapshots filtered by owner and status; empty filters match
// everything.
func (m *Manager) List(owner string, status Status) []Sandbox {
	m.mu.RLock()
	entries := make([]*entry, 0, len(m.sandboxes))
	for _, e := range m.sandboxes {
		entries = append(entries, e)
	}
	m.mu.RUnlock()

	var out []Sandbox
	for _, e := range entries {
		e.mu.Lock()
		sb := e.sb
		e.mu.Unlock()
		if owner != "" && sb.Owner != owner {
			continue
		}
		if status != "" && sb.Status != status {
			continue
		}
		out = append(out, sb)
	}
	return out
}

// Healthy reports whether the container runtime is reachable.
func (m *Manager) Healthy(ctx context.Context) bool {
	return m.runtime.Healthy(ctx)
}

// CleanupOrphans removes containers left behind by previous runs.
func (m *Manager) CleanupOrphans(ctx context.Context) (int, error) {
	return m.runtime.CleanupOrphans(ctx, IDPrefix)
}

// StartReaper launches the background loop that destroys idle persistent
// sandboxes past the max idle age. Single-use sandboxes are destroyed by
// the orchestrator immediately after their execution.
func (m *Manager) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-m.done:
				return
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.reapIdle(ctx)
			}
		}
	}()
}

func (m *Manager) reapIdle(ctx context.Context) {
	cutoff := m.now().Add(-m.maxIdleAge)
	for _, sb := range m.List("", StatusReady) {
		if !sb.Config.Persistent {
			continue
		}
		if sb.LastUsedAt.After(cutoff) {
			continue
		}
		log.Info().Str("sandbox_id", sb.ID).Msg("reaping idle persistent sandbox")
		m.Destroy(ctx, sb.ID, "idle timeout")
	}
}

// Close stops the reaper and destroys every live sandbox.
func (m *Manager) Close(ctx context.Context) error {
	close(m.done)
	m.wg.Wait()

	for _, sb := range m.List("", "") {
		if sb.Status != StatusDestroyed {
			m.Destroy(ctx, sb.ID, "shutdown")
		}
	}
	return m.runtime.Close()
}

// Lease holds one sandbox for one execution.
type Lease struct {
	m      *Manager
	e      *entry
	execID string

	releaseOnce sync.Once
}

func (l *Lease) Sandbox() Sandbox {
	l.e.mu.Lock()
	defer l.e.mu.Unlock()
	return l.e.sb
}

func (l *Lease) Container() Container {
	l.e.mu.Lock()
	defer l.e.mu.Unlock()
	return l.e.container
}

// WorkDir is the host directory bind-mounted read-only into the sandbox;
// the executor stages program, harness and input files there.
func (l *Lease) WorkDir() string {
	return l.e.workDir
}

// Release returns the sandbox to ready. Safe to call more than once, and a
// no-op if the sandbox was destroyed while the lease was held.
func (l *Lease) Release() {
	l.releaseOnce.Do(func() {
		l.e.mu.Lock()
		defer l.e.mu.Unlock()
		if l.e.sb.Status == StatusBusy && l.e.sb.CurrentExecution == l.execID {
			l.e.sb.Status = StatusReady
			l.e.sb.CurrentExecution = ""
			l.e.sb.LastUsedAt = l.m.now()
		}
	})
}
