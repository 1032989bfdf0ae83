package sandbox

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"
)

type fakeContainer struct {
	id        string
	mu        sync.Mutex
	destroyed int
	runErr    error
}

func (c *fakeContainer) ID() string { return c.id }

func (c *fakeContainer) Run(ctx context.Context, args []string, stdout, stderr io.Writer) (int, error) {
	if c.runErr != nil {
		return -1, c.runErr
	}
	return 0, nil
}

func (c *fakeContainer) Destroy(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.destroyed++
	return nil
}

type fakeRuntime struct {
	mu        sync.Mutex
	created   []*fakeContainer
	specs     []ContainerSpec
	createErr error
	healthy   bool
}

func (r *fakeRuntime) Create(ctx context.Context, spec ContainerSpec) (Container, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.createErr != nil {
		return nil, r.createErr
	}
	c := &fakeContainer{id: spec.ID}
	r.created = append(r.created, c)
	r.specs = append(r.specs, spec)
	return c, nil
}

func (r *fakeRuntime) CleanupOrphans(ctx context.Context, prefix string) (int, error) {
	return 0, nil
}

func (r *fakeRuntime) Healthy(ctx context.Context) bool { return r.healthy }
func (r *fakeRuntime) Close() error                     { return nil }

func newTestManager(t *testing.T, rt *fakeRuntime, opts ...Option) *Manager {
	t.Helper()
	seq := 0
	base := []Option{WithIDGenerator(func() string {
		seq++
		return fmt.Sprintf("test-%04d", seq)
	})}
	return NewManager(rt, append(base, opts...)...)
}

func testConfig() Config {
	return Config{
		Language: "python",
		Limits:   DefaultLimits(),
		Network:  NetworkNone,
	}
}

func TestCreateBridgeGetsProxyEnv(t *testing.T) {
	rt := &fakeRuntime{}
	m := newTestManager(t, rt, WithEgressProxy("127.0.0.1:3128"))
	t.Cleanup(func() { m.Close(context.Background()) })

	cfg := testConfig()
	cfg.Network = NetworkBridge
	if _, err := m.Create(context.Background(), "agent-1", "python:3.12-slim", cfg); err != nil {
		t.Fatalf("Create: %v", err)
	}

	env := strings.Join(rt.specs[0].Env, " ")
	if !strings.Contains(env, "HTTP_PROXY=http://127.0.0.1:3128") ||
		!strings.Contains(env, "HTTPS_PROXY=http://127.0.0.1:3128") {
		t.Errorf("bridge sandbox env = %q, want proxy variables", env)
	}

	// Isolated sandboxes never see the proxy.
	if _, err := m.Create(context.Background(), "agent-1", "python:3.12-slim", testConfig()); err != nil {
		t.Fatalf("Create: %v", err)
	}
	if got := rt.specs[1].Env; len(got) != 0 {
		t.Errorf("isolated sandbox env = %v, want empty", got)
	}
}

func TestCreateAndGet(t *testing.T) {
	rt := &fakeRuntime{}
	m := newTestManager(t, rt)
	defer m.Close(context.Background())

	sb, err := m.Create(context.Background(), "agent-1", "python:3.12-slim", testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}
	if !strings.HasPrefix(sb.ID, IDPrefix) {
		t.Errorf("id %q missing prefix %q", sb.ID, IDPrefix)
	}
	if sb.Status != StatusReady {
		t.Errorf("status = %s, want %s", sb.Status, StatusReady)
	}

	got, ok := m.Get(sb.ID)
	if !ok {
		t.Fatal("Get: sandbox not found")
	}
	if got.Owner != "agent-1" {
		t.Errorf("owner = %q, want agent-1", got.Owner)
	}
}

func TestCreateInvalidLimits(t *testing.T) {
	rt := &fakeRuntime{}
	m := newTestManager(t, rt)
	defer m.Close(context.Background())

	cfg := testConfig()
	cfg.Limits.MemoryMB = 1 << 20
	if _, err := m.Create(context.Background(), "agent-1", "python:3.12-slim", cfg); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("err = %v, want ErrInvalidConfig", err)
	}
	if len(rt.created) != 0 {
		t.Errorf("runtime.Create called %d times for invalid config", len(rt.created))
	}
}

func TestCreateRuntimeFailure(t *testing.T) {
	rt := &fakeRuntime{createErr: errors.New("containerd down")}
	m := newTestManager(t, rt)
	defer m.Close(context.Background())

	if _, err := m.Create(context.Background(), "agent-1", "python:3.12-slim", testConfig()); !errors.Is(err, ErrProvisioning) {
		t.Fatalf("err = %v, want ErrProvisioning", err)
	}
}

func TestLeaseRejectsSecondExecution(t *testing.T) {
	rt := &fakeRuntime{}
	m := newTestManager(t, rt)
	defer m.Close(context.Background())

	sb, err := m.Create(context.Background(), "agent-1", "python:3.12-slim", testConfig())
	if err != nil {
		t.Fatalf("Create: %v", err)
	}

	lease, err := m.Lease(sb.ID, "exec-1")
	if err != nil {
		t.Fatalf("first Lease: %v", err)
	}
	if _, err := m.Lease(sb.ID, "exec-2"); !errors.Is(err, ErrBusy) {
		t.Fatalf("second Lease err = %v, want ErrBusy", err)
	}

	lease.Release()
	if _, err := m.Lease(sb.ID, "exec-3"); err != nil {
		t.Fatalf("Lease after release: %v", err)
	}
}

func TestLeaseUnknownSandbox(t *testing.T) {
	m := newTestManager(t, &fakeRuntime{})
	defer m.Close(context.Background())

	if _, err := m.Lease("sbx-nope", "exec-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	m := newTestManager(t, &fakeRuntime{})
	defer m.Close(context.Background())

	sb, _ := m.Create(context.Background(), "agent-1", "python:3.12-slim", testConfig())
	lease, err := m.Lease(sb.ID, "exec-1")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	lease.Release()
	lease.Release()

	got, _ := m.Get(sb.ID)
	if got.Status != StatusReady {
		t.Errorf("status = %s, want %s", got.Status, StatusReady)
	}
}

func TestDestroyIdempotent(t *testing.T) {
	rt := &fakeRuntime{}
	m := newTestManager(t, rt)
	defer m.Close(context.Background())

	sb, _ := m.Create(context.Background(), "agent-1", "python:3.12-slim", testConfig())

	if !m.Destroy(context.Background(), sb.ID, "test") {
		t.Fatal("first Destroy reported failure")
	}
	if !m.Destroy(context.Background(), sb.ID, "test") {
		t.Fatal("second Destroy reported failure")
	}
	if !m.Destroy(context.Background(), "sbx-never-existed", "test") {
		t.Fatal("Destroy of unknown id reported failure")
	}

	if n := rt.created[0].destroyed; n != 1 {
		t.Errorf("container destroyed %d times, want 1", n)
	}
	got, _ := m.Get(sb.ID)
	if got.Status != StatusDestroyed {
		t.Errorf("status = %s, want %s", got.Status, StatusDestroyed)
	}
}

func TestDestroyedSandboxNotLeasable(t *testing.T) {
	m := newTestManager(t, &fakeRuntime{})
	defer m.Close(context.Background())

	sb, _ := m.Create(context.Background(), "agent-1", "python:3.12-slim", testConfig())
	m.Destroy(context.Background(), sb.ID, "test")

	if _, err := m.Lease(sb.ID, "exec-1"); !errors.Is(err, ErrNotReady) {
		t.Fatalf("err = %v, want ErrNotReady", err)
	}
}

func TestListFilters(t *testing.T) {
	m := newTestManager(t, &fakeRuntime{})
	defer m.Close(context.Background())

	a, _ := m.Create(context.Background(), "agent-a", "python:3.12-slim", testConfig())
	m.Create(context.Background(), "agent-b", "python:3.12-slim", testConfig())
	m.Destroy(context.Background(), a.ID, "test")

	if got := len(m.List("", "")); got != 2 {
		t.Errorf("List all = %d, want 2", got)
	}
	if got := len(m.List("agent-a", "")); got != 1 {
		t.Errorf("List agent-a = %d, want 1", got)
	}
	if got := len(m.List("", StatusReady)); got != 1 {
		t.Errorf("List ready = %d, want 1", got)
	}
	if got := len(m.List("agent-b", StatusDestroyed)); got != 0 {
		t.Errorf("List agent-b destroyed = %d, want 0", got)
	}
}

func TestReaperDestroysIdlePersistent(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	rt := &fakeRuntime{}
	m := newTestManager(t, rt, WithClock(clock), WithMaxIdleAge(time.Minute))
	defer m.Close(context.Background())

	cfg := testConfig()
	cfg.Persistent = true
	persistent, _ := m.Create(context.Background(), "agent-1", "python:3.12-slim", cfg)
	single, _ := m.Create(context.Background(), "agent-1", "python:3.12-slim", testConfig())

	now = now.Add(2 * time.Minute)
	m.reapIdle(context.Background())

	if got, _ := m.Get(persistent.ID); got.Status != StatusDestroyed {
		t.Errorf("idle persistent sandbox status = %s, want %s", got.Status, StatusDestroyed)
	}
	// Single-use lifetimes belong to their execution, not the reaper.
	if got, _ := m.Get(single.ID); got.Status != StatusReady {
		t.Errorf("single-use sandbox status = %s, want %s", got.Status, StatusReady)
	}
}

func TestReaperSparesBusyAndFresh(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	m := newTestManager(t, &fakeRuntime{}, WithClock(clock), WithMaxIdleAge(time.Minute))
	defer m.Close(context.Background())

	cfg := testConfig()
	cfg.Persistent = true
	busy, _ := m.Create(context.Background(), "agent-1", "python:3.12-slim", cfg)
	fresh, _ := m.Create(context.Background(), "agent-1", "python:3.12-slim", cfg)

	lease, err := m.Lease(busy.ID, "exec-1")
	if err != nil {
		t.Fatalf("Lease: %v", err)
	}
	defer lease.Release()

	now = now.Add(30 * time.Second)
	m.reapIdle(context.Background())

	if got, _ := m.Get(busy.ID); got.Status != StatusBusy {
		t.Errorf("busy sandbox status = %s, want %s", got.Status, StatusBusy)
	}
	if got, _ := m.Get(fresh.ID); got.Status != StatusReady {
		t.Errorf("fresh sandbox status = %s, want %s", got.Status, StatusReady)
	}
}

func TestCloseDestroysEverything(t *testing.T) {
	rt := &fakeRuntime{}
	m := newTestManager(t, rt)

	m.Create(context.Background(), "agent-1", "python:3.12-slim", testConfig())
	m.Create(context.Background(), "agent-2", "python:3.12-slim", testConfig())

	if err := m.Close(context.Background()); err != nil {
		t.Fatalf("Close: %v", err)
	}
	for _, c := range rt.created {
		if c.destroyed != 1 {
			t.Errorf("container %s destroyed %d times, want 1", c.id, c.destroyed)
		}
	}
}

func TestConcurrentLeaseSingleWinner(t *testing.T) {
	m := newTestManager(t, &fakeRuntime{})
	defer m.Close(context.Background())

	sb, _ := m.Create(context.Background(), "agent-1", "python:3.12-slim", testConfig())

	const n = 16
	var wins int64
	var mu sync.Mutex
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := m.Lease(sb.ID, fmt.Sprintf("exec-%d", i)); err == nil {
				mu.Lock()
				wins++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	if wins != 1 {
		t.Errorf("lease winners = %d, want 1", wins)
	}
}
