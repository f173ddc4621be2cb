package manager

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/loykin/proxymgr/internal/detector"
	"github.com/loykin/proxymgr/internal/env"
	"github.com/loykin/proxymgr/internal/process"
	"github.com/loykin/proxymgr/internal/store"
	"github.com/loykin/proxymgr/internal/store/factory"
	"github.com/stretchr/testify/require"
)

type fakeLauncher struct {
	mu     sync.Mutex
	next   int
	specs  []process.Spec
	failed error
}

func (f *fakeLauncher) Launch(_ context.Context, spec process.Spec) (*process.Process, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failed != nil {
		return nil, &process.LaunchError{Command: spec.Command[0], Err: f.failed}
	}
	f.next++
	f.specs = append(f.specs, spec)
	pid := 1000 + f.next
	return &process.Process{PID: pid, StartedAt: int64(pid) * 10}, nil
}

func (f *fakeLauncher) launches() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.specs)
}

type fakeProber struct {
	mu    sync.Mutex
	port  int
	ready func(ctx context.Context, target string) bool
	urls  []string
}

func (f *fakeProber) FreePort() (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.port++
	return 40000 + f.port, nil
}

func (f *fakeProber) Ready(ctx context.Context, target string, _ map[string]string) bool {
	f.mu.Lock()
	f.urls = append(f.urls, target)
	ready := f.ready
	f.mu.Unlock()
	if ready == nil {
		return true
	}
	return ready(ctx, target)
}

type fakeTerminator struct {
	mu      sync.Mutex
	stopped []int
	err     error
}

func (f *fakeTerminator) Terminate(_ context.Context, pid int, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, pid)
	return f.err
}

func (f *fakeTerminator) pids() []int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int(nil), f.stopped...)
}

type liveSet struct {
	mu   sync.Mutex
	dead map[string]bool
}

func (l *liveSet) kill(parentID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.dead[parentID] = true
}

func (l *liveSet) alive(_ context.Context, parentID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return !l.dead[parentID]
}

type harness struct {
	dir  string
	reg  store.Registry
	mgr  *Manager
	lch  *fakeLauncher
	prb  *fakeProber
	term *fakeTerminator
	live *liveSet
}

func testProfile() env.Profile {
	p := env.DefaultProfile()
	p.Command = []string{"matlab-proxy-app"}
	p.InheritEnv = false
	return p
}

func newHarness(t *testing.T, mutate ...func(*Options)) *harness {
	t.Helper()
	dir := t.TempDir()
	reg, err := factory.Open(context.Background(), dir, factory.Config{}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = reg.Close() })

	h := &harness{
		dir:  dir,
		reg:  reg,
		lch:  &fakeLauncher{},
		prb:  &fakeProber{},
		term: &fakeTerminator{},
		live: &liveSet{dead: map[string]bool{}},
	}
	opts := Options{
		Registry:     reg,
		Profile:      testProfile(),
		Launcher:     h.lch,
		Prober:       h.prb,
		Terminator:   h.term,
		Liveness:     detector.LivenessFunc(h.live.alive),
		ReadyTimeout: time.Second,
	}
	for _, f := range mutate {
		f(&opts)
	}
	h.mgr, err = New(opts)
	require.NoError(t, err)
	return h
}

var errSpawn = errors.New("exec: no such file")

// createHook runs afterCreate once, right after the first successful Create.
type createHook struct {
	store.Repository
	afterCreate func()
}

func (r *createHook) Create(ctx context.Context, key string, rec store.ServerRecord) error {
	err := r.Repository.Create(ctx, key, rec)
	if err == nil && r.afterCreate != nil {
		f := r.afterCreate
		r.afterCreate = nil
		f()
	}
	return err
}

type failingCreate struct {
	store.Repository
	err error
}

func (r *failingCreate) Create(context.Context, string, store.ServerRecord) error { return r.err }
