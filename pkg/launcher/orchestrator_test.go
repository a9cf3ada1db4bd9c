package launcher

import (
	"bytes"
	"context"
	"errors"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/DaniellsQ/ttorrent/pkg/engine"
	"github.com/DaniellsQ/ttorrent/pkg/netaddr"
	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeResolver struct {
	addr  net.IP
	err   error
	calls []string
}

func (r *fakeResolver) Resolve(iface string) (net.IP, error) {
	r.calls = append(r.calls, iface)
	return r.addr, r.err
}

// fakeEngine records every call the orchestrator makes.
type fakeEngine struct {
	clock clock.Clock

	startErr error
	addErr   error
	stopErr  error
	// completeAfter controls when the job completes: 0 on OnCompletion,
	// negative never.
	completeAfter int
	onComplete    func()

	mu          sync.Mutex
	startCalls  int
	stopCalls   int
	boundTo     net.IP
	descriptor  string
	outputDir   string
	completedAt time.Time
	stoppedAt   time.Time
	stopped     chan struct{}
}

func newFakeEngine(clk clock.Clock) *fakeEngine {
	return &fakeEngine{clock: clk, stopped: make(chan struct{})}
}

func (e *fakeEngine) Start(_ context.Context, addr net.IP) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.startCalls++
	e.boundTo = addr
	return e.startErr
}

func (e *fakeEngine) AddTransferJob(_ context.Context, descriptorPath, outputDir string) (engine.Job, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.descriptor = descriptorPath
	e.outputDir = outputDir
	if e.addErr != nil {
		return nil, e.addErr
	}
	return &fakeJob{engine: e}, nil
}

func (e *fakeEngine) Stop() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.stopCalls++
	e.stoppedAt = e.clock.Now()
	if e.stopCalls == 1 {
		close(e.stopped)
	}
	return e.stopErr
}

func (e *fakeEngine) counts() (int, int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.startCalls, e.stopCalls
}

type fakeJob struct {
	engine *fakeEngine
}

func (j *fakeJob) OnCompletion(fn func()) {
	e := j.engine
	if e.completeAfter < 0 {
		return
	}
	e.mu.Lock()
	e.completedAt = e.clock.Now()
	e.mu.Unlock()
	fn()
	if e.onComplete != nil {
		e.onComplete()
	}
}

func newTestOrchestrator(eng *fakeEngine, res *fakeResolver, clk clock.Clock) *Orchestrator {
	return &Orchestrator{
		Resolver:  res,
		NewEngine: func(InvocationConfig) engine.Engine { return eng },
		Clock:     clk,
	}
}

func testInvocation() InvocationConfig {
	inv := DefaultInvocation()
	inv.TorrentPath = "/tmp/x.descriptor"
	return inv
}

func captureLogs(t *testing.T) *bytes.Buffer {
	t.Helper()
	var buf bytes.Buffer
	prev := logrus.StandardLogger().Out
	logrus.SetOutput(&buf)
	t.Cleanup(func() { logrus.SetOutput(prev) })
	return &buf
}

func TestRunSuccess(t *testing.T) {
	logs := captureLogs(t)
	mock := clock.NewMock()
	eng := newFakeEngine(mock)
	res := &fakeResolver{addr: net.IPv4(10, 0, 0, 5)}
	o := newTestOrchestrator(eng, res, mock)

	inv := testInvocation()
	inv.Interface = "eth0"
	inv.OutputDir = "/tmp/out"

	code := o.Run(context.Background(), inv)
	assert.Equal(t, ExitOK, code)

	start, stop := eng.counts()
	assert.Equal(t, 1, start)
	assert.Equal(t, 1, stop)
	assert.Equal(t, []string{"eth0"}, res.calls)
	assert.True(t, eng.boundTo.Equal(net.IPv4(10, 0, 0, 5)))
	assert.Equal(t, "/tmp/x.descriptor", eng.descriptor)
	assert.Equal(t, "/tmp/out", eng.outputDir)
	assert.Equal(t, eng.completedAt, eng.stoppedAt, "no seeding delay without -s")
	// Completion is reported by the engine only.
	assert.NotContains(t, logs.String(), "Transfer of")
	assert.NotContains(t, logs.String(), "fatal error")
}

func TestRunTeardownOnEveryFault(t *testing.T) {
	errBoom := errors.New("boom")

	tests := []struct {
		name       string
		setup      func(e *fakeEngine, r *fakeResolver, cancel context.CancelFunc, inv *InvocationConfig)
		wantStarts int
		wantLog    string
	}{
		{
			name: "resolve fails",
			setup: func(e *fakeEngine, r *fakeResolver, _ context.CancelFunc, _ *InvocationConfig) {
				r.err = netaddr.ErrNoIPv4Address
			},
			wantStarts: 0,
			wantLog:    "failed to resolve bind address",
		},
		{
			name: "start fails",
			setup: func(e *fakeEngine, _ *fakeResolver, _ context.CancelFunc, _ *InvocationConfig) {
				e.startErr = errBoom
			},
			wantStarts: 1,
			wantLog:    "failed to start engine",
		},
		{
			name: "register fails",
			setup: func(e *fakeEngine, _ *fakeResolver, _ context.CancelFunc, _ *InvocationConfig) {
				e.addErr = errBoom
			},
			wantStarts: 1,
			wantLog:    "failed to add transfer",
		},
		{
			name: "interrupted while waiting",
			setup: func(e *fakeEngine, _ *fakeResolver, cancel context.CancelFunc, _ *InvocationConfig) {
				e.completeAfter = -1
				cancel()
			},
			wantStarts: 1,
			wantLog:    "interrupted while waiting for completion",
		},
		{
			name: "interrupted while seeding",
			setup: func(e *fakeEngine, _ *fakeResolver, cancel context.CancelFunc, inv *InvocationConfig) {
				inv.SeedSeconds = 3600
				e.onComplete = cancel
			},
			wantStarts: 1,
			wantLog:    "interrupted while seeding",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := captureLogs(t)
			mock := clock.NewMock()
			eng := newFakeEngine(mock)
			res := &fakeResolver{addr: net.IPv4(127, 0, 0, 1)}
			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			inv := testInvocation()
			tt.setup(eng, res, cancel, &inv)

			code := newTestOrchestrator(eng, res, mock).Run(ctx, inv)
			assert.Equal(t, ExitFault, code)

			start, stop := eng.counts()
			assert.Equal(t, tt.wantStarts, start)
			assert.Equal(t, 1, stop, "engine stopped exactly once")
			assert.Contains(t, logs.String(), "fatal error")
			assert.Contains(t, logs.String(), tt.wantLog)
		})
	}
}

func TestRunStopErrorKeepsExitCode(t *testing.T) {
	logs := captureLogs(t)
	mock := clock.NewMock()
	eng := newFakeEngine(mock)
	eng.stopErr = errors.New("close failed")
	o := newTestOrchestrator(eng, &fakeResolver{addr: net.IPv4(127, 0, 0, 1)}, mock)

	assert.Equal(t, ExitOK, o.Run(context.Background(), testInvocation()))
	assert.Contains(t, logs.String(), "failed to stop engine")
	assert.NotContains(t, logs.String(), "fatal error")
}

func TestRunSeedsBeforeStopping(t *testing.T) {
	mock := clock.NewMock()
	eng := newFakeEngine(mock)
	o := newTestOrchestrator(eng, &fakeResolver{addr: net.IPv4(127, 0, 0, 1)}, mock)

	inv := testInvocation()
	inv.SeedSeconds = 5

	result := make(chan int, 1)
	go func() { result <- o.Run(context.Background(), inv) }()

	advanced := 0
	for stopped := false; !stopped; {
		select {
		case <-eng.stopped:
			stopped = true
		case <-time.After(10 * time.Millisecond):
			mock.Add(time.Second)
			advanced++
			require.Less(t, advanced, 1000, "engine never stopped")
		}
	}

	assert.Equal(t, ExitOK, <-result)
	assert.GreaterOrEqual(t, eng.stoppedAt.Sub(eng.completedAt), 5*time.Second)
}

func TestRunNonPositiveSeedDoesNotWait(t *testing.T) {
	for _, seed := range []int{0, -1} {
		mock := clock.NewMock()
		eng := newFakeEngine(mock)
		o := newTestOrchestrator(eng, &fakeResolver{addr: net.IPv4(127, 0, 0, 1)}, mock)

		inv := testInvocation()
		inv.SeedSeconds = seed
		assert.Equal(t, ExitOK, o.Run(context.Background(), inv))
		assert.Equal(t, eng.completedAt, eng.stoppedAt)
	}
}

func TestRunStateName(t *testing.T) {
	assert.Equal(t, "AwaitingCompletion", stateAwaitingCompletion.String())
	assert.Equal(t, "runState(42)", runState(42).String())
}
