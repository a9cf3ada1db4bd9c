// Package launcher runs one transfer from the command line: it resolves
// the address to bind on, drives an engine through start, completion and
// optional seeding, and always stops the engine before returning an exit
// code.
package launcher

import (
	"context"
	"fmt"
	"net"
	"time"

	"github.com/DaniellsQ/ttorrent/pkg/engine"
	"github.com/benbjohnson/clock"
	"github.com/sirupsen/logrus"
)

// Process exit codes.
const (
	ExitOK    = 0
	ExitUsage = 1
	ExitFault = 2
)

// Resolver picks the local IPv4 address to bind on.
type Resolver interface {
	Resolve(iface string) (net.IP, error)
}

type runState int

const (
	stateNotStarted runState = iota
	stateResolving
	stateStarting
	stateAwaitingCompletion
	stateSeeding
	stateStopped
)

func (s runState) String() string {
	switch s {
	case stateNotStarted:
		return "NotStarted"
	case stateResolving:
		return "Resolving"
	case stateStarting:
		return "Starting"
	case stateAwaitingCompletion:
		return "AwaitingCompletion"
	case stateSeeding:
		return "Seeding"
	case stateStopped:
		return "Stopped"
	}
	return fmt.Sprintf("runState(%d)", int(s))
}

// Orchestrator owns the engine for a single run.
type Orchestrator struct {
	Resolver Resolver
	// NewEngine is called once per run.
	NewEngine func(InvocationConfig) engine.Engine
	// Clock times the seeding period. Nil means the wall clock.
	Clock clock.Clock
}

// Run performs the transfer described by inv and returns ExitOK or
// ExitFault. Every fault is logged. The engine is stopped exactly once
// however the run ends; a stop failure is logged but does not change the
// exit code.
func (o *Orchestrator) Run(ctx context.Context, inv InvocationConfig) int {
	if err := o.run(ctx, inv); err != nil {
		logrus.Errorf("fatal error: %v", err)
		return ExitFault
	}
	return ExitOK
}

func (o *Orchestrator) run(ctx context.Context, inv InvocationConfig) error {
	state := stateNotStarted
	transition := func(next runState) {
		logrus.Debugf("launcher: %s -> %s", state, next)
		state = next
	}

	eng := o.NewEngine(inv)
	defer func() {
		transition(stateStopped)
		if err := eng.Stop(); err != nil {
			logrus.Errorf("failed to stop engine: %v", err)
		}
	}()

	transition(stateResolving)
	addr, err := o.Resolver.Resolve(inv.Interface)
	if err != nil {
		return fmt.Errorf("failed to resolve bind address: %w", err)
	}

	transition(stateStarting)
	logrus.Infof("Starting engine on %s", addr)
	if err := eng.Start(ctx, addr); err != nil {
		return fmt.Errorf("failed to start engine on %s: %w", addr, err)
	}
	job, err := eng.AddTransferJob(ctx, inv.TorrentPath, inv.OutputDir)
	if err != nil {
		return fmt.Errorf("failed to add transfer %s: %w", inv.TorrentPath, err)
	}

	done := NewCompletionSignal()
	job.OnCompletion(done.Signal)

	transition(stateAwaitingCompletion)
	if err := done.Wait(ctx); err != nil {
		return fmt.Errorf("interrupted while waiting for completion: %w", err)
	}

	if inv.SeedSeconds > 0 {
		transition(stateSeeding)
		d := time.Duration(inv.SeedSeconds) * time.Second
		logrus.Infof("Seeding for %s", d)
		if err := o.sleep(ctx, d); err != nil {
			return fmt.Errorf("interrupted while seeding: %w", err)
		}
	}
	return nil
}

func (o *Orchestrator) sleep(ctx context.Context, d time.Duration) error {
	clk := o.Clock
	if clk == nil {
		clk = clock.New()
	}
	timer := clk.Timer(d)
	defer timer.Stop()

	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
