// Package engine defines the contract between the launcher and a transfer
// engine.
//
// The launcher only ever talks to an engine through these interfaces; the
// peer-to-peer implementation lives in package p2p.
package engine

import (
	"context"
	"net"
)

// Engine is a transfer engine owned by exactly one launcher run.
type Engine interface {
	// Start binds the engine's network stack to bindAddr and acquires the
	// sockets and files it needs.
	Start(ctx context.Context, bindAddr net.IP) error

	// AddTransferJob registers the transfer described by descriptorPath,
	// reading and writing data under outputDir.
	AddTransferJob(ctx context.Context, descriptorPath, outputDir string) (Job, error)

	// Stop releases every resource held by the engine. It must be safe to
	// call more than once and when Start failed or was never called.
	Stop() error
}

// Job is a transfer registered with an Engine.
type Job interface {
	// OnCompletion arranges for fn to be called exactly once when the
	// transfer has all of its data. If the transfer is already complete,
	// fn is called before OnCompletion returns.
	OnCompletion(fn func())
}

// Limits caps the engine's transfer rates in KB/s. Zero means unlimited.
type Limits struct {
	MaxUploadKBs   float64
	MaxDownloadKBs float64
}
