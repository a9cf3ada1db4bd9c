// Package main is the transfer client: it downloads the file described by
// a transfer descriptor, optionally seeds it for a while, and exits.
//
//	client -o /data -s 60 movie.descriptor
//
// Exit codes: 0 success or help, 1 usage error, 2 runtime fault.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/DaniellsQ/ttorrent/pkg/config"
	"github.com/DaniellsQ/ttorrent/pkg/engine"
	"github.com/DaniellsQ/ttorrent/pkg/launcher"
	"github.com/DaniellsQ/ttorrent/pkg/netaddr"
	"github.com/DaniellsQ/ttorrent/pkg/p2p"
	"github.com/benbjohnson/clock"
)

func newEngine(inv launcher.InvocationConfig) engine.Engine {
	settings := inv.Settings
	if settings == nil {
		settings = config.Default()
	}
	return p2p.NewClient(settings.ToP2PConfig().WithLimits(inv.Limits()))
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)

	o := &launcher.Orchestrator{
		Resolver:  netaddr.NewResolver(),
		NewEngine: newEngine,
		Clock:     clock.New(),
	}
	code := launcher.Execute(ctx, o, os.Args[1:], os.Stdout, os.Stderr)
	stop()
	os.Exit(code)
}
