package launcher

import (
	"fmt"

	"github.com/DaniellsQ/ttorrent/pkg/config"
	"github.com/DaniellsQ/ttorrent/pkg/engine"
)

// DefaultOutputDir is where transfers are written when -o is not given.
const DefaultOutputDir = "/tmp"

// InvocationConfig is one run's validated command line.
type InvocationConfig struct {
	TorrentPath    string
	OutputDir      string
	Interface      string // empty means no interface was requested
	SeedSeconds    int    // <= 0 means no seeding after completion
	MaxUploadKBs   float64
	MaxDownloadKBs float64 // 0 means unlimited
	ConfigPath     string

	// Settings holds the engine tuning loaded from ConfigPath.
	Settings *config.Config
}

// DefaultInvocation returns the values used for flags that are not set.
func DefaultInvocation() InvocationConfig {
	return InvocationConfig{
		OutputDir:   DefaultOutputDir,
		SeedSeconds: -1,
	}
}

// Limits returns the rate caps requested on the command line.
func (c InvocationConfig) Limits() engine.Limits {
	return engine.Limits{
		MaxUploadKBs:   c.MaxUploadKBs,
		MaxDownloadKBs: c.MaxDownloadKBs,
	}
}

// Validate checks the values flag parsing cannot.
func (c InvocationConfig) Validate() error {
	if c.TorrentPath == "" {
		return &UsageError{Msg: "missing transfer descriptor file"}
	}
	if c.OutputDir == "" {
		return &UsageError{Msg: "output directory must not be empty"}
	}
	if c.MaxUploadKBs < 0 {
		return &UsageError{Msg: fmt.Sprintf("invalid upload rate %v: must not be negative", c.MaxUploadKBs)}
	}
	if c.MaxDownloadKBs < 0 {
		return &UsageError{Msg: fmt.Sprintf("invalid download rate %v: must not be negative", c.MaxDownloadKBs)}
	}
	return nil
}

// UsageError reports a malformed invocation. The process prints the usage
// text and exits with ExitUsage.
type UsageError struct {
	Msg string
	Err error
}

func (e *UsageError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *UsageError) Unwrap() error { return e.Err }
