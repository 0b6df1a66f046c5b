package domain

import (
	"context"
	"io"
	"time"
)

// Launcher starts the subprocess backing a tool provider.
type Launcher interface {
	Launch(ctx context.Context, spec ProviderSpec) (Process, error)
}

// Process is a running provider subprocess with its standard streams.
type Process interface {
	Stdin() io.WriteCloser
	Stdout() io.ReadCloser
	// Done is closed once the process has exited.
	Done() <-chan struct{}
	// ExitCode is valid after Done is closed; -1 when unknown.
	ExitCode() int
	// Terminate asks the process to exit, escalating to a kill after grace.
	Terminate(ctx context.Context, grace time.Duration) error
	Pid() int
}
