// Package runtime abstracts the container engine. The orchestrator
// talks to a Runtime; the docker implementation shells out to the CLI
// so the host needs no engine SDK or socket library.
package runtime

import (
	"context"
	"io"
	"time"
)

// Mount is one bind mount in container spawn order.
type Mount struct {
	Host      string
	Container string
	ReadOnly  bool
}

// SpawnSpec describes one container invocation.
type SpawnSpec struct {
	Name     string
	Image    string
	Mounts   []Mount
	Env      map[string]string
	WorkDir  string
	MemoryMB int
	CPUs     float64
	Cmd      []string
}

// Handle is a live container process. Stdin stays open for streamed
// input; closing it asks the agent to finish up. Wait returns the
// process error after exit.
type Handle struct {
	Name   string
	Stdin  io.WriteCloser
	Stdout io.ReadCloser
	Wait   func() error
}

// Runtime spawns and manages containers.
type Runtime interface {
	// Spawn starts a container and returns its handle. The container
	// is removed on exit.
	Spawn(ctx context.Context, spec SpawnSpec) (*Handle, error)
	// Stop gracefully stops name, escalating to kill after grace.
	Stop(ctx context.Context, name string, grace time.Duration) error
	// Kill removes name immediately.
	Kill(ctx context.Context, name string) error
	// List returns container names starting with prefix, running or
	// exited, for orphan discovery.
	List(ctx context.Context, prefix string) ([]string, error)
}
