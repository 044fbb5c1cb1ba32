// Package transport spawns worker processes and connects them to the master.
//
// The master asks a Transport to Spawn a worker and gets back a Process:
// its PID, a message channel and exit notification. A spawned worker calls
// Attach to obtain its side of the channel. Exec implements both sides by
// re-executing the current binary.
package transport

import (
	"fmt"

	"github.com/lancer-kit/cluster/ipc"
	"github.com/pkg/errors"
)

var (
	// ErrNotWorker is returned by Attach in a process that was not spawned by a master.
	ErrNotWorker = errors.New("transport: current process is not a worker")
	// ErrNoChannel is returned by Attach when the process was spawned as a worker
	// but its channel to the master is unusable.
	ErrNoChannel = errors.New("transport: worker channel is unavailable")
)

// Spec describes the worker process to spawn.
type Spec struct {
	// Env is the complete environment of the new process in "key=value" form.
	Env []string
}

// ExitStatus describes how a process ended.
type ExitStatus struct {
	// Code is the exit code, or -1 when the process was terminated by a signal.
	Code int
	// Signal is the name of the terminating signal, empty on a normal exit.
	Signal string
}

func (s ExitStatus) String() string {
	if s.Signal != "" {
		return s.Signal
	}
	return fmt.Sprintf("%d", s.Code)
}

// Process is a spawned worker process seen from the master.
type Process interface {
	// PID returns the operating system process id.
	PID() int
	// Send writes a message to the worker.
	Send(msg ipc.Message) error
	// Messages returns messages sent by the worker.
	Messages() <-chan ipc.Message
	// Stop asks the worker to terminate cooperatively.
	Stop() error
	// Kill terminates the worker immediately.
	Kill() error
	// Done receives the exit status exactly once.
	Done() <-chan ExitStatus
}

// Transport creates worker processes and attaches workers to their master.
type Transport interface {
	// Spawn starts a new worker process.
	Spawn(spec Spec) (Process, error)
	// Attach returns the channel to the master in a spawned worker.
	// It returns ErrNotWorker in the master.
	Attach() (ipc.Channel, error)
}
