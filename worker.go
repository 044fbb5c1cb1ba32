package cluster

import (
	"time"

	"github.com/lancer-kit/cluster/sm"
	"github.com/lancer-kit/cluster/transport"
)

// Worker states as seen by the master.
const (
	WStateSpawned  sm.State = "Spawned"
	WStateReady    sm.State = "Ready"
	WStateRunning  sm.State = "Running"
	WStateStopping sm.State = "Stopping"
	WStateExited   sm.State = "Exited"
)

// worker is the master-side record of a spawned process.
type worker struct {
	id        int
	role      string
	proc      transport.Process
	state     *sm.StateMachine
	spawnedAt time.Time
	// stopRequested is set when the master asked the worker to stop.
	stopRequested bool
}

// newWorkerSM returns the state machine of a worker lifecycle.
//
// (*) -> [Spawned] -> [Ready] -> [Running] -> [Stopping] -> [Exited]
//
// A worker may stop or exit in any state.
func newWorkerSM() *sm.StateMachine {
	workerSM := sm.NewStateMachine()
	_ = workerSM.AddTransitions(WStateSpawned, WStateReady, WStateRunning, WStateStopping, WStateExited)
	_ = workerSM.AddTransitions(WStateReady, WStateRunning, WStateStopping, WStateExited)
	_ = workerSM.AddTransitions(WStateRunning, WStateStopping, WStateExited)
	_ = workerSM.AddTransitions(WStateStopping, WStateExited)
	workerSM.SetState(WStateSpawned)
	return workerSM
}

// WorkerInfo is a snapshot of a live worker.
type WorkerInfo struct {
	ID        int       `json:"id"`
	Role      string    `json:"role,omitempty"`
	PID       int       `json:"pid"`
	State     sm.State  `json:"state"`
	SpawnedAt time.Time `json:"spawned_at"`
}

func (w *worker) info() WorkerInfo {
	return WorkerInfo{
		ID:        w.id,
		Role:      w.role,
		PID:       w.proc.PID(),
		State:     w.state.State(),
		SpawnedAt: w.spawnedAt,
	}
}
