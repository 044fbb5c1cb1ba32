package cluster

import (
	"github.com/kelindar/event"
	"github.com/lancer-kit/cluster/sm"
)

// Event type identifiers.
const (
	TypeWorkerSpawned uint32 = iota + 1
	TypeWorkerReady
	TypeWorkerRunning
	TypeWorkerExited
	TypeStateChanged
	TypeWorkersForceKilled
)

// Event is a lifecycle notification published on the Bus.
type Event interface {
	Type() uint32
}

// WorkerSpawned is published after a worker process has been created.
type WorkerSpawned struct {
	ID   int
	Role string
	PID  int
}

// WorkerReady is published when the master arguments were sent to the worker.
type WorkerReady struct {
	ID   int
	Role string
}

// WorkerRunning is published when the worker reports a successful start.
type WorkerRunning struct {
	ID   int
	Role string
}

// WorkerExited is published for every observed worker exit.
type WorkerExited struct {
	ID   int
	Role string
	Code int
	// Signal is the name of the terminating signal, if any.
	Signal string
	// Requested is set when the exit followed a stop request of the master.
	Requested bool
}

// StateChanged is published on every transition of the supervisor.
type StateChanged struct {
	From sm.State
	To   sm.State
}

// WorkersForceKilled is published when the grace period ran out.
type WorkersForceKilled struct {
	Count int
}

func (WorkerSpawned) Type() uint32      { return TypeWorkerSpawned }
func (WorkerReady) Type() uint32        { return TypeWorkerReady }
func (WorkerRunning) Type() uint32      { return TypeWorkerRunning }
func (WorkerExited) Type() uint32       { return TypeWorkerExited }
func (StateChanged) Type() uint32       { return TypeStateChanged }
func (WorkersForceKilled) Type() uint32 { return TypeWorkersForceKilled }

// Bus delivers lifecycle events to subscribers. Handlers are called
// asynchronously, each subscriber receives events in publishing order.
type Bus struct {
	dispatcher *event.Dispatcher
}

// NewBus returns an empty bus.
func NewBus() *Bus {
	return &Bus{dispatcher: event.NewDispatcher()}
}

// Publish sends `ev` to the subscribers of its type.
func Publish[T Event](b *Bus, ev T) {
	event.Publish(b.dispatcher, ev)
}

// Subscribe registers `handler` for the events of type T and returns
// the function that cancels the subscription.
func Subscribe[T Event](b *Bus, handler func(T)) func() {
	return event.Subscribe(b.dispatcher, handler)
}
