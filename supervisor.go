package cluster

import (
	"context"
	"os"
	"os/signal"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/lancer-kit/cluster/ipc"
	"github.com/lancer-kit/cluster/sm"
	"github.com/lancer-kit/cluster/transport"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Supervisor states.
const (
	StateInitializing sm.State = "Initializing"
	StateStartingPool sm.State = "StartingPool"
	StateRunning      sm.State = "Running"
	StateShuttingDown sm.State = "ShuttingDown"
	StateTerminated   sm.State = "Terminated"
)

// newSupervisorSM returns the state machine of the master.
//
// (*) -> [Initializing] -> [StartingPool] -> [Running] -> [ShuttingDown] -> [Terminated]
//
// Initialization and pool start may be interrupted by a shutdown.
func newSupervisorSM() *sm.StateMachine {
	supervisorSM := sm.NewStateMachine()
	_ = supervisorSM.AddTransitions(StateInitializing, StateStartingPool, StateShuttingDown)
	_ = supervisorSM.AddTransitions(StateStartingPool, StateRunning, StateShuttingDown)
	_ = supervisorSM.AddTransitions(StateRunning, StateShuttingDown)
	_ = supervisorSM.AddTransitions(StateShuttingDown, StateTerminated)
	supervisorSM.SetState(StateInitializing)
	return supervisorSM
}

const eventsBuffer = 64

// workerEvent is a message or the exit of a worker forwarded by its watcher.
type workerEvent struct {
	id   int
	msg  ipc.Message
	exit *transport.ExitStatus
}

// supervisor runs the master side of the cluster. All the fields except
// the state and the registry are owned by the goroutine executing run.
type supervisor struct {
	c     *Cluster
	opts  Options
	log   *logrus.Entry
	reg   *registry
	roles []string
	args  Args

	runUntil time.Time

	stateMutex sync.RWMutex
	state      *sm.StateMachine

	events  chan workerEvent
	signals chan os.Signal
	stopped chan struct{}

	inline       <-chan outcome
	inlineCancel context.CancelFunc

	graceTimer *time.Timer
	graceC     <-chan time.Time
}

func newSupervisor(c *Cluster) *supervisor {
	roles := make([]string, 0, len(c.opts.Dedicated))
	for role := range c.opts.Dedicated {
		roles = append(roles, role)
	}
	sort.Strings(roles)

	s := &supervisor{
		c:       c,
		opts:    c.opts,
		log:     c.log.WithField("cluster_id", c.id),
		reg:     newRegistry(),
		roles:   roles,
		state:   newSupervisorSM(),
		events:  make(chan workerEvent, eventsBuffer),
		signals: make(chan os.Signal, 1),
		stopped: make(chan struct{}),
	}
	s.state.OnTransition(func(from, to sm.State) {
		s.log.WithField("state", to).Debug("Supervisor state changed")
		Publish(c.bus, StateChanged{From: from, To: to})
	})
	return s
}

// State returns the current supervisor state.
func (s *supervisor) State() sm.State {
	s.stateMutex.RLock()
	defer s.stateMutex.RUnlock()
	return s.state.State()
}

func (s *supervisor) goTo(state sm.State) {
	s.stateMutex.Lock()
	defer s.stateMutex.Unlock()

	current := s.state.State()
	if current == state {
		return
	}
	if !s.state.CanGoTo(state) {
		s.log.WithFields(logrus.Fields{"from": current, "to": state}).
			Debug("Supervisor transition skipped")
		return
	}
	_ = s.state.GoTo(state)
}

// run executes the master until every worker has stopped or was killed.
func (s *supervisor) run(ctx context.Context) error {
	signal.Notify(s.signals, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(s.signals)
	defer close(s.stopped)
	defer s.stopGrace()

	if s.opts.Lifetime != UntilKilled {
		s.runUntil = time.Now().Add(time.Duration(s.opts.Lifetime))
	}

	masterCtx, cancelMaster := context.WithCancel(context.WithValue(ctx, CtxKeyLog, s.log))
	defer cancelMaster()

	interrupted, err := s.initialize(ctx, masterCtx)
	if err != nil {
		s.log.WithError(err).Error("Master failed to start")
		s.shutdown()
		s.goTo(StateTerminated)
		return errors.Wrapf(ErrMasterFailed, "%v", err)
	}
	if interrupted {
		s.shutdown()
		s.goTo(StateTerminated)
		return nil
	}

	s.startPool(ctx)
	return s.loop(ctx)
}

// initialize runs the master callback. It reports whether a termination
// request arrived before the callback finished.
func (s *supervisor) initialize(ctx, masterCtx context.Context) (bool, error) {
	if s.opts.Master == nil {
		return false, nil
	}

	res := call(func() Result { return s.opts.Master(masterCtx) })
	select {
	case out := <-res.await(masterCtx):
		if out.err != nil {
			if ctx.Err() != nil {
				return true, nil
			}
			return false, out.err
		}
		args, err := encodeArgs(out.value)
		if err != nil {
			return false, err
		}
		s.args = args
		return false, nil
	case sig := <-s.signals:
		s.log.WithField("signal", sig).Info("Received signal during master initialization. Terminating...")
		return true, nil
	case <-ctx.Done():
		s.log.Info("Context cancelled during master initialization. Terminating...")
		return true, nil
	}
}

func (s *supervisor) startPool(ctx context.Context) {
	s.goTo(StateStartingPool)

	if len(s.roles) > 0 {
		s.resizeDedicated()
	}
	if s.opts.Workers > 0 {
		s.resizeGeneric()
	} else if s.opts.Start != nil {
		s.startInline(ctx)
	}

	s.goTo(StateRunning)
}

// startInline runs the generic start callback in the master process.
func (s *supervisor) startInline(ctx context.Context) {
	inlineCtx, cancel := context.WithCancel(ctx)
	s.inlineCancel = cancel

	wctx := newWorkerContext(inlineCtx, "master", "", s.args, s.log)
	res := call(func() Result { return s.opts.Start(wctx) })
	s.inline = res.await(wctx)
}

func (s *supervisor) loop(ctx context.Context) error {
	ticker := time.NewTicker(s.opts.ResizeInterval)
	defer ticker.Stop()
	done := ctx.Done()

	for {
		if s.State() == StateRunning && !s.replenishing() && s.drained() {
			s.log.Info("Pool lifetime is over and every worker exited")
			s.shutdown()
		}
		if s.State() == StateShuttingDown && s.drained() {
			s.goTo(StateTerminated)
			s.log.Info("All workers stopped")
			return nil
		}

		select {
		case ev := <-s.events:
			s.handle(ev)
		case <-ticker.C:
			if s.State() == StateRunning && s.replenishing() {
				s.resize()
			}
		case sig := <-s.signals:
			s.log.WithField("signal", sig).Info("Received signal. Terminating pool...")
			s.shutdown()
		case <-done:
			done = nil
			s.log.Info("Context cancelled. Terminating pool...")
			s.shutdown()
		case out := <-s.inline:
			s.inline = nil
			if err := s.inlineFinished(out); err != nil {
				return err
			}
		case <-s.graceC:
			s.forceKill()
			return nil
		}
	}
}

// replenishing reports whether exited workers are still replaced.
func (s *supervisor) replenishing() bool {
	return s.opts.Lifetime == UntilKilled || time.Now().Before(s.runUntil)
}

func (s *supervisor) drained() bool {
	live, _ := s.reg.counts()
	return live == 0 && s.inline == nil
}

func (s *supervisor) inlineFinished(out outcome) error {
	log := s.log.WithField("worker", "master")
	switch {
	case s.State() != StateRunning:
		if out.err != nil && !errors.Is(out.err, context.Canceled) {
			log.WithError(out.err).Debug("Inline worker stopped with error")
		}
		return nil
	case out.err == nil:
		log.Debug("Inline worker returned")
		return nil
	case errors.Is(out.err, ErrWorkerExit):
		log.Info("Inline worker exited")
		s.shutdown()
		return nil
	}

	log.WithError(out.err).Error("Inline worker failed to start, exiting")
	s.abort()
	s.c.exit(1)
	return errors.Wrapf(ErrInlineWorkerFailed, "%v", out.err)
}

func (s *supervisor) handle(ev workerEvent) {
	if ev.exit != nil {
		s.workerExited(ev.id, *ev.exit)
		return
	}

	switch ev.msg.Kind {
	case ipc.KindGetArgs:
		s.sendMasterArgs(ev.msg)
	case ipc.KindStarted:
		s.workerStarted(ev.id)
	default:
		s.log.WithField("worker", ev.id).
			WithField("type", ev.msg.Kind).
			Debug("Ignored message from worker")
	}
}

// sendMasterArgs answers GetArgs. Requests of workers that are no longer
// registered are dropped.
func (s *supervisor) sendMasterArgs(msg ipc.Message) {
	w, ok := s.reg.get(msg.WorkerID)
	if !ok {
		s.log.WithField("worker", msg.WorkerID).
			Debug("Dropped master arguments request of a gone worker")
		return
	}

	log := s.workerLog(w)
	if err := w.proc.Send(ipc.GetArgsResponse(s.args.Raw())); err != nil {
		log.WithError(err).Warn("Unable to send master arguments")
		return
	}
	if err := s.reg.setState(w, WStateReady); err != nil {
		return
	}
	Publish(s.c.bus, WorkerReady{ID: w.id, Role: w.role})
}

func (s *supervisor) workerStarted(id int) {
	w, ok := s.reg.get(id)
	if !ok {
		return
	}
	if err := s.reg.setState(w, WStateRunning); err != nil {
		return
	}
	s.workerLog(w).Debug("Worker started")
	Publish(s.c.bus, WorkerRunning{ID: w.id, Role: w.role})
}

func (s *supervisor) workerExited(id int, status transport.ExitStatus) {
	w := s.reg.remove(id)
	if w == nil {
		return
	}

	Publish(s.c.bus, WorkerExited{
		ID:        w.id,
		Role:      w.role,
		Code:      status.Code,
		Signal:    status.Signal,
		Requested: w.stopRequested,
	})

	log := s.workerLog(w).WithField("status", status.String())
	if s.State() != StateRunning || w.stopRequested {
		log.Debug("Worker stopped")
		return
	}

	if s.replenishing() {
		log.Warnf("worker %d died (%s). restarting...", w.id, status)
		s.resize()
		return
	}
	log.Infof("worker %d exited (%s), pool lifetime is over", w.id, status)
}

// resize runs both resize passes, dedicated roles first.
func (s *supervisor) resize() {
	s.resizeDedicated()
	s.resizeGeneric()
}

// resizeDedicated spawns one worker for every role without a live worker.
func (s *supervisor) resizeDedicated() {
	for _, role := range s.roles {
		if _, ok := s.reg.roleOwner(role); !ok {
			s.spawn(role)
		}
	}
}

// resizeGeneric spawns the missing generic workers. An oversized pool is kept.
func (s *supervisor) resizeGeneric() {
	if s.opts.Start == nil || s.opts.Workers <= 0 {
		return
	}

	live, dedicated := s.reg.counts()
	deficit := s.opts.Workers - (live - dedicated)
	if deficit <= 0 {
		return
	}

	s.log.Infof("Starting %d workers", deficit)
	for i := 0; i < deficit; i++ {
		s.spawn("")
	}
}

func (s *supervisor) spawn(role string) {
	log := s.log
	if role != "" {
		log = log.WithField("role", role)
	}

	env, err := workerEnv(os.Environ(), s.opts.ConfigFileEnv)
	if err != nil {
		log.WithError(err).Error("Unable to prepare worker environment")
		return
	}

	proc, err := s.c.transport.Spawn(transport.Spec{Env: env})
	if err != nil {
		log.WithError(err).Error("Unable to spawn worker")
		return
	}

	w := s.reg.add(role, proc, time.Now())
	log = s.workerLog(w)
	if err := proc.Send(ipc.Hello(w.id, role, s.c.id)); err != nil {
		log.WithError(err).Warn("Unable to send handshake to worker")
	}

	log.Debug("Worker spawned")
	Publish(s.c.bus, WorkerSpawned{ID: w.id, Role: role, PID: proc.PID()})
	go s.watch(w)
}

// watch forwards the messages and the exit of `w` to the supervisor loop.
func (s *supervisor) watch(w *worker) {
	msgs := w.proc.Messages()
	done := w.proc.Done()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				msgs = nil
				continue
			}
			if !s.forward(workerEvent{id: w.id, msg: msg}) {
				return
			}
		case status := <-done:
			s.forward(workerEvent{id: w.id, exit: &status})
			return
		}
	}
}

func (s *supervisor) forward(ev workerEvent) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.stopped:
		return false
	}
}

// shutdown asks every worker to stop and arms the grace timer.
// Repeated calls are no-ops.
func (s *supervisor) shutdown() {
	if s.graceC != nil {
		return
	}
	signal.Stop(s.signals)
	s.goTo(StateShuttingDown)

	workers := s.reg.markStopping()
	if len(workers) > 0 {
		s.log.Infof("Stopping %d workers", len(workers))
	}
	for _, w := range workers {
		if err := w.proc.Stop(); err != nil {
			s.workerLog(w).WithError(err).Warn("Unable to stop worker")
		}
	}
	if s.inlineCancel != nil {
		s.inlineCancel()
	}

	s.graceTimer = time.NewTimer(s.opts.Grace)
	s.graceC = s.graceTimer.C
}

// forceKill kills the workers that outlived the grace period.
func (s *supervisor) forceKill() {
	workers := s.reg.all()
	for _, w := range workers {
		if err := w.proc.Kill(); err != nil {
			s.workerLog(w).WithError(err).Warn("Unable to kill worker")
		}
	}

	s.log.WithField("workers", len(workers)).
		Warn("Workers did not stop within the grace period, forcing exit")
	Publish(s.c.bus, WorkersForceKilled{Count: len(workers)})
	s.goTo(StateTerminated)
}

// abort kills every worker without the grace period.
func (s *supervisor) abort() {
	signal.Stop(s.signals)
	s.goTo(StateShuttingDown)
	for _, w := range s.reg.markStopping() {
		_ = w.proc.Kill()
	}
	s.goTo(StateTerminated)
}

func (s *supervisor) stopGrace() {
	if s.graceTimer != nil {
		s.graceTimer.Stop()
	}
}

func (s *supervisor) workerLog(w *worker) *logrus.Entry {
	log := s.log.WithFields(logrus.Fields{
		"worker": w.id,
		"pid":    w.proc.PID(),
	})
	if w.role != "" {
		log = log.WithField("role", w.role)
	}
	return log
}
