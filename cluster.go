package cluster

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/lancer-kit/cluster/transport"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Cluster is a handle of a process pool. The same program creates it in the
// master and in every worker; Run dispatches to the right side.
type Cluster struct {
	opts      Options
	id        string
	log       *logrus.Entry
	bus       *Bus
	metrics   *Metrics
	transport transport.Transport

	// exit terminates the process after a fatal worker failure.
	exit func(code int)

	started    atomic.Bool
	supervisor atomic.Pointer[supervisor]
}

// New validates `opts` and returns a handle. Nothing is started.
func New(opts Options) (*Cluster, error) {
	if !opts.hasStart() {
		return nil, ErrStartRequired
	}
	if err := opts.Validate(); err != nil {
		return nil, errors.Wrap(err, "invalid cluster options")
	}

	if opts.ResizeInterval <= 0 {
		opts.ResizeInterval = DefaultOptions().ResizeInterval
	}
	if opts.App.Name == "" {
		opts.App.Name = filepath.Base(os.Args[0])
	}
	if opts.Transport == nil {
		opts.Transport = transport.NewExec()
	}
	if opts.Logger == nil {
		opts.Logger = logrus.NewEntry(logrus.StandardLogger())
	}

	bus := NewBus()
	return &Cluster{
		opts: opts,
		id:   uuid.NewString(),
		log: opts.Logger.WithFields(logrus.Fields{
			"app":     opts.App.Name,
			"service": "cluster",
		}),
		bus:       bus,
		metrics:   NewMetrics(bus),
		transport: opts.Transport,
		exit:      os.Exit,
	}, nil
}

// ID returns the id of this master run.
func (c *Cluster) ID() string { return c.id }

// Events returns the bus with the lifecycle events of the master.
func (c *Cluster) Events() *Bus { return c.bus }

// Metrics returns the pool metrics.
func (c *Cluster) Metrics() *Metrics { return c.metrics }

// Run starts the master or the worker, depending on how the process was
// started, and blocks until it stops. It may be called only once.
//
// The master returns after every worker has exited or, once the grace
// period is over, has been killed. A worker returns when its start
// callback has finished after a stop request.
func (c *Cluster) Run(ctx context.Context) error {
	if !c.started.CompareAndSwap(false, true) {
		return ErrAlreadyStarted
	}

	ch, err := c.transport.Attach()
	switch {
	case errors.Is(err, transport.ErrNotWorker):
		return c.runMaster(ctx)
	case err != nil:
		c.log.WithError(err).Warn("Worker channel is unavailable")
		return c.runWorker(ctx, nil)
	}
	return c.runWorker(ctx, ch)
}

func (c *Cluster) runMaster(ctx context.Context) error {
	s := newSupervisor(c)
	c.supervisor.Store(s)

	s.log.Info("Master started")

	srvCtx, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	if c.opts.ServiceSocket {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.serveSocket(srvCtx)
		}()
	}
	if c.opts.AdminAddr != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			c.serveAdmin(srvCtx)
		}()
	}

	err := s.run(ctx)
	cancel()
	wg.Wait()

	if err == nil {
		s.log.Info("Master stopped")
	}
	return err
}

// Status returns the state of the master and its live workers.
func (c *Cluster) Status() StateInfo {
	info := StateInfo{
		App:       c.opts.App,
		ClusterID: c.id,
		Workers:   []WorkerInfo{},
	}
	if s := c.supervisor.Load(); s != nil {
		info.State = s.State()
		info.Workers = s.reg.snapshot()
	}
	return info
}
