package cluster

import (
	"context"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/lancer-kit/cluster/ipc"
	"github.com/pkg/errors"
)

// runWorker is the entry point of a spawned worker process. `ch` is nil when
// the channel to the master is unavailable.
func (c *Cluster) runWorker(ctx context.Context, ch ipc.Channel) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigs)

	log := c.log
	id, role := 0, ""
	if ch != nil {
		defer ch.Close()

		hello, err := handshake(ch, c.opts.MasterArgsWait)
		if err != nil {
			log.WithError(err).Warn("No handshake from master process")
		} else {
			id, role = hello.WorkerID, hello.Role
			log = log.WithField("cluster_id", hello.ClusterID)
		}
	}

	name := strconv.Itoa(id)
	args := fetchMasterArgs(ch, id, c.opts.MasterArgsWait, log.WithField("worker", name))

	go func() {
		select {
		case sig := <-sigs:
			log.WithField("worker", name).WithField("signal", sig).
				Info("Received signal. Stopping worker...")
		case <-masterGone(ch):
			log.WithField("worker", name).Warn("Master process is gone, stopping worker")
		case <-ctx.Done():
		}
		cancel()
	}()

	start := c.opts.Start
	if fn, ok := c.opts.Dedicated[role]; ok && role != "" {
		start = fn
	}

	wctx := newWorkerContext(ctx, name, role, args, log)
	if start == nil {
		return c.workerFailed(wctx, errors.Errorf("no start callback for role %q", role))
	}

	res := call(func() Result { return start(wctx) })
	if res.kind == resultFail {
		return c.workerFailed(wctx, res.err)
	}

	if ch != nil {
		if err := ch.Send(ipc.Started(id)); err != nil {
			wctx.Log().WithError(err).Warn("Unable to notify master about worker start")
		}
	}

	out := <-res.await(wctx)
	switch {
	case errors.Is(out.err, ErrWorkerExit):
		wctx.Log().Info("Worker exited")
		return nil
	case out.err != nil && ctx.Err() == nil:
		return c.workerFailed(wctx, out.err)
	case out.err != nil:
		wctx.Log().WithError(out.err).Debug("Worker stopped with error")
		return nil
	}

	<-ctx.Done()
	wctx.Log().Info("Worker stopped")
	return nil
}

// workerFailed logs the failure and exits the worker process.
func (c *Cluster) workerFailed(wctx WorkerContext, err error) error {
	wctx.Log().WithError(err).
		Errorf("Worker %s failed to start, shutting down worker", wctx.ID())
	c.exit(1)
	return errors.Wrapf(err, "worker %s failed to start", wctx.ID())
}

// masterGone returns a channel closed once the master closes its side of `ch`.
// The messages that follow the protocol exchange are discarded.
func masterGone(ch ipc.Channel) <-chan struct{} {
	if ch == nil {
		return nil
	}
	gone := make(chan struct{})
	go func() {
		for range ch.Messages() {
		}
		close(gone)
	}()
	return gone
}
