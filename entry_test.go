package cluster

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lancer-kit/cluster/ipc"
	"github.com/lancer-kit/cluster/transport"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type startCall struct {
	id   string
	role string
	args Args
}

func recordingStart(calls chan<- startCall, res func() Result) StartFunc {
	return func(ctx WorkerContext) Result {
		calls <- startCall{id: ctx.ID(), role: ctx.Role(), args: ctx.MasterArgs()}
		return res()
	}
}

func waitCall(t *testing.T, calls <-chan startCall) startCall {
	t.Helper()
	select {
	case call := <-calls:
		return call
	case <-time.After(2 * time.Second):
		t.Fatal("start callback was not called")
		return startCall{}
	}
}

func workerOptions(ch ipc.Channel) (Options, *syncBuffer) {
	opts, logs := testOptions(workerTransport{ch: ch})
	opts.MasterArgsWait = 100 * time.Millisecond
	return opts, logs
}

func TestWorker_GenericStart(t *testing.T) {
	ch := newFakeChannel()
	ch.in <- ipc.Hello(3, "", "cluster-1")
	ch.in <- ipc.GetArgsResponse(json.RawMessage(`{"port":8080}`))

	calls := make(chan startCall, 1)
	opts, _ := workerOptions(ch)
	opts.Start = recordingStart(calls, Done)
	opts.Dedicated = map[string]StartFunc{"mailer": func(WorkerContext) Result {
		t.Error("dedicated callback must not be called")
		return Done()
	}}
	c, exitCode := newTestCluster(t, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, c)

	assert.Equal(t, ipc.GetArgs(3), ch.sent(t))
	call := waitCall(t, calls)
	assert.Equal(t, "3", call.id)
	assert.Empty(t, call.role)

	var args struct {
		Port int `json:"port"`
	}
	require.NoError(t, call.args.Decode(&args))
	assert.Equal(t, 8080, args.Port)

	assert.Equal(t, ipc.Started(3), ch.sent(t))

	cancel()
	require.NoError(t, waitRun(t, done))
	assert.Equal(t, int32(-1), atomic.LoadInt32(exitCode))
}

func TestWorker_DedicatedRole(t *testing.T) {
	ch := newFakeChannel()
	ch.in <- ipc.Hello(5, "mailer", "cluster-1")
	ch.in <- ipc.GetArgsResponse(nil)

	calls := make(chan startCall, 1)
	opts, _ := workerOptions(ch)
	opts.Start = func(WorkerContext) Result {
		t.Error("generic callback must not be called")
		return Done()
	}
	opts.Dedicated = map[string]StartFunc{"mailer": recordingStart(calls, Done)}
	c, _ := newTestCluster(t, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, c)

	call := waitCall(t, calls)
	assert.Equal(t, "5", call.id)
	assert.Equal(t, "mailer", call.role)
	assert.True(t, call.args.IsEmpty())

	cancel()
	require.NoError(t, waitRun(t, done))
}

func TestWorker_UnknownRoleFallsBackToGeneric(t *testing.T) {
	ch := newFakeChannel()
	ch.in <- ipc.Hello(2, "retired", "")
	ch.in <- ipc.GetArgsResponse(nil)

	calls := make(chan startCall, 1)
	opts, _ := workerOptions(ch)
	opts.Start = recordingStart(calls, Done)
	c, _ := newTestCluster(t, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, c)

	call := waitCall(t, calls)
	assert.Equal(t, "retired", call.role)

	cancel()
	require.NoError(t, waitRun(t, done))
}

func TestWorker_MasterArgsTimeout(t *testing.T) {
	ch := newFakeChannel()
	ch.in <- ipc.Hello(1, "", "")

	calls := make(chan startCall, 1)
	opts, logs := workerOptions(ch)
	opts.Start = recordingStart(calls, Done)
	c, _ := newTestCluster(t, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, c)

	call := waitCall(t, calls)
	assert.True(t, call.args.IsEmpty())
	assert.Equal(t, 1, logs.Count("No response from master process for master arguments before timeout"))

	cancel()
	require.NoError(t, waitRun(t, done))
}

func TestWorker_NoChannel(t *testing.T) {
	calls := make(chan startCall, 1)
	opts, logs := testOptions(failingAttach{err: transport.ErrNoChannel})
	opts.Start = recordingStart(calls, Done)
	c, _ := newTestCluster(t, opts)

	ctx, cancel := context.WithCancel(context.Background())
	done := runAsync(ctx, c)

	call := waitCall(t, calls)
	assert.Equal(t, "0", call.id)
	assert.True(t, call.args.IsEmpty())
	assert.Contains(t, logs.String(), "No channel to the master process")

	cancel()
	require.NoError(t, waitRun(t, done))
}

func TestWorker_StartFailure(t *testing.T) {
	cases := map[string]func() Result{
		"fail": func() Result { return Fail(errors.New("bad config")) },
		"deferred": func() Result {
			return Defer(func(context.Context) (interface{}, error) {
				return nil, errors.New("bad config")
			})
		},
	}

	for name, res := range cases {
		t.Run(name, func(t *testing.T) {
			ch := newFakeChannel()
			ch.in <- ipc.Hello(4, "", "")
			ch.in <- ipc.GetArgsResponse(nil)

			opts, logs := workerOptions(ch)
			opts.Start = func(WorkerContext) Result { return res() }
			c, exitCode := newTestCluster(t, opts)

			err := waitRun(t, runAsync(context.Background(), c))
			require.Error(t, err)
			assert.Contains(t, err.Error(), "bad config")
			assert.Equal(t, int32(1), atomic.LoadInt32(exitCode))
			assert.Equal(t, 1, logs.Count("Worker 4 failed to start, shutting down worker"))
		})
	}
}

func TestWorker_ExitRequest(t *testing.T) {
	ch := newFakeChannel()
	ch.in <- ipc.Hello(1, "", "")
	ch.in <- ipc.GetArgsResponse(nil)

	opts, logs := workerOptions(ch)
	opts.Start = func(WorkerContext) Result {
		return Defer(func(context.Context) (interface{}, error) {
			return nil, ErrWorkerExit
		})
	}
	c, exitCode := newTestCluster(t, opts)

	require.NoError(t, waitRun(t, runAsync(context.Background(), c)))
	assert.Equal(t, int32(-1), atomic.LoadInt32(exitCode))
	assert.NotContains(t, logs.String(), "failed to start")
}

func TestWorker_StopsWhenMasterIsGone(t *testing.T) {
	ch := newFakeChannel()
	ch.in <- ipc.Hello(1, "", "")
	ch.in <- ipc.GetArgsResponse(nil)

	stopped := make(chan struct{})
	opts, logs := workerOptions(ch)
	opts.Start = func(WorkerContext) Result {
		return Defer(func(ctx context.Context) (interface{}, error) {
			<-ctx.Done()
			close(stopped)
			return nil, ctx.Err()
		})
	}
	c, _ := newTestCluster(t, opts)

	done := runAsync(context.Background(), c)
	assert.Equal(t, ipc.KindGetArgs, ch.sent(t).Kind)
	assert.Equal(t, ipc.KindStarted, ch.sent(t).Kind)

	ch.masterClose()
	require.NoError(t, waitRun(t, done))
	assert.Contains(t, logs.String(), "Master process is gone")

	select {
	case <-stopped:
	default:
		t.Fatal("deferred callback was not cancelled")
	}
}

type failingAttach struct {
	err error
}

func (f failingAttach) Spawn(transport.Spec) (transport.Process, error) {
	return nil, f.err
}

func (f failingAttach) Attach() (ipc.Channel, error) {
	return nil, f.err
}
