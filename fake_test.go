package cluster

import (
	"bytes"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/lancer-kit/cluster/ipc"
	"github.com/lancer-kit/cluster/transport"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// fakeProcess is a worker process living in the test.
type fakeProcess struct {
	pid int
	env []string

	toWorker chan ipc.Message
	toMaster chan ipc.Message
	done     chan transport.ExitStatus

	// ignoreStop makes the process survive the cooperative stop.
	ignoreStop bool

	stops    int32
	kills    int32
	exitOnce sync.Once
	exited   chan struct{}
}

func newFakeProcess(pid int, env []string) *fakeProcess {
	return &fakeProcess{
		pid:      pid,
		env:      env,
		toWorker: make(chan ipc.Message, 16),
		toMaster: make(chan ipc.Message, 16),
		done:     make(chan transport.ExitStatus, 1),
		exited:   make(chan struct{}),
	}
}

func (p *fakeProcess) PID() int                          { return p.pid }
func (p *fakeProcess) Messages() <-chan ipc.Message      { return p.toMaster }
func (p *fakeProcess) Done() <-chan transport.ExitStatus { return p.done }

func (p *fakeProcess) Send(msg ipc.Message) error {
	select {
	case <-p.exited:
		return ipc.ErrClosed
	default:
	}
	select {
	case p.toWorker <- msg:
		return nil
	default:
		return ipc.ErrClosed
	}
}

func (p *fakeProcess) Stop() error {
	atomic.AddInt32(&p.stops, 1)
	if !p.ignoreStop {
		p.exit(transport.ExitStatus{Code: -1, Signal: "terminated"})
	}
	return nil
}

func (p *fakeProcess) Kill() error {
	atomic.AddInt32(&p.kills, 1)
	p.exit(transport.ExitStatus{Code: -1, Signal: "killed"})
	return nil
}

// exit finishes the process with `status`, only the first call counts.
func (p *fakeProcess) exit(status transport.ExitStatus) {
	p.exitOnce.Do(func() {
		close(p.exited)
		p.done <- status
	})
}

func (p *fakeProcess) Stops() int { return int(atomic.LoadInt32(&p.stops)) }
func (p *fakeProcess) Kills() int { return int(atomic.LoadInt32(&p.kills)) }

// receive returns the next message the master sent to the worker.
func (p *fakeProcess) receive(t *testing.T) ipc.Message {
	t.Helper()
	select {
	case msg := <-p.toWorker:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message from master")
		return ipc.Message{}
	}
}

// fakeTransport spawns fakeProcesses. `behave`, when set, runs for every
// spawned process in its own goroutine.
type fakeTransport struct {
	mutex    sync.Mutex
	procs    []*fakeProcess
	spawnErr error
	behave   func(p *fakeProcess)

	ignoreStop bool
}

func (f *fakeTransport) Spawn(spec transport.Spec) (transport.Process, error) {
	f.mutex.Lock()
	defer f.mutex.Unlock()

	if f.spawnErr != nil {
		return nil, f.spawnErr
	}

	p := newFakeProcess(1000+len(f.procs), spec.Env)
	p.ignoreStop = f.ignoreStop
	f.procs = append(f.procs, p)
	if f.behave != nil {
		go f.behave(p)
	}
	return p, nil
}

func (f *fakeTransport) Attach() (ipc.Channel, error) {
	return nil, transport.ErrNotWorker
}

func (f *fakeTransport) spawned() []*fakeProcess {
	f.mutex.Lock()
	defer f.mutex.Unlock()
	return append([]*fakeProcess(nil), f.procs...)
}

func (f *fakeTransport) count() int {
	return len(f.spawned())
}

// workerTransport attaches the cluster to `ch` as a worker.
type workerTransport struct {
	ch ipc.Channel
}

func (w workerTransport) Spawn(transport.Spec) (transport.Process, error) {
	panic("worker must not spawn")
}

func (w workerTransport) Attach() (ipc.Channel, error) {
	return w.ch, nil
}

// fakeChannel is the worker side of a channel driven by the test.
type fakeChannel struct {
	in        chan ipc.Message
	out       chan ipc.Message
	closeOnce sync.Once
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{
		in:  make(chan ipc.Message, 16),
		out: make(chan ipc.Message, 16),
	}
}

func (c *fakeChannel) Send(msg ipc.Message) error {
	c.out <- msg
	return nil
}

func (c *fakeChannel) Messages() <-chan ipc.Message { return c.in }

func (c *fakeChannel) Close() error { return nil }

// masterClose simulates the master closing its side.
func (c *fakeChannel) masterClose() {
	c.closeOnce.Do(func() { close(c.in) })
}

func (c *fakeChannel) sent(t *testing.T) ipc.Message {
	t.Helper()
	select {
	case msg := <-c.out:
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message from worker")
		return ipc.Message{}
	}
}

// syncBuffer is a log output safe for concurrent writes.
type syncBuffer struct {
	mutex sync.Mutex
	buf   bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mutex.Lock()
	defer b.mutex.Unlock()
	return b.buf.String()
}

func (b *syncBuffer) Count(s string) int {
	return bytes.Count([]byte(b.String()), []byte(s))
}

func testLogger() (*logrus.Entry, *syncBuffer) {
	out := &syncBuffer{}
	logger := logrus.New()
	logger.SetOutput(out)
	logger.SetLevel(logrus.DebugLevel)
	return logrus.NewEntry(logger), out
}

// testOptions returns options that spawn through `tr` and log into the returned buffer.
func testOptions(tr transport.Transport) (Options, *syncBuffer) {
	log, out := testLogger()
	opts := DefaultOptions()
	opts.Transport = tr
	opts.Logger = log
	opts.Grace = time.Second
	opts.MasterArgsWait = time.Second
	opts.ConfigFileEnv = ""
	opts.App.Name = "test"
	return opts, out
}

// newTestCluster returns a cluster whose exit hook records the exit code.
func newTestCluster(t *testing.T, opts Options) (*Cluster, *int32) {
	t.Helper()
	c, err := New(opts)
	require.NoError(t, err)

	exitCode := int32(-1)
	c.exit = func(code int) { atomic.StoreInt32(&exitCode, int32(code)) }
	return c, &exitCode
}

// actAsWorker answers the handshake like a healthy worker and reports the start.
func actAsWorker(p *fakeProcess) {
	hello, ok := <-p.toWorker
	if !ok || hello.Kind != ipc.KindHello {
		return
	}
	p.toMaster <- ipc.GetArgs(hello.WorkerID)
	select {
	case <-p.toWorker:
	case <-p.exited:
		return
	}
	p.toMaster <- ipc.Started(hello.WorkerID)
}
