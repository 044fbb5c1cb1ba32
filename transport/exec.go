package transport

import (
	"io"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"syscall"

	"github.com/lancer-kit/cluster/ipc"
	"github.com/pkg/errors"
)

// EnvChannel is set in a spawned worker's environment. Its value is the pair
// of file descriptors "in,out" of the channel to the master.
const EnvChannel = "LANCER_CLUSTER_CHANNEL"

// Child side descriptors: ExtraFiles start at fd 3.
const (
	childInFD  = 3
	childOutFD = 4
)

// Exec spawns workers by re-executing a binary, by default the current one
// with the current arguments, so that the same program runs in worker mode.
type Exec struct {
	// Path of the binary to execute.
	Path string
	// Args passed to the binary, without the program name.
	Args []string
	// Stdout and Stderr of the workers.
	Stdout io.Writer
	Stderr io.Writer
}

// NewExec returns a transport re-executing the running binary with its arguments.
func NewExec() *Exec {
	path, err := os.Executable()
	if err != nil {
		path = os.Args[0]
	}
	return &Exec{
		Path:   path,
		Args:   os.Args[1:],
		Stdout: os.Stdout,
		Stderr: os.Stderr,
	}
}

// Spawn starts the binary with two pipes attached as fd 3 (master to worker)
// and fd 4 (worker to master).
func (e *Exec) Spawn(spec Spec) (Process, error) {
	toChildR, toChildW, err := os.Pipe()
	if err != nil {
		return nil, errors.Wrap(err, "create master->worker pipe")
	}
	fromChildR, fromChildW, err := os.Pipe()
	if err != nil {
		_ = toChildR.Close()
		_ = toChildW.Close()
		return nil, errors.Wrap(err, "create worker->master pipe")
	}

	cmd := exec.Command(e.Path, e.Args...)
	cmd.Env = append(withoutKey(spec.Env, EnvChannel),
		EnvChannel+"="+strconv.Itoa(childInFD)+","+strconv.Itoa(childOutFD))
	cmd.ExtraFiles = []*os.File{toChildR, fromChildW}
	cmd.Stdout = e.Stdout
	cmd.Stderr = e.Stderr

	err = cmd.Start()
	// the child owns its ends now
	_ = toChildR.Close()
	_ = fromChildW.Close()
	if err != nil {
		_ = toChildW.Close()
		_ = fromChildR.Close()
		return nil, errors.Wrapf(err, "start %s", e.Path)
	}

	p := &process{
		cmd:  cmd,
		conn: ipc.NewConn(fromChildR, toChildW),
		done: make(chan ExitStatus, 1),
	}
	go p.wait()

	return p, nil
}

// Attach opens the channel described by EnvChannel and removes the variable
// from the environment, so processes started by the worker do not inherit it.
func (e *Exec) Attach() (ipc.Channel, error) {
	value, ok := os.LookupEnv(EnvChannel)
	if !ok {
		return nil, ErrNotWorker
	}
	_ = os.Unsetenv(EnvChannel)

	fds := strings.Split(value, ",")
	if len(fds) != 2 {
		return nil, errors.Wrapf(ErrNoChannel, "malformed %s=%q", EnvChannel, value)
	}
	inFD, err := strconv.Atoi(fds[0])
	if err != nil {
		return nil, errors.Wrapf(ErrNoChannel, "malformed %s=%q", EnvChannel, value)
	}
	outFD, err := strconv.Atoi(fds[1])
	if err != nil {
		return nil, errors.Wrapf(ErrNoChannel, "malformed %s=%q", EnvChannel, value)
	}

	in := os.NewFile(uintptr(inFD), "cluster-master-in")
	out := os.NewFile(uintptr(outFD), "cluster-master-out")
	if in == nil || out == nil {
		return nil, ErrNoChannel
	}

	return ipc.NewConn(in, out), nil
}

type process struct {
	cmd  *exec.Cmd
	conn *ipc.Conn
	done chan ExitStatus

	stopOnce sync.Once
}

func (p *process) wait() {
	err := p.cmd.Wait()
	_ = p.conn.Close()
	p.done <- exitStatus(p.cmd.ProcessState, err)
}

func (p *process) PID() int                     { return p.cmd.Process.Pid }
func (p *process) Send(msg ipc.Message) error   { return p.conn.Send(msg) }
func (p *process) Messages() <-chan ipc.Message { return p.conn.Messages() }
func (p *process) Done() <-chan ExitStatus      { return p.done }

// Stop sends SIGTERM once.
func (p *process) Stop() error {
	var err error
	p.stopOnce.Do(func() {
		err = ignoreDone(p.cmd.Process.Signal(syscall.SIGTERM))
	})
	return err
}

// Kill sends SIGKILL.
func (p *process) Kill() error {
	return ignoreDone(p.cmd.Process.Kill())
}

// ignoreDone drops "os: process already finished", the process exited between
// the check and the signal.
func ignoreDone(err error) error {
	if errors.Is(err, os.ErrProcessDone) {
		return nil
	}
	return err
}

func exitStatus(state *os.ProcessState, err error) ExitStatus {
	if state == nil {
		code := 1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			code = exitErr.ExitCode()
		}
		return ExitStatus{Code: code}
	}

	status := ExitStatus{Code: state.ExitCode()}
	if ws, ok := state.Sys().(syscall.WaitStatus); ok && ws.Signaled() {
		status.Signal = ws.Signal().String()
	}
	return status
}

func withoutKey(env []string, key string) []string {
	prefix := key + "="
	out := make([]string, 0, len(env)+1)
	for _, kv := range env {
		if strings.HasPrefix(kv, prefix) {
			continue
		}
		out = append(out, kv)
	}
	return out
}
