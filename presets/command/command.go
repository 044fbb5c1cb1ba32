// Package command provides cluster callbacks that run external commands:
// a worker body that keeps a command running for the life of the worker and
// a master initializer whose output becomes the master arguments.
package command

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"os/exec"
	"strings"
	"syscall"
	"time"

	"github.com/lancer-kit/cluster"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// Environment variables passed to the started commands.
const (
	EnvWorkerID   = "CLUSTER_WORKER_ID"
	EnvWorkerRole = "CLUSTER_WORKER_ROLE"
	EnvMasterArgs = "CLUSTER_MASTER_ARGS"
)

// DefaultGrace is the time a command gets between SIGINT and SIGKILL.
const DefaultGrace = 5 * time.Second

// ErrEmptyCommand is returned for a command line without a program.
var ErrEmptyCommand = errors.New("command: empty command")

// Command is an external command.
type Command struct {
	// Line is the command line. Words are split on spaces,
	// single and double quotes group words.
	Line string
	Dir  string
	// Env is appended to the environment of the current process.
	Env []string
	// Grace bounds the wait for the command after SIGINT, DefaultGrace when zero.
	Grace time.Duration
}

// New returns a Command for `line`.
func New(line string) Command {
	return Command{Line: line}
}

func (c Command) grace() time.Duration {
	if c.Grace <= 0 {
		return DefaultGrace
	}
	return c.Grace
}

func (c Command) build(ctx context.Context, extraEnv ...string) (*exec.Cmd, error) {
	args, err := Split(c.Line)
	if err != nil {
		return nil, err
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	cmd.Dir = c.Dir
	cmd.Env = append(append(os.Environ(), c.Env...), extraEnv...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}
	return cmd, nil
}

// Worker returns a start callback that runs the command until the worker is
// stopped. The command receives SIGINT on stop and SIGKILL once the grace
// period is over. A command exiting on its own with status 0 ends the worker
// normally, any other status is a worker failure.
func Worker(c Command) cluster.StartFunc {
	return func(ctx cluster.WorkerContext) cluster.Result {
		log := ctx.Log().WithField("command", c.Line)

		cmd, err := c.build(context.Background(),
			EnvWorkerID+"="+ctx.ID(),
			EnvWorkerRole+"="+ctx.Role(),
			EnvMasterArgs+"="+string(ctx.MasterArgs().Raw()),
		)
		if err != nil {
			return cluster.Fail(err)
		}

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			return cluster.Fail(errors.Wrap(err, "unable to create stdout pipe"))
		}
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return cluster.Fail(errors.Wrap(err, "unable to create stderr pipe"))
		}

		if err := cmd.Start(); err != nil {
			return cluster.Fail(errors.Wrap(err, "unable to start command"))
		}
		log = log.WithField("command_pid", cmd.Process.Pid)
		log.Info("Command started")

		outputDone := make(chan struct{}, 2)
		go streamOutput(stdout, log.WithField("stream", "stdout"), logrus.InfoLevel, outputDone)
		go streamOutput(stderr, log.WithField("stream", "stderr"), logrus.WarnLevel, outputDone)

		processDone := make(chan error, 1)
		go func() {
			<-outputDone
			<-outputDone
			processDone <- cmd.Wait()
		}()

		return cluster.Defer(func(stop context.Context) (interface{}, error) {
			select {
			case err := <-processDone:
				if err != nil {
					return nil, errors.Wrap(err, "command failed")
				}
				log.Info("Command finished")
				return nil, cluster.ErrWorkerExit
			case <-stop.Done():
			}

			log.Debug("Sending SIGINT to command")
			if err := cmd.Process.Signal(syscall.SIGINT); err != nil {
				log.WithError(err).Warn("Failed to send SIGINT")
			}
			code := waitForExit(cmd, processDone, c.grace(), log)
			log.WithField("exit_code", code).Info("Command stopped")
			return nil, nil
		})
	}
}

// Master returns a master callback that runs the command to completion. The
// trimmed standard output becomes the master arguments: as is when it is
// valid JSON, as a JSON string otherwise. A non-zero exit fails the master.
func Master(c Command) cluster.MasterFunc {
	return func(ctx context.Context) cluster.Result {
		log := cluster.LoggerFrom(ctx).WithField("command", c.Line)

		cmd, err := c.build(ctx)
		if err != nil {
			return cluster.Fail(err)
		}

		var stdout bytes.Buffer
		cmd.Stdout = &stdout
		stderr, err := cmd.StderrPipe()
		if err != nil {
			return cluster.Fail(errors.Wrap(err, "unable to create stderr pipe"))
		}

		if err := cmd.Start(); err != nil {
			return cluster.Fail(errors.Wrap(err, "unable to start command"))
		}

		outputDone := make(chan struct{}, 1)
		streamOutput(stderr, log.WithField("stream", "stderr"), logrus.WarnLevel, outputDone)

		if err := cmd.Wait(); err != nil {
			return cluster.Fail(errors.Wrap(err, "master command failed"))
		}

		out := bytes.TrimSpace(stdout.Bytes())
		if len(out) == 0 {
			return cluster.Done()
		}
		if json.Valid(out) {
			return cluster.Value(json.RawMessage(out))
		}
		return cluster.Value(string(out))
	}
}

// waitForExit waits for the command with a timeout, force-killing if needed.
func waitForExit(cmd *exec.Cmd, processDone <-chan error, timeout time.Duration, log *logrus.Entry) int {
	select {
	case err := <-processDone:
		return exitCode(err)
	case <-time.After(timeout):
	}

	log.WithField("timeout", timeout).Warn("Graceful shutdown timeout, forcing kill")
	// the whole process group goes down with the command
	if err := syscall.Kill(-cmd.Process.Pid, syscall.SIGKILL); err != nil {
		if err := cmd.Process.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
			log.WithError(err).Error("Failed to kill command")
		}
	}
	return exitCode(<-processDone)
}

func exitCode(err error) int {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func streamOutput(r io.Reader, log *logrus.Entry, level logrus.Level, done chan<- struct{}) {
	defer func() { done <- struct{}{} }()

	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		log.Log(level, scanner.Text())
	}
}

// Split splits a command line into words. Quotes group words and are removed.
func Split(line string) ([]string, error) {
	var (
		args      []string
		current   strings.Builder
		inWord    bool
		quoteChar rune
	)

	for _, r := range strings.TrimSpace(line) {
		switch {
		case quoteChar != 0 && r == quoteChar:
			quoteChar = 0
		case quoteChar != 0:
			current.WriteRune(r)
		case r == '"' || r == '\'':
			quoteChar = r
			inWord = true
		case r == ' ' || r == '\t':
			if inWord {
				args = append(args, current.String())
				current.Reset()
				inWord = false
			}
		default:
			current.WriteRune(r)
			inWord = true
		}
	}

	if quoteChar != 0 {
		return nil, errors.Errorf("command: unterminated quote in %q", line)
	}
	if inWord {
		args = append(args, current.String())
	}
	if len(args) == 0 {
		return nil, ErrEmptyCommand
	}
	return args, nil
}
