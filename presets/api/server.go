package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"syscall"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/lancer-kit/cluster"
	"github.com/pkg/errors"
	"golang.org/x/sys/unix"
)

const forceStopTimeout = 5 * time.Second

// Config is a parameters for `http.Server`.
// APIRequestTimeout and ReadHeaderTimeout time.Duration in Seconds.
type Config struct {
	Host string `json:"host" yaml:"host" toml:"host"`
	Port int    `json:"port" yaml:"port" toml:"port"`
	// ReusePort lets every worker of the pool listen on the same port,
	// the kernel balances the connections between them.
	ReusePort bool `json:"reuse_port" yaml:"reuse_port" toml:"reuse_port"`
	// nolint:lll
	APIRequestTimeout int `json:"api_request_timeout" yaml:"api_request_timeout" toml:"api_request_timeout"`
	ReadHeaderTimeout int `json:"read_header_timeout" yaml:"read_header_timeout" toml:"read_header_timeout"`
}

// Validate - Validate config required fields
func (c Config) Validate() error {
	return validation.ValidateStruct(&c,
		validation.Field(&c.Port, validation.Min(0), validation.Max(65535)),
		validation.Field(&c.APIRequestTimeout, validation.Min(0)),
		validation.Field(&c.ReadHeaderTimeout, validation.Min(0)),
	)
}

// TCPAddr returns tcp address for server.
func (c *Config) TCPAddr() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// RouterFunc builds the handler of a worker.
type RouterFunc func(ctx cluster.WorkerContext) (http.Handler, error)

// Server returns a start callback serving the handler built by `routerInit`
// with an HTTP server. The worker reports its start once the listener is
// bound and stops the server gracefully when the worker is stopped.
// Warning: this Server does not process SSL/TLS certificates on its own.
func Server(config Config, routerInit RouterFunc) cluster.StartFunc {
	return func(ctx cluster.WorkerContext) cluster.Result {
		if err := config.Validate(); err != nil {
			return cluster.Fail(errors.Wrap(err, "invalid server config"))
		}

		router, err := routerInit(ctx)
		if err != nil {
			return cluster.Fail(errors.Wrap(err, "unable to init router"))
		}
		if config.APIRequestTimeout > 0 {
			router = http.TimeoutHandler(router, time.Duration(config.APIRequestTimeout)*time.Second, "")
		}

		listener, err := Listen(ctx, config)
		if err != nil {
			return cluster.Fail(err)
		}

		readHeaderTimeout := time.Minute
		if config.ReadHeaderTimeout > 0 {
			readHeaderTimeout = time.Duration(config.ReadHeaderTimeout) * time.Second
		}
		server := &http.Server{
			Handler:           router,
			ReadHeaderTimeout: readHeaderTimeout,
		}

		log := ctx.Log().WithField("addr", listener.Addr().String())
		log.Info("Starting API Server")

		return cluster.Defer(func(stop context.Context) (interface{}, error) {
			serverFailed := make(chan error, 1)
			go func() {
				if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
					serverFailed <- err
				}
			}()

			select {
			case <-stop.Done():
				log.Info("Shutting down the API Server...")
				serverCtx, cancel := context.WithTimeout(context.Background(), forceStopTimeout)
				defer cancel()

				if err := server.Shutdown(serverCtx); err != nil {
					return nil, errors.Wrap(err, "server shutdown failed")
				}
				log.Info("API Server gracefully stopped")
				return nil, nil
			case err := <-serverFailed:
				return nil, errors.Wrap(err, "server failed")
			}
		})
	}
}

// Listen opens the TCP listener of the server.
func Listen(ctx context.Context, config Config) (net.Listener, error) {
	lc := net.ListenConfig{}
	if config.ReusePort {
		lc.Control = reusePort
	}

	listener, err := lc.Listen(ctx, "tcp", config.TCPAddr())
	if err != nil {
		return nil, errors.Wrapf(err, "unable to listen %s", config.TCPAddr())
	}
	return listener, nil
}

func reusePort(_, _ string, conn syscall.RawConn) error {
	var opErr error
	err := conn.Control(func(fd uintptr) {
		opErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_REUSEPORT, 1)
	})
	if err != nil {
		return err
	}
	return opErr
}
