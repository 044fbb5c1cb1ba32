// Package socket implements a small command protocol over a unix socket:
// the client writes one JSON `Request`, the server answers with one `Response`.
package socket

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"os"

	"github.com/pkg/errors"
)

const errorsBuffer = 8

// Server is a handler that opens a `net.Socket`
// and accepts commands and writes responses in JSON format.
type Server struct {
	socketName string
	handlers   map[string]ActionFunc
	errors     chan error
}

// NewServer creates a new server with some actions.
func NewServer(socketName string, actions ...Action) *Server {
	handlers := map[string]ActionFunc{}
	for _, action := range actions {
		handlers[action.Name] = action.Handler
	}
	return &Server{
		socketName: socketName,
		handlers:   handlers,
		errors:     make(chan error, errorsBuffer),
	}
}

// Errors returns a channel with errors. It is closed when Serve returns.
// Errors are dropped when nobody reads the channel.
func (sw *Server) Errors() <-chan error {
	return sw.errors
}

// SetHandler adds new or replaces the command (action) handler.
// It must be called before Serve.
func (sw *Server) SetHandler(name string, action ActionFunc) {
	sw.handlers[name] = action
}

// Serve creates the UNIX socket and starts listening for incoming commands.
// When command accepted server tries to decode message into `Request`.
// In case when the server has the handler for `Request` command
// it executes and writes a response in JSON format to the socket.
// Serve returns when `ctx` is done.
func (sw *Server) Serve(ctx context.Context) error {
	defer close(sw.errors)

	if err := sw.removeSocket(); err != nil {
		return err
	}

	var lc net.ListenConfig
	listener, err := lc.Listen(ctx, "unix", sw.socketName)
	if err != nil {
		return errors.Wrap(err, "unable to create unix domain socket")
	}

	if err = os.Chmod(sw.socketName, 0700); err != nil {
		_ = listener.Close()
		return errors.Wrap(err, "unable to change the permissions for the socket")
	}

	conns := make(chan net.Conn)
	acceptDone := make(chan struct{})
	go func() {
		defer close(acceptDone)
		for {
			conn, err := listener.Accept()
			if err != nil {
				select {
				case <-ctx.Done():
					return
				default:
				}
				sw.report(errors.Wrap(err, "accept failed"))
				return
			}

			select {
			case conns <- conn:
			case <-ctx.Done():
				_ = conn.Close()
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			if err := listener.Close(); err != nil {
				sw.report(errors.Wrap(err, "close failed"))
			}
			<-acceptDone
			if err := sw.removeSocket(); err != nil {
				sw.report(err)
			}
			return nil
		case conn := <-conns:
			if err := sw.processSockRequest(conn); err != nil {
				sw.report(errors.Wrap(err, "process failed"))
			}
		case <-acceptDone:
			// the listener is broken, wait for the shutdown
			acceptDone = nil
		}
	}
}

func (sw *Server) report(err error) {
	select {
	case sw.errors <- err:
	default:
	}
}

func (sw *Server) processSockRequest(conn net.Conn) (err error) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}

		var ok bool
		err, ok = rec.(error)
		if !ok {
			err = fmt.Errorf("%v", rec)
		}
	}()

	defer func() {
		if cerr := conn.Close(); err == nil {
			err = cerr
		}
	}()

	decode := json.NewDecoder(conn)
	encode := json.NewEncoder(conn)

	var in Request
	if err = decode.Decode(&in); err != nil {
		return errors.Wrap(err, "unable to decode input")
	}

	handler, ok := sw.handlers[in.Action]
	if !ok {
		handler = defaultHandler
	}

	result := handler(in)

	// Send response back to the socket request
	if err = encode.Encode(result); err != nil {
		return errors.Wrap(err, "unable to encode output")
	}

	return nil
}

func (sw *Server) removeSocket() error {
	_, err := os.Stat(sw.socketName)
	if os.IsNotExist(err) {
		return nil
	}
	if err := os.Remove(sw.socketName); err != nil {
		return errors.Wrap(err, "unable to remove the socket")
	}

	return nil
}
