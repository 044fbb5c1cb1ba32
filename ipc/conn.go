package ipc

import (
	"encoding/json"
	"io"
	"sync"

	"github.com/pkg/errors"
)

// ErrClosed is returned by Send after the connection has been closed.
var ErrClosed = errors.New("ipc: channel closed")

const inboxSize = 16

// Conn is a Channel that encodes messages as JSON lines.
type Conn struct {
	r io.ReadCloser
	w io.WriteCloser

	sendMu  sync.Mutex
	encoder *json.Encoder
	inbox   chan Message

	closeOnce sync.Once
	closed    chan struct{}
}

// NewConn starts reading `r` in the background and returns the channel.
// Messages are written to `w`.
func NewConn(r io.ReadCloser, w io.WriteCloser) *Conn {
	c := &Conn{
		r:       r,
		w:       w,
		encoder: json.NewEncoder(w),
		inbox:   make(chan Message, inboxSize),
		closed:  make(chan struct{}),
	}
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.inbox)

	decoder := json.NewDecoder(c.r)
	for {
		var msg Message
		if err := decoder.Decode(&msg); err != nil {
			return
		}

		select {
		case c.inbox <- msg:
		case <-c.closed:
			return
		}
	}
}

// Send writes one message followed by a newline.
func (c *Conn) Send(msg Message) error {
	select {
	case <-c.closed:
		return ErrClosed
	default:
	}

	c.sendMu.Lock()
	defer c.sendMu.Unlock()

	if err := c.encoder.Encode(msg); err != nil {
		return errors.Wrapf(err, "ipc: send %s", msg.Kind)
	}
	return nil
}

// Messages returns the incoming messages.
func (c *Conn) Messages() <-chan Message {
	return c.inbox
}

// Close closes both pipes. It is safe to call more than once.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.closed)
		werr := c.w.Close()
		rerr := c.r.Close()
		if werr != nil {
			err = werr
		} else {
			err = rerr
		}
	})
	return err
}
