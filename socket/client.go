package socket

import (
	"encoding/json"
	"net"
	"time"

	"github.com/pkg/errors"
)

// Client provides the ability to communicate over the socket
// with some application running `Server`.
type Client struct {
	socketName string
	// Timeout bounds the whole exchange. Zero means no limit.
	Timeout time.Duration
}

// NewClient returns new `Client`.
func NewClient(socketName string) *Client {
	return &Client{socketName: socketName, Timeout: 5 * time.Second}
}

// Send tries to send a command in the `Request` through the socket to the `Server` and process the `Response`.
func (client Client) Send(request Request) (*Response, error) {
	conn, err := net.DialTimeout("unix", client.socketName, client.Timeout)
	if err != nil {
		return nil, errors.Wrap(err, "unable to connect")
	}
	defer conn.Close()

	if client.Timeout > 0 {
		_ = conn.SetDeadline(time.Now().Add(client.Timeout))
	}

	if err = json.NewEncoder(conn).Encode(request); err != nil {
		return nil, errors.Wrap(err, "unable to encode input")
	}

	response := &Response{}
	if err = json.NewDecoder(conn).Decode(response); err != nil {
		return nil, errors.Wrap(err, "unable to decode input")
	}
	return response, nil
}
