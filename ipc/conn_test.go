package ipc

import (
	"encoding/json"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pair returns two connected channels.
func pair() (*Conn, *Conn) {
	r1, w1 := io.Pipe()
	r2, w2 := io.Pipe()
	return NewConn(r1, w2), NewConn(r2, w1)
}

func receive(t *testing.T, ch Channel) Message {
	t.Helper()
	select {
	case msg, ok := <-ch.Messages():
		require.True(t, ok, "channel closed")
		return msg
	case <-time.After(time.Second):
		t.Fatal("timeout waiting for message")
		return Message{}
	}
}

func TestConn_RoundTrip(t *testing.T) {
	master, worker := pair()
	defer master.Close()
	defer worker.Close()

	go func() {
		_ = master.Send(Hello(3, "mailer", "cluster-1"))
	}()
	hello := receive(t, worker)
	assert.Equal(t, KindHello, hello.Kind)
	assert.Equal(t, 3, hello.WorkerID)
	assert.Equal(t, "mailer", hello.Role)
	assert.Equal(t, "cluster-1", hello.ClusterID)

	go func() {
		_ = worker.Send(GetArgs(3))
	}()
	req := receive(t, master)
	assert.Equal(t, KindGetArgs, req.Kind)
	assert.Equal(t, 3, req.WorkerID)

	args := json.RawMessage(`{"test":1,"test2":["val"]}`)
	go func() {
		_ = master.Send(GetArgsResponse(args))
	}()
	resp := receive(t, worker)
	assert.Equal(t, KindGetArgsResponse, resp.Kind)
	assert.JSONEq(t, string(args), string(resp.MasterArgs))
}

func TestConn_EmptyArgsOmitted(t *testing.T) {
	master, worker := pair()
	defer master.Close()
	defer worker.Close()

	go func() {
		_ = master.Send(GetArgsResponse(nil))
	}()
	resp := receive(t, worker)
	assert.Equal(t, KindGetArgsResponse, resp.Kind)
	assert.Empty(t, resp.MasterArgs)
}

func TestConn_PeerCloseEndsMessages(t *testing.T) {
	master, worker := pair()
	defer worker.Close()

	require.NoError(t, master.Close())

	select {
	case _, ok := <-worker.Messages():
		assert.False(t, ok)
	case <-time.After(time.Second):
		t.Fatal("messages channel was not closed")
	}
}

func TestConn_SendAfterClose(t *testing.T) {
	master, worker := pair()
	defer worker.Close()

	require.NoError(t, master.Close())
	assert.NoError(t, master.Close())
	assert.ErrorIs(t, master.Send(Started(1)), ErrClosed)
}
