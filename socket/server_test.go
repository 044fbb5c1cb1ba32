package socket

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func startServer(t *testing.T, actions ...Action) (string, context.CancelFunc, <-chan error) {
	t.Helper()

	socketName := filepath.Join(t.TempDir(), "s.socket")
	sw := NewServer(socketName, actions...)
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan error, 1)
	go func() {
		done <- sw.Serve(ctx)
	}()

	require.Eventually(t, func() bool {
		_, err := os.Stat(socketName)
		return err == nil
	}, time.Second, 10*time.Millisecond)

	return socketName, cancel, done
}

func TestServer_Serve(t *testing.T) {
	socketName, cancel, done := startServer(t, Action{
		Name: "ping",
		Handler: func(_ Request) Response {
			return NewResponse(StatusOk, "pong", "")
		},
	})

	resp, err := NewClient(socketName).Send(Request{Action: "ping"})
	require.NoError(t, err)
	assert.Equal(t, StatusOk, resp.Status)
	assert.Equal(t, `"pong"`, string(resp.Data))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("server did not stop")
	}

	_, err = os.Stat(socketName)
	assert.True(t, os.IsNotExist(err), "socket file must be removed")
}

func TestServer_UnknownAction(t *testing.T) {
	socketName, cancel, _ := startServer(t)
	defer cancel()

	resp, err := NewClient(socketName).Send(Request{Action: "reboot"})
	require.NoError(t, err)
	assert.Equal(t, StatusErr, resp.Status)
	assert.Equal(t, "unknown_action", resp.Error)
}

func TestServer_Args(t *testing.T) {
	socketName, cancel, _ := startServer(t, Action{
		Name: "echo",
		Handler: func(req Request) Response {
			return Response{Status: StatusOk, Data: req.Args}
		},
	})
	defer cancel()

	resp, err := NewClient(socketName).Send(Request{Action: "echo", Args: []byte(`{"a":1}`)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":1}`, string(resp.Data))
}

func TestClient_NoServer(t *testing.T) {
	_, err := NewClient(filepath.Join(t.TempDir(), "missing.socket")).Send(Request{Action: "ping"})
	assert.Error(t, err)
}

func TestNewResponse(t *testing.T) {
	resp := NewResponse(StatusOk, nil, "")
	assert.Empty(t, resp.Data)

	resp = NewResponse(StatusOk, func() {}, "")
	assert.Equal(t, StatusInternalErr, resp.Status)
	assert.NotEmpty(t, resp.Error)
}
