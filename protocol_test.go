package cluster

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/lancer-kit/cluster/ipc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHandshake(t *testing.T) {
	ch := newFakeChannel()
	ch.in <- ipc.GetArgsResponse(nil)
	ch.in <- ipc.Hello(9, "mailer", "c1")

	hello, err := handshake(ch, time.Second)
	require.NoError(t, err)
	assert.Equal(t, 9, hello.WorkerID)
	assert.Equal(t, "mailer", hello.Role)
}

func TestHandshake_Errors(t *testing.T) {
	_, err := handshake(newFakeChannel(), 20*time.Millisecond)
	assert.Equal(t, errHandshakeTimeout, err)

	ch := newFakeChannel()
	ch.masterClose()
	_, err = handshake(ch, time.Second)
	assert.Equal(t, errMasterGone, err)
}

func TestFetchMasterArgs_ConsumesOneResponse(t *testing.T) {
	log, _ := testLogger()
	ch := newFakeChannel()
	ch.in <- ipc.Started(1)
	ch.in <- ipc.GetArgsResponse(json.RawMessage(`"first"`))
	ch.in <- ipc.GetArgsResponse(json.RawMessage(`"second"`))

	args := fetchMasterArgs(ch, 1, time.Second, log)
	assert.Equal(t, ipc.GetArgs(1), ch.sent(t))
	assert.Equal(t, `"first"`, string(args.Raw()))
	assert.Len(t, ch.in, 1)
}

func TestFetchMasterArgs_Fallbacks(t *testing.T) {
	log, logs := testLogger()

	assert.True(t, fetchMasterArgs(nil, 1, time.Second, log).IsEmpty())
	assert.Contains(t, logs.String(), "No channel to the master process")

	ch := newFakeChannel()
	ch.masterClose()
	assert.True(t, fetchMasterArgs(ch, 1, time.Second, log).IsEmpty())

	start := time.Now()
	assert.True(t, fetchMasterArgs(newFakeChannel(), 1, 50*time.Millisecond, log).IsEmpty())
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, 1, logs.Count("No response from master process for master arguments before timeout"))
}
