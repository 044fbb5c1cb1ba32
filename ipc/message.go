// Package ipc defines the messages exchanged between the master and its
// workers and a newline-delimited JSON codec to carry them over a pair of pipes.
package ipc

import "encoding/json"

// Kind is a message discriminator.
type Kind string

const (
	// KindHello is the first message a worker receives. It tells the worker its
	// identity and role.
	KindHello Kind = "hello"
	// KindGetArgs asks the master for its initialization result.
	KindGetArgs Kind = "get-args"
	// KindGetArgsResponse carries the master arguments.
	KindGetArgsResponse Kind = "get-args-response"
	// KindStarted reports that the worker start callback succeeded.
	KindStarted Kind = "started"
)

// Message is the single envelope for every kind of message.
type Message struct {
	Kind       Kind            `json:"type"`
	WorkerID   int             `json:"workerId,omitempty"`
	Role       string          `json:"role,omitempty"`
	ClusterID  string          `json:"clusterId,omitempty"`
	MasterArgs json.RawMessage `json:"masterArgs,omitempty"`
}

// Hello returns the handshake message for a freshly spawned worker.
func Hello(workerID int, role, clusterID string) Message {
	return Message{Kind: KindHello, WorkerID: workerID, Role: role, ClusterID: clusterID}
}

// GetArgs returns the master arguments request sent by the worker `workerID`.
func GetArgs(workerID int) Message {
	return Message{Kind: KindGetArgs, WorkerID: workerID}
}

// GetArgsResponse returns the reply for GetArgs.
func GetArgsResponse(masterArgs json.RawMessage) Message {
	return Message{Kind: KindGetArgsResponse, MasterArgs: masterArgs}
}

// Started returns the notification sent once the worker has started.
func Started(workerID int) Message {
	return Message{Kind: KindStarted, WorkerID: workerID}
}

// Channel is a bidirectional message channel between two processes.
type Channel interface {
	// Send writes the message to the peer.
	Send(msg Message) error
	// Messages returns incoming messages. The channel is closed when the peer
	// closes its side or the stream becomes unreadable.
	Messages() <-chan Message
	// Close releases both directions.
	Close() error
}
