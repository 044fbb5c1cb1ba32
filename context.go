package cluster

import (
	"bytes"
	"context"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// CtxKey is the type of context keys for the values placed by the cluster.
type CtxKey string

const (
	// CtxKeyLog is a context key for a `*logrus.Entry` value.
	CtxKeyLog CtxKey = "cluster-log"
)

// LoggerFrom returns the logger placed into `ctx` by the cluster,
// or the standard logger.
func LoggerFrom(ctx context.Context) *logrus.Entry {
	if log, ok := ctx.Value(CtxKeyLog).(*logrus.Entry); ok {
		return log
	}
	return logrus.NewEntry(logrus.StandardLogger())
}

// Args are the master arguments as they were encoded in the master.
type Args struct {
	raw json.RawMessage
}

// encodeArgs encodes the master result. Falsy results (nil, null, "", 0
// and false) produce empty arguments.
func encodeArgs(v interface{}) (Args, error) {
	var raw []byte
	switch val := v.(type) {
	case nil:
		return Args{}, nil
	case Args:
		return val, nil
	case json.RawMessage:
		raw = bytes.TrimSpace(val)
	default:
		var err error
		if raw, err = json.Marshal(v); err != nil {
			return Args{}, errors.Wrap(err, "encode master arguments")
		}
	}

	switch string(raw) {
	case "", "null", `""`, "0", "false":
		return Args{}, nil
	}
	return Args{raw: raw}, nil
}

// IsEmpty reports whether the master produced no arguments.
func (a Args) IsEmpty() bool { return len(a.raw) == 0 }

// Raw returns the JSON encoding of the arguments.
func (a Args) Raw() json.RawMessage { return a.raw }

// Decode unmarshals the arguments into `v`. Empty arguments leave `v` untouched.
func (a Args) Decode(v interface{}) error {
	if a.IsEmpty() {
		return nil
	}
	return errors.Wrap(json.Unmarshal(a.raw, v), "decode master arguments")
}

// WorkerContext is passed to the start callbacks.
type WorkerContext interface {
	context.Context
	// ID is the worker id, "master" for the inline worker.
	ID() string
	// Role is the dedicated role, empty for generic workers.
	Role() string
	MasterArgs() Args
	Log() *logrus.Entry
}

type workerContext struct {
	context.Context
	id   string
	role string
	args Args
	log  *logrus.Entry
}

func newWorkerContext(ctx context.Context, id, role string, args Args, log *logrus.Entry) WorkerContext {
	log = log.WithField("worker", id)
	if role != "" {
		log = log.WithField("role", role)
	}
	return &workerContext{
		Context: context.WithValue(ctx, CtxKeyLog, log),
		id:      id,
		role:    role,
		args:    args,
		log:     log,
	}
}

func (wc *workerContext) ID() string         { return wc.id }
func (wc *workerContext) Role() string       { return wc.role }
func (wc *workerContext) MasterArgs() Args   { return wc.args }
func (wc *workerContext) Log() *logrus.Entry { return wc.log }
