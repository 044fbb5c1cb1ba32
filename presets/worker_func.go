package presets

import (
	"context"

	"github.com/lancer-kit/cluster"
)

// WorkerFunc is a worker body that consist from one function.
// It must return once the context is done.
type WorkerFunc func(ctx cluster.WorkerContext) error

// Func allows to use the function as the start callback of a worker.
// The worker is started as soon as `fn` is called.
func Func(fn WorkerFunc) cluster.StartFunc {
	return func(ctx cluster.WorkerContext) cluster.Result {
		return cluster.Defer(func(context.Context) (interface{}, error) {
			return nil, fn(ctx)
		})
	}
}
