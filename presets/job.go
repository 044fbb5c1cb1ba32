package presets

import (
	"time"

	"github.com/lancer-kit/cluster"
)

// Job returns a start callback of a worker that performs an `action`
// with a given period until the worker is stopped. An error of the
// `action` fails the worker.
func Job(period time.Duration, action WorkerFunc) cluster.StartFunc {
	return Func(func(ctx cluster.WorkerContext) error {
		ticker := time.NewTicker(period)
		defer ticker.Stop()

		for {
			select {
			case <-ticker.C:
				if err := action(ctx); err != nil {
					return err
				}
			case <-ctx.Done():
				return nil
			}
		}
	})
}
