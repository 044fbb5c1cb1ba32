// Package cluster runs a program as a supervised pool of worker processes.
//
// The program creates a Cluster with New and calls Run. In the master Run
// executes the optional master callback, spawns the workers by re-executing
// the binary, replaces workers that die while the pool lifetime lasts and
// stops them on SIGINT or SIGTERM, killing those that outlive the grace
// period. In a worker Run fetches the master arguments and calls the start
// callback of the worker role.
//
//	opts := cluster.DefaultOptions()
//	opts.Workers = 4
//	opts.Start = func(ctx cluster.WorkerContext) cluster.Result {
//		return cluster.Defer(func(ctx context.Context) (interface{}, error) {
//			return nil, serve(ctx)
//		})
//	}
//	c, err := cluster.New(opts)
//	if err != nil {
//		log.Fatal(err)
//	}
//	if err := c.Run(context.Background()); err != nil {
//		log.Fatal(err)
//	}
package cluster
