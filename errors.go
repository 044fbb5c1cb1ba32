package cluster

import "github.com/pkg/errors"

var (
	// ErrStartRequired is returned by New when neither a generic nor
	// a dedicated start callback is configured.
	ErrStartRequired = errors.New("cluster: start callback is required")
	// ErrAlreadyStarted is returned by Run on a handle that has already been run.
	ErrAlreadyStarted = errors.New("cluster: already started")
	// ErrMasterFailed wraps the failure of the master initialization callback.
	ErrMasterFailed = errors.New("cluster: master failed to start")
	// ErrInlineWorkerFailed is returned when the generic start callback fails
	// while it runs inline in the master process.
	ErrInlineWorkerFailed = errors.New("cluster: inline worker failed to start")
	// ErrWorkerExit may be returned by a deferred start callback to end
	// the worker with a zero exit status.
	ErrWorkerExit = errors.New("cluster: worker exit requested")
)
