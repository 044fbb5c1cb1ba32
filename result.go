package cluster

import (
	"context"
	"fmt"

	"github.com/pkg/errors"
)

type resultKind int

const (
	resultDone resultKind = iota
	resultValue
	resultFail
	resultDefer
)

// DeferFunc is a deferred part of a callback. It runs in its own goroutine
// and must return once its context is cancelled.
type DeferFunc func(ctx context.Context) (interface{}, error)

// Result is the outcome of a master or start callback.
type Result struct {
	kind  resultKind
	value interface{}
	err   error
	fn    DeferFunc
}

// Done reports a completed callback without a value.
func Done() Result { return Result{kind: resultDone} }

// Value reports a completed callback with the value `v`. A master value
// becomes the master arguments, falsy values ("", 0, false) are dropped.
func Value(v interface{}) Result { return Result{kind: resultValue, value: v} }

// Fail reports a failed callback.
func Fail(err error) Result {
	if err == nil {
		err = errors.New("failed without error")
	}
	return Result{kind: resultFail, err: err}
}

// Defer reports a callback that continues in `fn`.
func Defer(fn DeferFunc) Result {
	if fn == nil {
		return Done()
	}
	return Result{kind: resultDefer, fn: fn}
}

// IsDeferred reports whether the result continues asynchronously.
func (r Result) IsDeferred() bool { return r.kind == resultDefer }

// Wait resolves the result, blocking until the deferred part returns.
func (r Result) Wait(ctx context.Context) (interface{}, error) {
	out := <-r.await(ctx)
	return out.value, out.err
}

type outcome struct {
	value interface{}
	err   error
}

// await resolves the result. A deferred function is started in a new
// goroutine and its outcome is delivered to the returned channel.
func (r Result) await(ctx context.Context) <-chan outcome {
	out := make(chan outcome, 1)
	switch r.kind {
	case resultDefer:
		go func() {
			v, err := callDeferred(ctx, r.fn)
			out <- outcome{value: v, err: err}
		}()
	case resultFail:
		out <- outcome{err: r.err}
	default:
		out <- outcome{value: r.value}
	}
	return out
}

func callDeferred(ctx context.Context, fn DeferFunc) (v interface{}, err error) {
	defer recoverInto(&err)
	return fn(ctx)
}

// call invokes a callback and turns a panic into a failed result.
func call(fn func() Result) (res Result) {
	defer recoverResult(&res)
	return fn()
}

func recoverResult(res *Result) {
	if rec := recover(); rec != nil {
		*res = Fail(panicError(rec))
	}
}

func recoverInto(err *error) {
	if rec := recover(); rec != nil {
		*err = panicError(rec)
	}
}

func panicError(rec interface{}) error {
	e, ok := rec.(error)
	if !ok {
		e = fmt.Errorf("%v", rec)
	}
	return e
}
