// Package group runs per-starter work concurrently with panic recovery
package group

import (
	"context"
	"fmt"
	"runtime/debug"

	"golang.org/x/sync/errgroup"

	"github.com/starterkit/starterkit/pkg/logger"
)

// SafeGroup wraps errgroup.Group and turns a panicking task into an error.
// Unlike errgroup.WithContext it never cancels siblings: every task runs to
// completion and Wait returns nil. Callers record per-task errors themselves.
type SafeGroup struct {
	group  errgroup.Group
	logger logger.Logger
}

// NewSafeGroup creates a group. limit <= 0 means no concurrency limit.
func NewSafeGroup(log logger.Logger, limit int) *SafeGroup {
	if log == nil {
		log = logger.Discard()
	}
	sg := &SafeGroup{logger: log}
	if limit > 0 {
		sg.group.SetLimit(limit)
	}
	return sg
}

// Go runs fn in a new goroutine. The error returned by fn, or the recovered
// panic, is passed to done.
func (sg *SafeGroup) Go(fn func() error, done func(error)) {
	sg.group.Go(func() error {
		done(sg.call(fn))
		return nil
	})
}

// Wait blocks until every task has finished
func (sg *SafeGroup) Wait() {
	_ = sg.group.Wait()
}

func (sg *SafeGroup) call(fn func() error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			sg.logger.Error("Goroutine panic recovered",
				logger.WithField("panic", r),
				logger.WithField("stack_trace", string(debug.Stack())))
			err = fmt.Errorf("goroutine panic: %v", r)
		}
	}()
	return fn()
}

// Run executes fn for every index in [0, n) and waits. The returned slice
// holds each task's error at its index.
func Run(ctx context.Context, log logger.Logger, limit, n int, fn func(ctx context.Context, i int) error) []error {
	errs := make([]error, n)
	sg := NewSafeGroup(log, limit)
	for i := 0; i < n; i++ {
		sg.Go(func() error {
			return fn(ctx, i)
		}, func(err error) {
			errs[i] = err
		})
	}
	sg.Wait()
	return errs
}
