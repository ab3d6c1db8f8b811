// Package task provides a small errgroup-based runner for the named
// worker goroutines the Supervisor owns: Reader, Parser, Builder, MemMgr,
// Checkpoint, and Writer.
package task

import (
	"context"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"
)

// Group is a set of tasks executed concurrently and waited on together.
// The first task to return a non-nil error cancels the Group's Context;
// every queued task should observe that cancellation and return promptly.
// Group is not itself safe for concurrent use.
type Group struct {
	ctx      context.Context
	cancelFn context.CancelFunc

	tasks   []task
	eg      *errgroup.Group
	started bool
}

type task struct {
	desc string
	fn   func() error
}

// NewGroup returns an empty Group deriving its Context from ctx.
func NewGroup(ctx context.Context) *Group {
	ctx, cancel := context.WithCancel(ctx)
	eg, ctx := errgroup.WithContext(ctx)
	return &Group{ctx: ctx, eg: eg, cancelFn: cancel}
}

// Context returns the Group's Context, cancelled on first task failure,
// an explicit Cancel, or cancellation of the parent Context.
func (g *Group) Context() context.Context { return g.ctx }

// Cancel the Group's Context directly, for the Supervisor's hard-stop path.
func (g *Group) Cancel() { g.cancelFn() }

// Queue a named function for execution. Panics if called after GoRun.
func (g *Group) Queue(desc string, fn func() error) {
	if g.started {
		panic("Queue called after GoRun")
	}
	g.tasks = append(g.tasks, task{desc: desc, fn: fn})
}

// GoRun starts every queued function in its own goroutine. May be called
// only once.
func (g *Group) GoRun() {
	if g.started {
		panic("GoRun already called")
	}
	g.started = true

	for i := range g.tasks {
		var t = g.tasks[i]
		g.eg.Go(func() error { return errors.WithMessage(t.fn(), t.desc) })
	}
}

// Wait blocks until every started task has returned, then returns the
// first non-nil error encountered (if any). Panics if called before GoRun.
func (g *Group) Wait() error {
	if !g.started {
		panic("Wait called before GoRun")
	}
	return g.eg.Wait()
}
