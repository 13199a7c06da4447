// Package workgroup runs a set of context-scoped workers and collects the
// first error to occur among them. A worker returning an error cancels the
// shared context handed to its peers.
package workgroup

import (
	"context"

	"golang.org/x/sync/errgroup"
)

// Group owns a set of workers bound to a shared context.
type Group struct {
	group *errgroup.Group
	ctx   context.Context
}

// WithContext creates a Group whose workers are bound to ctx.
func WithContext(ctx context.Context) *Group {
	g, gctx := errgroup.WithContext(ctx)
	return &Group{group: g, ctx: gctx}
}

// Work starts fn as a worker under the group's context.
func (g *Group) Work(fn func(context.Context) error) {
	g.group.Go(func() error {
		return fn(g.ctx)
	})
}

// Wait blocks until all workers return and yields the first error among
// them, if any.
func (g *Group) Wait() error {
	return g.group.Wait()
}
