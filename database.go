package main

import (
	"context"

	"github.com/example/lakebase/internal/lakebase"
)

// Executor runs statements inside one connection scope.
type Executor interface {
	Execute(ctx context.Context, statement string, params ...any) (lakebase.Outcome, error)
}

// Database opens a connection scope per logical operation.
type Database interface {
	WithConnection(ctx context.Context, fn func(Executor) error) error
}

type lakebaseDB struct {
	factory *lakebase.Factory
}

func (d lakebaseDB) WithConnection(ctx context.Context, fn func(Executor) error) error {
	return d.factory.WithConnection(ctx, func(s *lakebase.Scope) error { return fn(s) })
}
