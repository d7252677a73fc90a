package environment

import (
	"context"
	"errors"
)

// ErrNoEnvironment is returned by Require outside of a dispatch.
var ErrNoEnvironment = errors.New("environment: no execution environment in context")

type contextKey struct{}

// With returns a copy of ctx carrying env. Everything downstream of the
// returned context, including goroutines started with it, resolves env.
func With(ctx context.Context, env *Environment) context.Context {
	return context.WithValue(ctx, contextKey{}, env)
}

// FromContext returns the environment carried by ctx, or nil.
func FromContext(ctx context.Context) *Environment {
	if ctx == nil {
		return nil
	}
	env, _ := ctx.Value(contextKey{}).(*Environment)
	return env
}

// Require returns the environment carried by ctx, or ErrNoEnvironment.
func Require(ctx context.Context) (*Environment, error) {
	if env := FromContext(ctx); env != nil {
		return env, nil
	}
	return nil, ErrNoEnvironment
}

// Run calls fn with a context carrying env.
func Run(ctx context.Context, env *Environment, fn func(ctx context.Context) error) error {
	return fn(With(ctx, env))
}

// After registers a deferred function on the environment carried by ctx.
func After(ctx context.Context, fn DeferredFunc) (string, error) {
	env, err := Require(ctx)
	if err != nil {
		return "", err
	}
	return env.After(fn), nil
}
