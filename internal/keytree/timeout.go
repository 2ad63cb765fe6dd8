package keytree

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// WithTimeout bounds every one-shot operation on t by d. A deadline hit is
// reported as ErrUnavailable. Subscriptions are long-lived and not bounded.
func WithTimeout(t Tree, d time.Duration) Tree {
	if d <= 0 {
		return t
	}
	return &timeoutTree{next: t, d: d}
}

type timeoutTree struct {
	next Tree
	d    time.Duration
}

func (t *timeoutTree) Get(ctx context.Context, path string) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	s, err := t.next.Get(ctx, path)
	return s, deadline(ctx, err)
}

func (t *timeoutTree) Set(ctx context.Context, path string, v any) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return deadline(ctx, t.next.Set(ctx, path, v))
}

func (t *timeoutTree) Update(ctx context.Context, path string, fields map[string]any) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return deadline(ctx, t.next.Update(ctx, path, fields))
}

func (t *timeoutTree) Push(ctx context.Context, path string, v any) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	k, err := t.next.Push(ctx, path, v)
	return k, deadline(ctx, err)
}

func (t *timeoutTree) Remove(ctx context.Context, path string) error {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	return deadline(ctx, t.next.Remove(ctx, path))
}

func (t *timeoutTree) Transact(ctx context.Context, path string, fn func(cur Snapshot) (any, error)) (Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, t.d)
	defer cancel()
	s, err := t.next.Transact(ctx, path, fn)
	return s, deadline(ctx, err)
}

func (t *timeoutTree) Subscribe(ctx context.Context, path string) (<-chan Snapshot, error) {
	return t.next.Subscribe(ctx, path)
}

func deadline(ctx context.Context, err error) error {
	if err == nil || errors.Is(err, ErrUnavailable) {
		return err
	}
	if errors.Is(err, context.DeadlineExceeded) && errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	return err
}
