// Package dedup collapses repeated {key, operation} requests. Concurrent
// callers share one in-flight call and callers arriving shortly after it
// completes receive the same result.
package dedup

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/subscriber-dash/authcore/internal/logging"
)

// DefaultWindow is how long a completed result is replayed.
const DefaultWindow = 5 * time.Second

// ResultStore keeps encoded results for the replay window.
type ResultStore interface {
	Load(ctx context.Context, key string) ([]byte, bool, error)
	Save(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// Group deduplicates calls producing a T. T must survive a JSON round trip
// when the store is shared between processes.
type Group[T any] struct {
	store  ResultStore
	window time.Duration
	logger *slog.Logger
	flight singleflight.Group
}

// NewGroup builds a Group over store. A nil store only coalesces in-flight calls.
func NewGroup[T any](store ResultStore, window time.Duration, logger *slog.Logger) *Group[T] {
	if window <= 0 {
		window = DefaultWindow
	}
	if logger == nil {
		logger = logging.Discard()
	}
	return &Group[T]{store: store, window: window, logger: logger}
}

type outcome[T any] struct {
	value  T
	replay bool
}

// Do runs fn once per operation and key within the window. shared reports
// that the caller received a result produced for another request. Errors
// are returned to every waiting caller but are never replayed.
//
// fn runs detached from the cancellation of whichever caller started it. A
// caller whose ctx is done stops waiting and gets ctx.Err(); the others
// still receive the result.
func (g *Group[T]) Do(ctx context.Context, operation, key string, fn func(context.Context) (T, error)) (T, bool, error) {
	k := operation + ":" + key
	if v, ok := g.load(ctx, k); ok {
		return v, true, nil
	}

	flightCtx := context.WithoutCancel(ctx)
	ch := g.flight.DoChan(k, func() (any, error) {
		if v, ok := g.load(flightCtx, k); ok {
			return outcome[T]{value: v, replay: true}, nil
		}
		v, err := fn(flightCtx)
		if err != nil {
			return nil, err
		}
		g.save(flightCtx, k, v)
		return outcome[T]{value: v}, nil
	})

	var zero T
	select {
	case <-ctx.Done():
		return zero, false, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			return zero, r.Shared, r.Err
		}
		out := r.Val.(outcome[T])
		return out.value, r.Shared || out.replay, nil
	}
}

func (g *Group[T]) load(ctx context.Context, key string) (T, bool) {
	var zero T
	if g.store == nil {
		return zero, false
	}
	raw, ok, err := g.store.Load(ctx, key)
	if err != nil {
		g.logger.Warn("dedup lookup failed", slog.String("key", key), slog.Any("error", err))
		return zero, false
	}
	if !ok {
		return zero, false
	}
	var v T
	if err := json.Unmarshal(raw, &v); err != nil {
		g.logger.Warn("dedup entry unreadable", slog.String("key", key), slog.Any("error", err))
		return zero, false
	}
	return v, true
}

func (g *Group[T]) save(ctx context.Context, key string, v T) {
	if g.store == nil {
		return
	}
	raw, err := json.Marshal(v)
	if err != nil {
		g.logger.Warn("dedup encode failed", slog.String("key", key), slog.Any("error", err))
		return
	}
	if err := g.store.Save(ctx, key, raw, g.window); err != nil {
		g.logger.Warn("dedup persist failed", slog.String("key", key), slog.Any("error", err))
	}
}
