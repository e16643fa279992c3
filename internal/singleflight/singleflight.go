// Package singleflight coalesces concurrent loads for the same key so a
// slow backing call runs at most once per key no matter how many goroutines
// ask for it concurrently (§4.3). It is used internally by package
// readthrough to guard DataSource calls; golang.org/x/sync/singleflight is
// deliberately not used here because its Do/DoChan are single-key only and
// cannot express the mixed pending/fresh batch semantics §4.3 requires —
// see DESIGN.md.
package singleflight

import (
	"context"
	"fmt"
	"sync"
)

// Group coalesces concurrent calls for the same key K so that the supplied
// producer function runs at most once per key. Other concurrent callers
// for that key wait for the shared result.
//
// Concurrency notes:
//   - The first caller for a given key becomes the leader and runs the
//     producer.
//   - Followers wait on call.done. Publishing (val, err) happens-before
//     close(done), so reads after <-done observe the final values.
//   - Cancelling ctx in a follower unblocks only that follower; it does
//     NOT cancel the leader's producer — the leader always finishes and
//     broadcasts, so other waiters are still served (§5 "Cancellation").
//   - A panic in the producer is recovered, broadcast to all waiters as an
//     error, and re-raised in the leader's own goroutine; the pending-entry
//     map is never left poisoned (§4.3 "Failure semantics", §9).
type Group[K comparable, V any] struct {
	mu sync.Mutex
	m  map[K]*call[V]
}

type call[V any] struct {
	done chan struct{} // closed when val/err are published
	val  V
	err  error
}

// Do runs fn at most once for key. Concurrent callers with the same key
// share its result. If ctx is cancelled while waiting as a follower, Do
// returns ctx.Err() without affecting the leader or other followers.
func (g *Group[K, V]) Do(ctx context.Context, key K, fn func() (V, error)) (V, error) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*call[V])
	}
	if c, ok := g.m[key]; ok {
		done := c.done
		g.mu.Unlock()
		select {
		case <-done:
			return c.val, c.err
		case <-ctx.Done():
			var zero V
			return zero, ctx.Err()
		}
	}

	c := &call[V]{done: make(chan struct{})}
	g.m[key] = c
	g.mu.Unlock()

	return g.runProducer(key, c, fn)
}

// runProducer executes fn, publishes its result (or a recovered panic) onto
// c, removes the pending entry, and returns the published result. It is
// the leader-side half of Do.
func (g *Group[K, V]) runProducer(key K, c *call[V], fn func() (V, error)) (v V, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("singleflight: producer panic: %v", r)
			c.val, c.err = v, err
			close(c.done)
			g.mu.Lock()
			delete(g.m, key)
			g.mu.Unlock()
			panic(r)
		}
	}()

	v, err = fn()
	c.val, c.err = v, err
	close(c.done)

	g.mu.Lock()
	delete(g.m, key)
	g.mu.Unlock()

	return v, err
}

// GetBatch coalesces a batch of keys against in-flight single-key and
// batch loads. Keys already pending (from a concurrent Do or GetBatch)
// join their existing call instead of triggering a duplicate producer
// call; keys newly claimed by this invocation (including duplicate keys
// within the same keys slice) are grouped into one producer call.
//
// fn receives the de-duplicated, newly-claimed keys and must return one
// result per key in that same order. The returned results and errs slices
// are aligned to the original keys input, preserving order and length
// (§4.2 "Batch outputs are length- and order-aligned to inputs", §8
// property 8). This single code path replaces the "otherwise (mixed)"
// branch the source spec left unfinished (§4.3, §9): whether a key was
// already pending or newly claimed, it is gathered from its call the same
// way, so overlapping in-flight keys never trigger a duplicate source call.
func (g *Group[K, V]) GetBatch(ctx context.Context, keys []K, fn func(ctx context.Context, newKeys []K) ([]V, error)) (results []V, errs []error) {
	g.mu.Lock()
	if g.m == nil {
		g.m = make(map[K]*call[V])
	}

	calls := make([]*call[V], len(keys))
	claimed := make(map[K]*call[V], len(keys))
	var newKeys []K
	var newCalls []*call[V]

	for i, k := range keys {
		if c, ok := claimed[k]; ok {
			calls[i] = c
			continue
		}
		if c, ok := g.m[k]; ok {
			calls[i] = c
			claimed[k] = c
			continue
		}
		c := &call[V]{done: make(chan struct{})}
		g.m[k] = c
		calls[i] = c
		claimed[k] = c
		newKeys = append(newKeys, k)
		newCalls = append(newCalls, c)
	}
	g.mu.Unlock()

	if len(newKeys) > 0 {
		g.runBatchProducer(ctx, newKeys, newCalls, fn)
	}

	results = make([]V, len(keys))
	errs = make([]error, len(keys))
	for i, c := range calls {
		select {
		case <-c.done:
			results[i], errs[i] = c.val, c.err
		case <-ctx.Done():
			errs[i] = ctx.Err()
		}
	}
	return results, errs
}

// runBatchProducer calls fn once for newKeys, publishes each result (or a
// recovered panic, or a length mismatch) onto its call, and removes every
// entry from the pending map regardless of outcome — a producer failure
// (error or panic) must never leave a pending entry behind, or later
// callers for the same key would wait forever (§4.3, §9).
func (g *Group[K, V]) runBatchProducer(ctx context.Context, newKeys []K, newCalls []*call[V], fn func(context.Context, []K) ([]V, error)) {
	defer func() {
		if r := recover(); r != nil {
			g.publishBatchError(newKeys, newCalls, fmt.Errorf("singleflight: producer panic: %v", r))
			panic(r)
		}
	}()

	vals, err := fn(ctx, newKeys)
	if err != nil {
		g.publishBatchError(newKeys, newCalls, err)
		return
	}
	if len(vals) != len(newKeys) {
		g.publishBatchError(newKeys, newCalls, fmt.Errorf("singleflight: producer returned %d results for %d keys", len(vals), len(newKeys)))
		return
	}

	g.mu.Lock()
	for i, k := range newKeys {
		newCalls[i].val = vals[i]
		close(newCalls[i].done)
		delete(g.m, k)
	}
	g.mu.Unlock()
}

func (g *Group[K, V]) publishBatchError(newKeys []K, newCalls []*call[V], err error) {
	g.mu.Lock()
	for i, k := range newKeys {
		newCalls[i].err = err
		close(newCalls[i].done)
		delete(g.m, k)
	}
	g.mu.Unlock()
}
