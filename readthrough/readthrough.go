// Package readthrough wraps a genstore.Store with load-on-miss against a
// pluggable DataSource, single-flighting concurrent loads for the same key
// and memoizing absence (negative caching) the same way a present value is
// memoized — both are genstore.Optional values (§4.2).
package readthrough

import (
	"context"
	"sync/atomic"

	"github.com/localcache/genstore/genstore"
	"github.com/localcache/genstore/internal/singleflight"
)

// DataSource is the pluggable backing collaborator a ReadThroughGenerational
// calls on a miss. It is the only thing outside this module's scope (§1) —
// a database, a remote service, or another cache.
//
// Get and GetBatch both take a context so a single algorithm serves both
// the synchronous and "asynchronous" call styles (§9): GetAsync/
// GetBatchAsync on ReadThroughGenerational are goroutine wrappers around
// these same methods, not a second code path.
type DataSource[K comparable, V any] interface {
	// Get fetches the value for k, or an absent Optional if k has no
	// value in the source. A non-nil error means the call failed;
	// nothing is cached in that case (§4.5, §7).
	Get(ctx context.Context, k K) (genstore.Optional[V], error)

	// GetBatch fetches values for keys, aligned to keys by index and
	// length (§4.2, §8 property 8). A non-nil error fails the whole
	// batch call; nothing from it is cached.
	GetBatch(ctx context.Context, keys []K) ([]genstore.Optional[V], error)
}

// InvalidationSource is an optional capability a DataSource may implement
// to push invalidations upstream of the cache (§4.2 "Invalidation
// propagation", §6). If the DataSource passed to New implements it,
// New subscribes automatically; every source invalidation becomes a local
// Store.Invalidate call, re-emitted as this cache's own Invalidated event.
type InvalidationSource[K comparable] interface {
	// Subscribe registers fn to be called once per source-side
	// invalidation. The returned unsubscribe function removes it.
	Subscribe(fn func(k K)) (unsubscribe func())
}

// ReadThroughGenerational wraps a genstore.Store over a DataSource,
// performing load-on-miss outside the store's critical section (§4.2, §5
// "Critical-section rule") and coalescing concurrent loads for the same
// key via singleflight (§4.3).
type ReadThroughGenerational[K comparable, V any] struct {
	store  *genstore.Store[K, V]
	source DataSource[K, V]
	sf     singleflight.Group[K, genstore.Optional[V]]

	unsubscribeSource func()
	closed            atomic.Bool
}

// New constructs a ReadThroughGenerational over a freshly built Store
// (per cfg) and source. Construction fails only for the configuration
// errors genstore.New can return (§7).
func New[K comparable, V any](cfg genstore.Config[K, V], source DataSource[K, V]) (*ReadThroughGenerational[K, V], error) {
	store, err := genstore.New(cfg)
	if err != nil {
		return nil, err
	}
	return Wrap(store, source), nil
}

// Wrap builds a ReadThroughGenerational over an already-constructed Store.
// Useful when the store is constructed separately from the read-through
// wrapper.
func Wrap[K comparable, V any](store *genstore.Store[K, V], source DataSource[K, V]) *ReadThroughGenerational[K, V] {
	rt := &ReadThroughGenerational[K, V]{store: store, source: source}
	if is, ok := source.(InvalidationSource[K]); ok {
		rt.unsubscribeSource = is.Subscribe(func(k K) {
			store.Invalidate(k)
		})
	}
	return rt
}

// Store returns the underlying Store, e.g. to subscribe to Invalidated/
// Evicted or call Count/ForceCollect directly.
func (rt *ReadThroughGenerational[K, V]) Store() *genstore.Store[K, V] { return rt.store }

// Get implements the load pattern of §4.2: probe under lock, release,
// call the source (via singleflight), reacquire and reconcile.
func (rt *ReadThroughGenerational[K, V]) Get(ctx context.Context, k K) (genstore.Optional[V], error) {
	if rt.closed.Load() {
		return genstore.Optional[V]{}, nil
	}
	v, found, version := rt.store.Probe(k)
	if found {
		return v, nil
	}

	loaded, err := rt.sf.Do(ctx, k, func() (genstore.Optional[V], error) {
		return rt.source.Get(ctx, k)
	})
	if err != nil {
		var zero genstore.Optional[V]
		return zero, err
	}
	return rt.store.CommitLoad(k, version, loaded), nil
}

// GetAsync runs Get on a goroutine and returns a channel with its single
// result. It shares Get's algorithm entirely (§9): there is no duplicated
// async code path.
func (rt *ReadThroughGenerational[K, V]) GetAsync(ctx context.Context, k K) <-chan Result[V] {
	ch := make(chan Result[V], 1)
	go func() {
		v, err := rt.Get(ctx, k)
		ch <- Result[V]{Value: v, Err: err}
		close(ch)
	}()
	return ch
}

// Result is the payload of a GetAsync/GetBatchAsync channel.
type Result[V any] struct {
	Value genstore.Optional[V]
	Err   error
}

// GetBatch implements the three-phase batch algorithm of §4.2: probe each
// key (one lock acquisition per key, not one for the whole batch), keeping
// the store version seen at the first miss, call the source once for the
// misses outside any lock, then reconcile each loaded result
// individually against the store (racing inserts win, never get
// overwritten). The returned slice is aligned to keys by index and length
// regardless of hits, misses, or per-key source failures (§8 property 8).
func (rt *ReadThroughGenerational[K, V]) GetBatch(ctx context.Context, keys []K) ([]genstore.Optional[V], error) {
	if rt.closed.Load() {
		return make([]genstore.Optional[V], len(keys)), nil
	}
	results := make([]genstore.Optional[V], len(keys))
	var missedKeys []K
	var missedIdx []int
	var version uint64

	for i, k := range keys {
		v, found, ver := rt.store.Probe(k)
		if found {
			results[i] = v
			continue
		}
		if len(missedKeys) == 0 {
			version = ver
		}
		missedKeys = append(missedKeys, k)
		missedIdx = append(missedIdx, i)
	}

	if len(missedKeys) == 0 {
		return results, nil
	}

	loaded, errs := rt.sf.GetBatch(ctx, missedKeys, func(ctx context.Context, nk []K) ([]genstore.Optional[V], error) {
		return rt.source.GetBatch(ctx, nk)
	})

	for j, idx := range missedIdx {
		if errs[j] != nil {
			// Per-key source failure: leave this slot absent without
			// caching it as negative (§4.5, §7). The batch as a whole
			// still succeeds for every other key.
			continue
		}
		results[idx] = rt.store.CommitLoad(missedKeys[j], version, loaded[j])
	}
	return results, nil
}

// GetBatchAsync runs GetBatch on a goroutine and returns a channel with its
// single result.
func (rt *ReadThroughGenerational[K, V]) GetBatchAsync(ctx context.Context, keys []K) <-chan BatchResult[V] {
	ch := make(chan BatchResult[V], 1)
	go func() {
		vs, err := rt.GetBatch(ctx, keys)
		ch <- BatchResult[V]{Values: vs, Err: err}
		close(ch)
	}()
	return ch
}

// BatchResult is the payload of a GetBatchAsync channel.
type BatchResult[V any] struct {
	Values []genstore.Optional[V]
	Err    error
}

// Invalidate, InvalidateMany, Clear, and ForceCollect delegate to the
// underlying Store, but become no-ops once Close has been called.
func (rt *ReadThroughGenerational[K, V]) Invalidate(k K) {
	if rt.closed.Load() {
		return
	}
	rt.store.Invalidate(k)
}

func (rt *ReadThroughGenerational[K, V]) InvalidateMany(ks []K) {
	if rt.closed.Load() {
		return
	}
	rt.store.InvalidateMany(ks)
}

func (rt *ReadThroughGenerational[K, V]) Clear() {
	if rt.closed.Load() {
		return
	}
	rt.store.Clear()
}

func (rt *ReadThroughGenerational[K, V]) ForceCollect() {
	if rt.closed.Load() {
		return
	}
	rt.store.ForceCollect()
}

// Count delegates to the underlying Store unchanged.
func (rt *ReadThroughGenerational[K, V]) Count() int { return rt.store.Count() }

// Close unsubscribes from the DataSource's invalidation signal (if any)
// and stops the store's periodic collector. Idempotent: a second Close is
// a no-op.
func (rt *ReadThroughGenerational[K, V]) Close() error {
	if !rt.closed.CompareAndSwap(false, true) {
		return nil
	}
	if rt.unsubscribeSource != nil {
		rt.unsubscribeSource()
	}
	return rt.store.Close()
}
