// Package partitioned shards a genstore.Store or a
// readthrough.ReadThroughGenerational across N independent partitions
// selected by a hash of the key, scaling read/update throughput across
// cores by reducing lock contention (§4.4).
package partitioned

import (
	"context"
	"sync/atomic"
	"time"

	"github.com/localcache/genstore/genstore"
	"github.com/localcache/genstore/internal/util"
	"github.com/localcache/genstore/readthrough"
)

// router picks a partition index for a key. For power-of-two partition
// counts it masks (h & (n-1)); otherwise it falls back to the generic
// modulus. Partition assignment for a given key is stable for the life of
// the process (§4.4).
type router[K comparable] struct {
	n    int
	hash func(K) uint64
}

func newRouter[K comparable](n int, hash func(K) uint64) router[K] {
	if n < 1 {
		n = 1
	}
	if hash == nil {
		hash = util.DefaultHash[K]
	}
	return router[K]{n: n, hash: hash}
}

func (r router[K]) index(k K) int {
	return util.PartitionIndex(r.hash(k), r.n)
}

func defaultPartitionCount(n int) int {
	if n < 1 {
		return util.DefaultPartitionCount()
	}
	return n
}

func gen0LimitPerPartition(total, n int) int {
	if total <= 0 {
		return 0
	}
	return (total + n - 1) / n
}

// Store shards a genstore.Store across N partitions. It has no notion of a
// backing data source — use Cache for the read-through variant.
type Store[K comparable, V any] struct {
	shards []*genstore.Store[K, V]
	router router[K]
	closed atomic.Bool
}

// Options configures a partitioned Store or Cache.
type Options[K comparable, V any] struct {
	// Gen0Limit is the TOTAL Gen0 entry count across all partitions; it
	// is split evenly (ceil) the way the teacher this package is
	// grounded on splits Capacity across shards. 0 means unset.
	Gen0Limit int

	// TimeToLive, Clock, and Metrics are forwarded unmodified to every
	// partition's genstore.Config.
	TimeToLive time.Duration
	Clock      genstore.Clock
	Metrics    genstore.Metrics

	// Partitions is the partition count. 0 means auto: the number of
	// hardware threads (§6).
	Partitions int

	// Hash overrides the default FNV-1a key hash used for routing.
	Hash func(K) uint64
}

// NewStore constructs a partitioned Store. Each partition is an
// independent genstore.Store built from a per-partition slice of opt.
func NewStore[K comparable, V any](opt Options[K, V]) (*Store[K, V], error) {
	n := defaultPartitionCount(opt.Partitions)
	perPartition := gen0LimitPerPartition(opt.Gen0Limit, n)

	shards := make([]*genstore.Store[K, V], n)
	for i := range shards {
		s, err := genstore.New(genstore.Config[K, V]{
			Gen0Limit:  perPartition,
			TimeToLive: opt.TimeToLive,
			Clock:      opt.Clock,
			Metrics:    opt.Metrics,
		})
		if err != nil {
			return nil, err
		}
		shards[i] = s
	}

	return &Store[K, V]{shards: shards, router: newRouter(n, opt.Hash)}, nil
}

func (p *Store[K, V]) shardFor(k K) *genstore.Store[K, V] {
	return p.shards[p.router.index(k)]
}

func (p *Store[K, V]) Get(k K) (genstore.Optional[V], bool) {
	if p.closed.Load() {
		return genstore.Optional[V]{}, false
	}
	return p.shardFor(k).Get(k)
}

func (p *Store[K, V]) Set(k K, v V) {
	if p.closed.Load() {
		return
	}
	p.shardFor(k).Set(k, v)
}

func (p *Store[K, V]) Invalidate(k K) {
	if p.closed.Load() {
		return
	}
	p.shardFor(k).Invalidate(k)
}

// InvalidateMany groups keys by partition so each partition's
// InvalidateMany still runs under a single lock acquisition per §4.1.
func (p *Store[K, V]) InvalidateMany(keys []K) {
	if p.closed.Load() {
		return
	}
	byShard := make(map[int][]K)
	for _, k := range keys {
		idx := p.router.index(k)
		byShard[idx] = append(byShard[idx], k)
	}
	for idx, ks := range byShard {
		p.shards[idx].InvalidateMany(ks)
	}
}

func (p *Store[K, V]) Clear() {
	if p.closed.Load() {
		return
	}
	for _, s := range p.shards {
		s.Clear()
	}
}

func (p *Store[K, V]) ForceCollect() {
	if p.closed.Load() {
		return
	}
	for _, s := range p.shards {
		s.ForceCollect()
	}
}

// Count sums resident entries across every partition (§6).
func (p *Store[K, V]) Count() int {
	n := 0
	for _, s := range p.shards {
		n += s.Count()
	}
	return n
}

// OnInvalidated fans every partition's Invalidated event up to fn.
func (p *Store[K, V]) OnInvalidated(fn func(K)) (unsubscribe func()) {
	unsubs := make([]func(), len(p.shards))
	for i, s := range p.shards {
		unsubs[i] = s.OnInvalidated(fn)
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// OnEvicted fans every partition's Evicted event up to fn.
func (p *Store[K, V]) OnEvicted(fn func(map[K]genstore.Optional[V])) (unsubscribe func()) {
	unsubs := make([]func(), len(p.shards))
	for i, s := range p.shards {
		unsubs[i] = s.OnEvicted(fn)
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Close closes every partition's Store. Idempotent: a second Close is a
// no-op.
func (p *Store[K, V]) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, s := range p.shards {
		if err := s.Close(); err != nil {
			return err
		}
	}
	return nil
}

// Cache shards a readthrough.ReadThroughGenerational across N partitions.
type Cache[K comparable, V any] struct {
	shards []*readthrough.ReadThroughGenerational[K, V]
	router router[K]
	closed atomic.Bool
}

// NewCache constructs a partitioned Cache. Each partition owns an
// independent ReadThroughGenerational sharing the same DataSource, with a
// per-partition Gen0Limit split evenly from opt.Gen0Limit.
func NewCache[K comparable, V any](opt Options[K, V], source readthrough.DataSource[K, V]) (*Cache[K, V], error) {
	n := defaultPartitionCount(opt.Partitions)
	perPartition := gen0LimitPerPartition(opt.Gen0Limit, n)

	shards := make([]*readthrough.ReadThroughGenerational[K, V], n)
	for i := range shards {
		rt, err := readthrough.New(genstore.Config[K, V]{
			Gen0Limit:  perPartition,
			TimeToLive: opt.TimeToLive,
			Clock:      opt.Clock,
			Metrics:    opt.Metrics,
		}, source)
		if err != nil {
			return nil, err
		}
		shards[i] = rt
	}

	return &Cache[K, V]{shards: shards, router: newRouter(n, opt.Hash)}, nil
}

func (p *Cache[K, V]) shardFor(k K) *readthrough.ReadThroughGenerational[K, V] {
	return p.shards[p.router.index(k)]
}

func (p *Cache[K, V]) Get(ctx context.Context, k K) (genstore.Optional[V], error) {
	if p.closed.Load() {
		return genstore.Optional[V]{}, nil
	}
	return p.shardFor(k).Get(ctx, k)
}

func (p *Cache[K, V]) GetAsync(ctx context.Context, k K) <-chan readthrough.Result[V] {
	return p.shardFor(k).GetAsync(ctx, k)
}

// GetBatch groups keys by partition, dispatches one GetBatch call per
// touched partition concurrently, and reassembles results in the original
// input order (§8 property 8 still holds across partition boundaries).
func (p *Cache[K, V]) GetBatch(ctx context.Context, keys []K) ([]genstore.Optional[V], error) {
	if p.closed.Load() {
		return make([]genstore.Optional[V], len(keys)), nil
	}
	type group struct {
		idxs []int
		keys []K
	}
	byShard := make(map[int]*group)
	for i, k := range keys {
		s := p.router.index(k)
		g := byShard[s]
		if g == nil {
			g = &group{}
			byShard[s] = g
		}
		g.idxs = append(g.idxs, i)
		g.keys = append(g.keys, k)
	}

	results := make([]genstore.Optional[V], len(keys))
	type outcome struct {
		idxs []int
		vals []genstore.Optional[V]
		err  error
	}
	outcomes := make(chan outcome, len(byShard))
	for shardIdx, g := range byShard {
		shardIdx, g := shardIdx, g
		go func() {
			vals, err := p.shards[shardIdx].GetBatch(ctx, g.keys)
			outcomes <- outcome{idxs: g.idxs, vals: vals, err: err}
		}()
	}

	var firstErr error
	for range byShard {
		o := <-outcomes
		if o.err != nil {
			if firstErr == nil {
				firstErr = o.err
			}
			continue
		}
		for j, idx := range o.idxs {
			results[idx] = o.vals[j]
		}
	}
	if firstErr != nil {
		return results, firstErr
	}
	return results, nil
}

func (p *Cache[K, V]) GetBatchAsync(ctx context.Context, keys []K) <-chan readthrough.BatchResult[V] {
	ch := make(chan readthrough.BatchResult[V], 1)
	go func() {
		vs, err := p.GetBatch(ctx, keys)
		ch <- readthrough.BatchResult[V]{Values: vs, Err: err}
		close(ch)
	}()
	return ch
}

func (p *Cache[K, V]) Invalidate(k K) {
	if p.closed.Load() {
		return
	}
	p.shardFor(k).Invalidate(k)
}

func (p *Cache[K, V]) InvalidateMany(keys []K) {
	if p.closed.Load() {
		return
	}
	byShard := make(map[int][]K)
	for _, k := range keys {
		idx := p.router.index(k)
		byShard[idx] = append(byShard[idx], k)
	}
	for idx, ks := range byShard {
		p.shards[idx].InvalidateMany(ks)
	}
}

func (p *Cache[K, V]) Clear() {
	if p.closed.Load() {
		return
	}
	for _, s := range p.shards {
		s.Clear()
	}
}

func (p *Cache[K, V]) ForceCollect() {
	if p.closed.Load() {
		return
	}
	for _, s := range p.shards {
		s.ForceCollect()
	}
}

func (p *Cache[K, V]) Count() int {
	n := 0
	for _, s := range p.shards {
		n += s.Count()
	}
	return n
}

func (p *Cache[K, V]) OnInvalidated(fn func(K)) (unsubscribe func()) {
	unsubs := make([]func(), len(p.shards))
	for i, s := range p.shards {
		unsubs[i] = s.Store().OnInvalidated(fn)
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func (p *Cache[K, V]) OnEvicted(fn func(map[K]genstore.Optional[V])) (unsubscribe func()) {
	unsubs := make([]func(), len(p.shards))
	for i, s := range p.shards {
		unsubs[i] = s.Store().OnEvicted(fn)
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

// Close closes every partition's ReadThroughGenerational. Idempotent: a
// second Close is a no-op.
func (p *Cache[K, V]) Close() error {
	if !p.closed.CompareAndSwap(false, true) {
		return nil
	}
	for _, s := range p.shards {
		if err := s.Close(); err != nil {
			return err
		}
	}
	return nil
}
