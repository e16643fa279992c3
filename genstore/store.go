// Package genstore implements a two-generation, in-process key/value store
// inspired by generational garbage collection. Entries start in Gen0
// (young); a lookup hit in Gen1 (old) promotes the entry back into Gen0.
// A collection discards the current Gen1, demotes Gen0 into the new Gen1,
// and starts Gen0 over empty. Collections are triggered either by Gen0
// growing past a configured limit or by a periodic half-life timer.
//
// Store is a storage primitive only: it has no notion of a backing data
// source. See package readthrough for a read-through wrapper that adds
// load-on-miss and negative caching on top of Store.
package genstore

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/localcache/genstore/internal/util"
)

// Clock provides the current time as UnixNano. Overridable in tests to
// avoid timing flakiness around the periodic collector.
type Clock interface{ NowUnixNano() int64 }

type systemClock struct{}

func (systemClock) NowUnixNano() int64 { return time.Now().UnixNano() }

// EvictReason explains why an Evicted event fired.
type EvictReason int

const (
	// EvictCollection — Gen1 was discarded by a size- or time-triggered collection.
	EvictCollection EvictReason = iota
	// EvictClear — the whole store was emptied by Clear.
	EvictClear
)

// Metrics exposes store-level observability hooks. A NoopMetrics
// implementation is used when Config.Metrics is nil.
type Metrics interface {
	Hit()
	Miss()
	Promote()
	Invalidate()
	Evict(reason EvictReason, count int)
	Size(gen0, gen1 int)
}

// NoopMetrics discards every signal. It is the default when Config.Metrics
// is left nil.
type NoopMetrics struct{}

func (NoopMetrics) Hit()                   {}
func (NoopMetrics) Miss()                  {}
func (NoopMetrics) Promote()               {}
func (NoopMetrics) Invalidate()            {}
func (NoopMetrics) Evict(EvictReason, int) {}
func (NoopMetrics) Size(gen0, gen1 int)    {}

var _ Metrics = NoopMetrics{}

// Config configures a Store. The zero value is not valid: at least one of
// Gen0Limit or TimeToLive must be set (New returns ErrNoGenerationLimit
// otherwise).
type Config[K comparable, V any] struct {
	// Gen0Limit bounds Gen0's entry count. When Gen0 already holds this
	// many entries, a collection runs before the next insert, so Gen0
	// never exceeds it. 0 means unset; if set it must be >= 1.
	Gen0Limit int

	// TimeToLive, if set, starts a periodic collector that wakes every
	// TimeToLive/2 and collects if the store hasn't collected in a full
	// TimeToLive. Must be > 0 if set.
	TimeToLive time.Duration

	// Clock overrides the time source; nil uses time.Now via UnixNano.
	Clock Clock

	// Metrics receives Hit/Miss/Promote/Invalidate/Evict/Size signals.
	// nil installs NoopMetrics.
	Metrics Metrics

	// OnInvalidated, if set, is subscribed automatically at construction
	// (equivalent to calling Store.OnInvalidated after New returns).
	OnInvalidated func(K)

	// OnEvicted, if set, is subscribed automatically at construction
	// (equivalent to calling Store.OnEvicted after New returns).
	OnEvicted func(map[K]Optional[V])
}

// Store is the two-generation storage primitive described above. All
// methods are safe for concurrent use.
type Store[K comparable, V any] struct {
	mu             sync.Mutex
	gen0           map[K]Optional[V]
	gen1           map[K]Optional[V]
	version        uint64
	lastCollection int64
	cfg            Config[K, V]

	subMu           sync.Mutex
	nextSubID       uint64
	invalidatedSubs map[uint64]func(K)
	evictedSubs     map[uint64]func(map[K]Optional[V])

	_          util.CacheLinePad
	hits       util.PaddedAtomicInt64
	misses     util.PaddedAtomicInt64
	promotions util.PaddedAtomicInt64
	collects   util.PaddedAtomicInt64

	closed        atomic.Bool
	stopCollector chan struct{}
	collectorDone chan struct{}
}

// New validates cfg and constructs a Store. Validation failures are
// configuration errors (§7): they only ever occur here, never later.
func New[K comparable, V any](cfg Config[K, V]) (*Store[K, V], error) {
	if cfg.Gen0Limit < 0 {
		return nil, ErrInvalidGen0Limit
	}
	if cfg.TimeToLive < 0 {
		return nil, ErrInvalidTimeToLive
	}
	if cfg.Gen0Limit == 0 && cfg.TimeToLive == 0 {
		return nil, ErrNoGenerationLimit
	}
	if cfg.Metrics == nil {
		cfg.Metrics = NoopMetrics{}
	}
	if cfg.Clock == nil {
		cfg.Clock = systemClock{}
	}

	s := &Store[K, V]{
		gen0:            make(map[K]Optional[V], cfg.Gen0Limit),
		gen1:            make(map[K]Optional[V]),
		cfg:             cfg,
		invalidatedSubs: make(map[uint64]func(K)),
		evictedSubs:     make(map[uint64]func(map[K]Optional[V])),
	}
	s.lastCollection = s.now()

	if cfg.OnInvalidated != nil {
		s.OnInvalidated(cfg.OnInvalidated)
	}
	if cfg.OnEvicted != nil {
		s.OnEvicted(cfg.OnEvicted)
	}

	if cfg.TimeToLive > 0 {
		s.stopCollector = make(chan struct{})
		s.collectorDone = make(chan struct{})
		go s.runCollector(cfg.TimeToLive)
	}
	return s, nil
}

func (s *Store[K, V]) now() int64 { return s.cfg.Clock.NowUnixNano() }

// Get returns the stored Optional for k (present or negatively cached) and
// whether k was known to the store. A Gen1 hit promotes the entry to Gen0
// before returning.
func (s *Store[K, V]) Get(k K) (Optional[V], bool) {
	if s.closed.Load() {
		return Optional[V]{}, false
	}
	v, found, _ := s.Probe(k)
	return v, found
}

// Probe behaves like Get but additionally returns the store's version
// immediately after the lookup. It is the building block
// readthrough.ReadThroughGenerational uses to implement its
// lock-probe-unlock-load-lock-reconcile algorithm (§4.2) without reaching
// into Store's internals.
func (s *Store[K, V]) Probe(k K) (val Optional[V], found bool, version uint64) {
	if s.closed.Load() {
		return Optional[V]{}, false, 0
	}
	s.mu.Lock()
	val, found = s.lookupLocked(k)
	if found {
		s.hits.Add(1)
		s.cfg.Metrics.Hit()
	} else {
		s.misses.Add(1)
		s.cfg.Metrics.Miss()
	}
	version = s.version
	s.mu.Unlock()
	return val, found, version
}

// Version returns the store's current mutation counter.
func (s *Store[K, V]) Version() uint64 {
	s.mu.Lock()
	v := s.version
	s.mu.Unlock()
	return v
}

// lookupLocked probes Gen0 then Gen1, promoting a Gen1 hit into Gen0.
// Callers must hold s.mu.
func (s *Store[K, V]) lookupLocked(k K) (Optional[V], bool) {
	if v, ok := s.gen0[k]; ok {
		return v, true
	}
	if v, ok := s.gen1[k]; ok {
		delete(s.gen1, k)
		s.gen0[k] = v
		s.version++
		s.promotions.Add(1)
		s.cfg.Metrics.Promote()
		return v, true
	}
	return Optional[V]{}, false
}

// Set upserts k -> Some(v) into Gen0, removing any stale Gen1 copy first.
// May trigger a size-triggered collection.
func (s *Store[K, V]) Set(k K, v V) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	dropped := s.setLocked(k, Some(v))
	s.mu.Unlock()
	if dropped != nil {
		s.dispatchEvicted(dropped)
	}
}

// CommitLoad reconciles a just-completed read-through load with the store.
// If the version has moved since expectedVersion was snapshotted and k is
// now present (another goroutine's racing insert), that racing value is
// returned unmodified — loaded is discarded, never overwriting the winner.
// Otherwise loaded (which may be an absent Optional, i.e. negative
// caching) is inserted into Gen0 and returned.
func (s *Store[K, V]) CommitLoad(k K, expectedVersion uint64, loaded Optional[V]) Optional[V] {
	if s.closed.Load() {
		return loaded
	}
	s.mu.Lock()
	if s.version != expectedVersion {
		if v, found := s.lookupLocked(k); found {
			s.mu.Unlock()
			return v
		}
	}
	dropped := s.setLocked(k, loaded)
	s.mu.Unlock()
	if dropped != nil {
		s.dispatchEvicted(dropped)
	}
	return loaded
}

// setLocked is the shared insert path for Set and CommitLoad. Callers must
// hold s.mu and handle the returned dropped-by-collection map (dispatching
// Evicted) after releasing it.
func (s *Store[K, V]) setLocked(k K, val Optional[V]) map[K]Optional[V] {
	delete(s.gen1, k)

	var dropped map[K]Optional[V]
	if s.cfg.Gen0Limit > 0 && len(s.gen0) >= s.cfg.Gen0Limit {
		dropped = s.collectLocked()
		// The collection may have just demoted an older copy of k.
		delete(s.gen1, k)
	}

	s.gen0[k] = val
	s.version++
	s.cfg.Metrics.Size(len(s.gen0), len(s.gen1))
	return dropped
}

// Invalidate removes k from whichever generation holds it. A removal fires
// Invalidated(k) exactly once; a miss is a silent no-op.
func (s *Store[K, V]) Invalidate(k K) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	removed := s.invalidateLocked(k)
	s.mu.Unlock()
	if removed {
		s.cfg.Metrics.Invalidate()
		s.dispatchInvalidated(k)
	}
}

// InvalidateMany removes every key in keys under a single lock acquisition,
// then fires one Invalidated per key that was actually present.
func (s *Store[K, V]) InvalidateMany(keys []K) {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	var removed []K
	for _, k := range keys {
		if s.invalidateLocked(k) {
			removed = append(removed, k)
		}
	}
	s.mu.Unlock()
	for _, k := range removed {
		s.cfg.Metrics.Invalidate()
		s.dispatchInvalidated(k)
	}
}

func (s *Store[K, V]) invalidateLocked(k K) bool {
	if _, ok := s.gen0[k]; ok {
		delete(s.gen0, k)
		s.version++
		return true
	}
	if _, ok := s.gen1[k]; ok {
		delete(s.gen1, k)
		s.version++
		return true
	}
	return false
}

// Clear empties both generations and fires a single Evicted with the union
// of their contents (no Invalidated events fire).
func (s *Store[K, V]) Clear() {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	dropped := make(map[K]Optional[V], len(s.gen0)+len(s.gen1))
	for k, v := range s.gen0 {
		dropped[k] = v
	}
	for k, v := range s.gen1 {
		dropped[k] = v
	}
	s.gen0 = make(map[K]Optional[V], s.cfg.Gen0Limit)
	s.gen1 = make(map[K]Optional[V])
	s.version++
	s.mu.Unlock()

	if len(dropped) > 0 {
		s.cfg.Metrics.Evict(EvictClear, len(dropped))
		s.dispatchEvicted(dropped)
	}
}

// ForceCollect runs a collection unconditionally, regardless of Gen0Limit
// or TimeToLive. Intended as a test hook and an operational control.
func (s *Store[K, V]) ForceCollect() {
	if s.closed.Load() {
		return
	}
	s.mu.Lock()
	dropped := s.collectLocked()
	s.mu.Unlock()
	if dropped != nil {
		s.dispatchEvicted(dropped)
	}
}

// collectLocked runs the collection algorithm (§4.1): emit the outgoing
// Gen1 (if non-empty), swap Gen0 into Gen1 without copying, start Gen0
// fresh. Callers must hold s.mu.
func (s *Store[K, V]) collectLocked() map[K]Optional[V] {
	if len(s.gen0) == 0 && len(s.gen1) == 0 {
		return nil
	}

	var dropped map[K]Optional[V]
	if len(s.gen1) > 0 {
		dropped = s.gen1
	}

	s.gen1 = s.gen0
	s.gen0 = make(map[K]Optional[V], s.cfg.Gen0Limit)
	s.lastCollection = s.now()
	s.version++
	s.collects.Add(1)
	if dropped != nil {
		s.cfg.Metrics.Evict(EvictCollection, len(dropped))
	}
	return dropped
}

// Count returns the current entry count across both generations.
func (s *Store[K, V]) Count() int {
	s.mu.Lock()
	n := len(s.gen0) + len(s.gen1)
	s.mu.Unlock()
	return n
}

// runCollector is the periodic half-life collector (§4.1, §5). It wakes
// every ttl/2 and collects only if a full ttl has elapsed since the last
// collection, so a freshly-touched entry survives at least one period and
// is dropped after at most two.
func (s *Store[K, V]) runCollector(ttl time.Duration) {
	defer close(s.collectorDone)
	interval := ttl / 2
	if interval <= 0 {
		interval = ttl
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stopCollector:
			return
		case <-ticker.C:
			s.collectIfDue(ttl)
		}
	}
}

func (s *Store[K, V]) collectIfDue(ttl time.Duration) {
	s.mu.Lock()
	due := s.now()-s.lastCollection >= int64(ttl)
	var dropped map[K]Optional[V]
	if due {
		dropped = s.collectLocked()
	}
	s.mu.Unlock()
	if dropped != nil {
		s.dispatchEvicted(dropped)
	}
}

// Close stops the periodic collector, if any, and waits for it to exit.
// Idempotent: a second Close is a no-op.
func (s *Store[K, V]) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	if s.stopCollector != nil {
		close(s.stopCollector)
		<-s.collectorDone
	}
	return nil
}

// OnInvalidated subscribes fn to every future Invalidated event. The
// returned unsubscribe function removes it; calling it twice is safe.
//
// Per §9's design notes, delivery happens after the store's lock is
// released, so fn may safely call back into the store (e.g. to re-read the
// invalidated key) without deadlocking.
func (s *Store[K, V]) OnInvalidated(fn func(K)) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.invalidatedSubs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.invalidatedSubs, id)
		s.subMu.Unlock()
	}
}

// OnEvicted subscribes fn to every future Evicted event (collection or
// Clear). Delivery happens after the store's lock is released.
func (s *Store[K, V]) OnEvicted(fn func(map[K]Optional[V])) (unsubscribe func()) {
	s.subMu.Lock()
	id := s.nextSubID
	s.nextSubID++
	s.evictedSubs[id] = fn
	s.subMu.Unlock()
	return func() {
		s.subMu.Lock()
		delete(s.evictedSubs, id)
		s.subMu.Unlock()
	}
}

func (s *Store[K, V]) dispatchInvalidated(k K) {
	s.subMu.Lock()
	fns := make([]func(K), 0, len(s.invalidatedSubs))
	for _, fn := range s.invalidatedSubs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		callSafely(func() { fn(k) })
	}
}

func (s *Store[K, V]) dispatchEvicted(dropped map[K]Optional[V]) {
	s.subMu.Lock()
	fns := make([]func(map[K]Optional[V]), 0, len(s.evictedSubs))
	for _, fn := range s.evictedSubs {
		fns = append(fns, fn)
	}
	s.subMu.Unlock()
	for _, fn := range fns {
		callSafely(func() { fn(dropped) })
	}
}

// callSafely runs fn and swallows a panic, per §7: "internal event handler
// exceptions are caught and swallowed — must not corrupt cache state".
func callSafely(fn func()) {
	defer func() { _ = recover() }()
	fn()
}
