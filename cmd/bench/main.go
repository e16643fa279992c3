// Command bench runs a synthetic read-through workload against a
// partitioned.Cache and exposes optional pprof/Prometheus endpoints.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	_ "net/http/pprof" // registers /debug/pprof/* on DefaultServeMux
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/localcache/genstore/genstore"
	pmet "github.com/localcache/genstore/metrics/prom"
	"github.com/localcache/genstore/partitioned"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// fakeSource simulates a backing data source with fixed latency and a
// configurable absent rate, so the benchmark exercises both promotion and
// negative caching under Zipfian skew.
type fakeSource struct {
	latency    time.Duration
	absentMod  int // every Nth key (by numeric suffix) is reported absent; 0 disables
	sourceHits int64
}

func (s *fakeSource) Get(ctx context.Context, k string) (genstore.Optional[string], error) {
	atomic.AddInt64(&s.sourceHits, 1)
	if s.latency > 0 {
		time.Sleep(s.latency)
	}
	if s.absentMod > 0 {
		if n, err := strconv.Atoi(k[len("k:"):]); err == nil && n%s.absentMod == 0 {
			return genstore.None[string](), nil
		}
	}
	return genstore.Some("v:" + k), nil
}

func (s *fakeSource) GetBatch(ctx context.Context, keys []string) ([]genstore.Optional[string], error) {
	out := make([]genstore.Optional[string], len(keys))
	for i, k := range keys {
		v, err := s.Get(ctx, k)
		if err != nil {
			return nil, err
		}
		out[i] = v
	}
	return out, nil
}

func main() {
	// ---- Flags ----
	var (
		gen0Limit = flag.Int("gen0", 50_000, "total Gen0 limit across all partitions")
		ttl       = flag.Duration("ttl", 0, "time-to-live (0 disables the periodic collector)")
		parts     = flag.Int("partitions", 0, "number of partitions (0=auto)")

		workers  = flag.Int("workers", 2*runtime.GOMAXPROCS(0), "number of worker goroutines")
		duration = flag.Duration("duration", 10*time.Second, "benchmark duration")

		keys    = flag.Int("keys", 1_000_000, "keyspace size")
		zipfS   = flag.Float64("zipf_s", 1.1, "Zipf s > 1 (skew)")
		zipfV   = flag.Float64("zipf_v", 1.0, "Zipf v")
		seed    = flag.Int64("seed", time.Now().UnixNano(), "random seed")
		preload = flag.Int("preload", 0, "preload entries via Get (0 = gen0/2)")

		sourceLatency = flag.Duration("source-latency", time.Millisecond, "simulated DataSource latency")
		absentMod     = flag.Int("absent-mod", 11, "every Nth key is reported absent by the source (0 disables)")

		pprofAddr   = flag.String("pprof", "", "serve pprof at addr (e.g. :6060); empty = disabled")
		metricsAddr = flag.String("http", ":8080", "serve Prometheus metrics at addr")
	)
	flag.Parse()

	if *pprofAddr != "" {
		go func() {
			log.Printf("pprof: serving at %s", *pprofAddr)
			log.Println(http.ListenAndServe(*pprofAddr, nil))
		}()
	}

	metrics := pmet.New(nil, "genstore", "bench", nil)
	http.Handle("/metrics", promhttp.Handler())
	go func() {
		log.Printf("metrics: serving at %s", *metricsAddr)
		log.Println(http.ListenAndServe(*metricsAddr, nil))
	}()

	source := &fakeSource{latency: *sourceLatency, absentMod: *absentMod}
	c, err := partitioned.NewCache[string, string](partitioned.Options[string, string]{
		Gen0Limit:  *gen0Limit,
		TimeToLive: *ttl,
		Partitions: *parts,
		Metrics:    metrics,
	}, source)
	if err != nil {
		log.Fatalf("partitioned.NewCache: %v", err)
	}
	defer func() { _ = c.Close() }()

	ctx := context.Background()

	pl := *preload
	if pl == 0 {
		pl = *gen0Limit / 2
	}
	for i := 0; i < pl; i++ {
		if _, err := c.Get(ctx, "k:"+strconv.Itoa(i)); err != nil {
			log.Fatalf("preload Get: %v", err)
		}
	}

	keysMax := uint64(*keys - 1)
	seedBase := *seed
	zipfSVal := *zipfS
	zipfVVal := *zipfV
	workersN := *workers
	if workersN <= 0 {
		workersN = 1
	}

	var ops, hits, misses uint64
	runCtx, cancel := context.WithTimeout(ctx, *duration)
	defer cancel()

	start := time.Now()
	var wg sync.WaitGroup
	wg.Add(workersN)
	for w := 0; w < workersN; w++ {
		go func(id int) {
			defer wg.Done()
			localR := rand.New(rand.NewSource(seedBase + int64(id)*9973))
			localZipf := rand.NewZipf(localR, zipfSVal, zipfVVal, keysMax)

			for {
				select {
				case <-runCtx.Done():
					return
				default:
				}
				atomic.AddUint64(&ops, 1)
				k := "k:" + strconv.FormatUint(localZipf.Uint64(), 10)
				v, err := c.Get(runCtx, k)
				if err != nil {
					continue
				}
				if v.IsPresent() {
					atomic.AddUint64(&hits, 1)
				} else {
					atomic.AddUint64(&misses, 1)
				}
			}
		}(w)
	}
	wg.Wait()
	elapsed := time.Since(start)

	opsN := atomic.LoadUint64(&ops)
	hitsN := atomic.LoadUint64(&hits)
	missesN := atomic.LoadUint64(&misses)
	sourceCalls := atomic.LoadInt64(&source.sourceHits)

	fmt.Printf("gen0=%d partitions=%d workers=%d keys=%d dur=%v seed=%d\n",
		*gen0Limit, *parts, workersN, *keys, elapsed, seedBase)
	fmt.Printf("ops=%d (%.0f ops/s)  present=%d  absent=%d\n",
		opsN, float64(opsN)/elapsed.Seconds(), hitsN, missesN)
	fmt.Printf("source calls=%d (amplification=%.3f)\n",
		sourceCalls, float64(sourceCalls)/float64(opsN))
	fmt.Printf("Count()=%d\n", c.Count())
}
