package genstore

import (
	"math/rand"
	"strconv"
	"sync/atomic"
	"testing"
)

// benchmarkMix exercises a read/write mix against a warm store.
// It uses parallel workers (RunParallel spawns GOMAXPROCS goroutines).
// String keys include strconv/concat costs and often allocate, which is
// fine for an end-to-end benchmark.
func benchmarkMix(b *testing.B, readsPct int) {
	s, err := New[string, string](Config[string, string]{Gen0Limit: 100_000})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })

	for i := 0; i < 50_000; i++ {
		k := "k:" + strconv.Itoa(i)
		s.Set(k, "v")
	}

	b.ReportAllocs()
	b.ResetTimer()

	var seed int64 = 1
	keyMask := (1 << 16) - 1 // hot keyspace (power of two for fast &-mask)

	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(atomic.AddInt64(&seed, 1)))
		i := 0
		for pb.Next() {
			k := "k:" + strconv.Itoa(i&keyMask)
			if r.Intn(100) < readsPct {
				s.Get(k)
			} else {
				s.Set(k, "v")
			}
			i++
		}
	})
}

func BenchmarkStore_90r10w(b *testing.B) { benchmarkMix(b, 90) }
func BenchmarkStore_50r50w(b *testing.B) { benchmarkMix(b, 50) }

// benchmarkMixInt is the same workload but with int keys, removing
// strconv/alloc noise to better expose the promotion/collection hot path.
func benchmarkMixInt(b *testing.B, readsPct int) {
	s, err := New[int, int](Config[int, int]{Gen0Limit: 100_000})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })

	for i := 0; i < 50_000; i++ {
		s.Set(i, 1)
	}

	b.ReportAllocs()
	b.ResetTimer()

	var seed int64 = 1
	keyMask := (1 << 16) - 1

	b.RunParallel(func(pb *testing.PB) {
		r := rand.New(rand.NewSource(atomic.AddInt64(&seed, 1)))
		i := 0
		for pb.Next() {
			k := i & keyMask
			if r.Intn(100) < readsPct {
				s.Get(k)
			} else {
				s.Set(k, 1)
			}
			i++
		}
	})
}

func BenchmarkStore_IntKeys_90r10w(b *testing.B) { benchmarkMixInt(b, 90) }
func BenchmarkStore_IntKeys_50r50w(b *testing.B) { benchmarkMixInt(b, 50) }

// BenchmarkStore_Promotion isolates the Gen1-hit promotion path: a
// ForceCollect before every pass over the 1,000 keys demotes them all to
// Gen1, so every Get promotes its key from Gen1.
func BenchmarkStore_Promotion(b *testing.B) {
	s, err := New[int, int](Config[int, int]{Gen0Limit: 1_000})
	if err != nil {
		b.Fatal(err)
	}
	b.Cleanup(func() { _ = s.Close() })

	for i := 0; i < 1_000; i++ {
		s.Set(i, i)
	}
	s.ForceCollect()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		if i > 0 && i%1_000 == 0 {
			s.ForceCollect()
		}
		s.Get(i % 1_000)
	}
}
