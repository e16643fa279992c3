package genstore

import (
	"math/rand"
	"runtime"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// A mixed workload of concurrent Set/Get/Invalidate/ForceCollect on random
// keys. Should pass under `-race` without detector reports.
func TestRace_Basic(t *testing.T) {
	s, err := New[string, []byte](Config[string, []byte]{Gen0Limit: 2_048})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	workers := 4 * runtime.GOMAXPROCS(0)
	keyspace := 50_000
	deadline := time.Now().Add(2 * time.Second)

	var wg sync.WaitGroup
	wg.Add(workers)
	for w := 0; w < workers; w++ {
		go func(id int) {
			defer wg.Done()
			r := rand.New(rand.NewSource(time.Now().UnixNano() + int64(id)*9973))
			for time.Now().Before(deadline) {
				k := "k:" + strconv.Itoa(r.Intn(keyspace))
				switch r.Intn(100) {
				case 0, 1, 2, 3, 4: // ~5% — Invalidate
					s.Invalidate(k)
				case 5: // 1% — ForceCollect
					s.ForceCollect()
				case 6, 7, 8, 9, 10, 11, 12, 13, 14, 15: // ~10% — Set
					s.Set(k, []byte("x"))
				default: // ~84% — Get
					s.Get(k)
				}
			}
		}(w)
	}
	wg.Wait()
}

// With Invalidated and Evicted subscribers installed, one hundred goroutines
// concurrently Invalidate, Set, and Get the same key. Exercises the
// subscriber dispatch path (delivered after the store's lock is released)
// under -race.
func TestRace_SubscribersConcurrentWithTraffic(t *testing.T) {
	s, err := New[string, string](Config[string, string]{Gen0Limit: 256})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = s.Close() })

	var fired atomic.Int64
	unsub := s.OnInvalidated(func(k string) { fired.Add(1) })
	unsubEvicted := s.OnEvicted(func(map[string]Optional[string]) { fired.Add(1) })
	defer unsub()
	defer unsubEvicted()

	const goroutines = 100
	key := "same-key"
	s.Set(key, "v")

	start := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			<-start
			switch id % 3 {
			case 0:
				s.Invalidate(key)
			case 1:
				s.Set(key, "v2")
			default:
				s.Get(key)
			}
		}(i)
	}
	close(start)
	wg.Wait()
}
