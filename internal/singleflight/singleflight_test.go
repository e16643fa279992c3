package singleflight

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/sync/errgroup"
)

// 64 concurrent Do calls for the same key must collapse into exactly one
// producer invocation, following the teacher's singleflight test shape
// (cache.Cache's TestCache_GetOrLoad_Singleflight): fan out via errgroup,
// every result must match, the call counter must read exactly 1.
func TestGroup_Do_Coalesces(t *testing.T) {
	t.Parallel()

	var g Group[string, string]
	var calls int64

	var eg errgroup.Group
	for i := 0; i < 64; i++ {
		eg.Go(func() error {
			v, err := g.Do(context.Background(), "k", func() (string, error) {
				atomic.AddInt64(&calls, 1)
				time.Sleep(5 * time.Millisecond)
				return "v:k", nil
			})
			if err != nil {
				return err
			}
			if v != "v:k" {
				t.Errorf("got %q, want v:k", v)
			}
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		t.Fatal(err)
	}
	if n := atomic.LoadInt64(&calls); n != 1 {
		t.Fatalf("producer ran %d times, want 1", n)
	}

	// The pending entry must have been cleaned up: a later Do for the same
	// key runs a fresh producer rather than hanging on a stale call.
	v, err := g.Do(context.Background(), "k", func() (string, error) {
		atomic.AddInt64(&calls, 1)
		return "v:k2", nil
	})
	if err != nil || v != "v:k2" {
		t.Fatalf("Do after completion = %q, %v", v, err)
	}
	if n := atomic.LoadInt64(&calls); n != 2 {
		t.Fatalf("producer ran %d times total, want 2", n)
	}
}

// A follower whose ctx is cancelled returns ctx.Err() without disturbing
// the leader or other followers.
func TestGroup_Do_FollowerCancellation(t *testing.T) {
	t.Parallel()

	var g Group[string, string]
	release := make(chan struct{})

	leaderDone := make(chan struct{})
	go func() {
		defer close(leaderDone)
		v, err := g.Do(context.Background(), "k", func() (string, error) {
			<-release
			return "v", nil
		})
		if err != nil || v != "v" {
			t.Errorf("leader Do = %q, %v", v, err)
		}
	}()

	// Give the leader a chance to register before the follower joins.
	time.Sleep(2 * time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	followerErr := make(chan error, 1)
	go func() {
		_, err := g.Do(ctx, "k", func() (string, error) {
			t.Error("follower must not run its own producer")
			return "", nil
		})
		followerErr <- err
	}()

	cancel()
	if err := <-followerErr; !errors.Is(err, context.Canceled) {
		t.Fatalf("follower error = %v, want context.Canceled", err)
	}

	close(release)
	<-leaderDone
}

// A panicking producer is recovered, published as an error to every
// waiter, and re-panics in the leader's own goroutine; the key must be
// usable again afterward.
func TestGroup_Do_ProducerPanic(t *testing.T) {
	t.Parallel()

	var g Group[string, string]

	func() {
		defer func() {
			if r := recover(); r == nil {
				t.Fatal("leader goroutine must re-panic")
			}
		}()
		_, _ = g.Do(context.Background(), "k", func() (string, error) {
			panic("boom")
		})
	}()

	v, err := g.Do(context.Background(), "k", func() (string, error) {
		return "v", nil
	})
	if err != nil || v != "v" {
		t.Fatalf("Do after a panic = %q, %v", v, err)
	}
}

// GetBatch must dedup keys that repeat within a single call and produce
// exactly one producer invocation for the unique new keys.
func TestGroup_GetBatch_DedupsWithinCall(t *testing.T) {
	t.Parallel()

	var g Group[string, string]
	var calls int64
	var gotKeys []string

	results, errs := g.GetBatch(context.Background(), []string{"a", "b", "a", "c", "b"},
		func(ctx context.Context, newKeys []string) ([]string, error) {
			atomic.AddInt64(&calls, 1)
			gotKeys = append(gotKeys, newKeys...)
			out := make([]string, len(newKeys))
			for i, k := range newKeys {
				out[i] = "v:" + k
			}
			return out, nil
		})

	if n := atomic.LoadInt64(&calls); n != 1 {
		t.Fatalf("producer ran %d times, want 1", n)
	}
	if len(gotKeys) != 3 {
		t.Fatalf("producer saw %d de-duplicated keys, want 3: %v", len(gotKeys), gotKeys)
	}
	want := []string{"v:a", "v:b", "v:a", "v:c", "v:b"}
	for i, w := range want {
		if errs[i] != nil {
			t.Fatalf("errs[%d] = %v, want nil", i, errs[i])
		}
		if results[i] != w {
			t.Fatalf("results[%d] = %q, want %q", i, results[i], w)
		}
	}
}

// A key already pending from a concurrent Do is joined by a GetBatch call
// rather than triggering a second producer invocation for that key.
func TestGroup_GetBatch_JoinsPendingSingleDo(t *testing.T) {
	t.Parallel()

	var g Group[string, string]
	release := make(chan struct{})
	var doCalls, batchCalls int64

	doDone := make(chan struct{})
	go func() {
		defer close(doDone)
		_, _ = g.Do(context.Background(), "a", func() (string, error) {
			atomic.AddInt64(&doCalls, 1)
			<-release
			return "v:a", nil
		})
	}()
	time.Sleep(2 * time.Millisecond)

	batchDone := make(chan struct{})
	var results []string
	var errs []error
	go func() {
		defer close(batchDone)
		results, errs = g.GetBatch(context.Background(), []string{"a", "b"},
			func(ctx context.Context, newKeys []string) ([]string, error) {
				atomic.AddInt64(&batchCalls, 1)
				out := make([]string, len(newKeys))
				for i, k := range newKeys {
					out[i] = "v:" + k
				}
				return out, nil
			})
	}()
	time.Sleep(2 * time.Millisecond)
	close(release)
	<-doDone
	<-batchDone

	if n := atomic.LoadInt64(&doCalls); n != 1 {
		t.Fatalf("Do producer ran %d times, want 1", n)
	}
	if n := atomic.LoadInt64(&batchCalls); n != 1 {
		t.Fatalf("batch producer ran %d times, want 1 (only for key b)", n)
	}
	if errs[0] != nil || errs[1] != nil {
		t.Fatalf("errs = %v, want no errors", errs)
	}
	if results[0] != "v:a" || results[1] != "v:b" {
		t.Fatalf("results = %v, want [v:a v:b]", results)
	}
}

// A producer error fails only the keys in that batch call; the pending
// entries are cleaned up so a retry can succeed.
func TestGroup_GetBatch_ProducerError(t *testing.T) {
	t.Parallel()

	var g Group[string, string]
	wantErr := errors.New("source down")

	_, errs := g.GetBatch(context.Background(), []string{"a", "b"},
		func(ctx context.Context, newKeys []string) ([]string, error) {
			return nil, wantErr
		})
	for i, err := range errs {
		if !errors.Is(err, wantErr) {
			t.Fatalf("errs[%d] = %v, want %v", i, err, wantErr)
		}
	}

	results, errs := g.GetBatch(context.Background(), []string{"a"},
		func(ctx context.Context, newKeys []string) ([]string, error) {
			return []string{"v:a"}, nil
		})
	if errs[0] != nil || results[0] != "v:a" {
		t.Fatalf("retry after error = %v, %v, want v:a, nil", results[0], errs[0])
	}
}

// A producer returning the wrong number of results is treated as a
// producer failure for every key in that call, not a partial success.
func TestGroup_GetBatch_LengthMismatch(t *testing.T) {
	t.Parallel()

	var g Group[string, string]

	_, errs := g.GetBatch(context.Background(), []string{"a", "b"},
		func(ctx context.Context, newKeys []string) ([]string, error) {
			return []string{"only-one"}, nil
		})
	for i, err := range errs {
		if err == nil {
			t.Fatalf("errs[%d] = nil, want a length-mismatch error", i)
		}
	}
}
