package registry

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/wehubfusion/Adorn/pkg/concurrency"
	adornerrors "github.com/wehubfusion/Adorn/pkg/errors"
	"github.com/wehubfusion/Adorn/pkg/scheduler"
)

// gatedFetcher blocks every fetch until release is closed.
type gatedFetcher struct {
	calls   atomic.Int32
	release chan struct{}
	body    []byte
	err     error
}

func newGatedFetcher(body string, err error) *gatedFetcher {
	return &gatedFetcher{release: make(chan struct{}), body: []byte(body), err: err}
}

func (g *gatedFetcher) Fetch(ctx context.Context, _ Descriptor) ([]byte, error) {
	g.calls.Add(1)
	select {
	case <-g.release:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	if g.err != nil {
		return nil, g.err
	}
	return g.body, nil
}

func waitFuture(t *testing.T, f *Future) Outcome {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	out, err := f.Wait(ctx)
	require.NoError(t, err)
	return out
}

func TestEnsureLoadedFetchesOncePerIdentity(t *testing.T) {
	fetcher := newGatedFetcher("widget()", nil)
	reg := New(fetcher, Options{})
	defer reg.Close()

	desc := Descriptor{Identity: "https://widgets.example/w.js"}
	var futures []*Future
	for i := 0; i < 10; i++ {
		futures = append(futures, reg.EnsureLoaded(desc))
	}
	for _, f := range futures {
		assert.Same(t, futures[0], f)
	}
	assert.Equal(t, Loading, reg.State(desc.Identity))

	close(fetcher.release)
	out := waitFuture(t, futures[0])

	assert.Equal(t, Loaded, out.State)
	require.NotNil(t, out.Resource)
	assert.Equal(t, "widget()", string(out.Resource.Body))
	assert.Equal(t, int32(1), fetcher.calls.Load())
	assert.Equal(t, int64(1), reg.Fetches())
	assert.Equal(t, Loaded, reg.State(desc.Identity))
}

func TestEnsureLoadedConcurrentCallers(t *testing.T) {
	fetcher := newGatedFetcher("x", nil)
	reg := New(fetcher, Options{})
	defer reg.Close()

	desc := Descriptor{Identity: "id"}
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			reg.EnsureLoaded(desc)
		}()
	}
	wg.Wait()
	close(fetcher.release)
	waitFuture(t, reg.EnsureLoaded(desc))

	assert.Equal(t, int32(1), fetcher.calls.Load())
}

func TestWaitersNotifiedInRegistrationOrder(t *testing.T) {
	fetcher := newGatedFetcher("x", nil)
	reg := New(fetcher, Options{})
	defer reg.Close()

	sched := scheduler.NewManual(time.Unix(0, 0))
	f := reg.EnsureLoaded(Descriptor{Identity: "id"})

	var order []int
	for i := 0; i < 5; i++ {
		i := i
		f.Subscribe(sched, func(out Outcome) {
			assert.Equal(t, Loaded, out.State)
			order = append(order, i)
		})
	}

	close(fetcher.release)
	waitFuture(t, f)
	assert.Empty(t, order, "waiters run on the scheduler, not the fetch goroutine")

	sched.RunPending()
	assert.Equal(t, []int{0, 1, 2, 3, 4}, order)
}

// hookScheduler runs onFirstPost before queueing the first callback.
type hookScheduler struct {
	*scheduler.Manual
	once        sync.Once
	onFirstPost func()
}

func (h *hookScheduler) Post(fn func()) {
	h.once.Do(h.onFirstPost)
	h.Manual.Post(fn)
}

func TestSubscribeDuringResolutionQueuesBehindEarlierWaiters(t *testing.T) {
	manual := scheduler.NewManual(time.Unix(0, 0))
	f := newFuture("id")

	var order []string
	lateDone := make(chan struct{})
	sched := &hookScheduler{Manual: manual}
	sched.onFirstPost = func() {
		// a subscriber racing the resolution
		go func() {
			defer close(lateDone)
			f.Subscribe(manual, func(Outcome) { order = append(order, "late") })
		}()
		time.Sleep(20 * time.Millisecond)
	}

	f.Subscribe(sched, func(Outcome) { order = append(order, "first") })
	f.Subscribe(manual, func(Outcome) { order = append(order, "second") })

	f.complete(Outcome{State: Loaded})
	<-lateDone

	manual.RunPending()
	assert.Equal(t, []string{"first", "second", "late"}, order)
}

func TestSubscribeAfterResolutionIsPostedImmediately(t *testing.T) {
	fetcher := newGatedFetcher("x", nil)
	close(fetcher.release)
	reg := New(fetcher, Options{})
	defer reg.Close()

	f := reg.EnsureLoaded(Descriptor{Identity: "id"})
	waitFuture(t, f)

	sched := scheduler.NewManual(time.Unix(0, 0))
	calls := 0
	f.Subscribe(sched, func(Outcome) { calls++ })
	assert.Equal(t, 1, sched.PendingPosts())

	sched.RunPending()
	sched.RunPending()
	assert.Equal(t, 1, calls)
}

func TestFailedIsTerminal(t *testing.T) {
	fetcher := newGatedFetcher("", errors.New("connection refused"))
	close(fetcher.release)
	reg := New(fetcher, Options{})
	defer reg.Close()

	desc := Descriptor{Identity: "broken"}
	out := waitFuture(t, reg.EnsureLoaded(desc))

	assert.Equal(t, Failed, out.State)
	assert.Nil(t, out.Resource)
	assert.True(t, adornerrors.IsFetchFailure(out.Err))
	assert.Equal(t, adornerrors.CodeFetchFailure, adornerrors.Categorize(out.Err))

	again := waitFuture(t, reg.EnsureLoaded(desc))
	assert.Equal(t, Failed, again.State)
	assert.Equal(t, int32(1), fetcher.calls.Load())
	assert.Equal(t, Failed, reg.State(desc.Identity))
}

func TestOpenBreakerDefersUnrelatedIdentity(t *testing.T) {
	var mu sync.Mutex
	calls := map[string]int{}
	fetcher := FetcherFunc(func(_ context.Context, desc Descriptor) ([]byte, error) {
		mu.Lock()
		calls[desc.Identity]++
		mu.Unlock()
		if desc.Identity != "good" {
			return nil, errors.New("502 from widget host")
		}
		return []byte("adorn.define(function(){})"), nil
	})
	limiter := concurrency.NewLimiterWithCircuitBreaker(2, concurrency.NewCircuitBreaker(3, 50*time.Millisecond))
	reg := New(fetcher, Options{Limiter: limiter})
	defer reg.Close()

	for i := 0; i < 3; i++ {
		out := waitFuture(t, reg.EnsureLoaded(Descriptor{Identity: fmt.Sprintf("bad-%d", i)}))
		require.Equal(t, Failed, out.State)
	}
	require.Equal(t, concurrency.StateOpen, limiter.Breaker().State())

	out := waitFuture(t, reg.EnsureLoaded(Descriptor{Identity: "good"}))
	assert.Equal(t, Loaded, out.State)
	assert.NoError(t, out.Err)
	assert.Equal(t, Loaded, reg.State("good"))

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, calls["good"])
	assert.Equal(t, 1, calls["bad-0"])
}

func TestCloseEndsBreakerWait(t *testing.T) {
	limiter := concurrency.NewLimiterWithCircuitBreaker(1, concurrency.NewCircuitBreaker(1, time.Hour))
	limiter.Breaker().RecordFailure()

	var calls atomic.Int32
	reg := New(FetcherFunc(func(context.Context, Descriptor) ([]byte, error) {
		calls.Add(1)
		return []byte("x"), nil
	}), Options{Limiter: limiter})

	f := reg.EnsureLoaded(Descriptor{Identity: "deferred"})
	assert.Equal(t, Loading, reg.State("deferred"))

	reg.Close()
	out := waitFuture(t, f)
	assert.Equal(t, Failed, out.State)
	assert.ErrorIs(t, out.Err, context.Canceled)
	assert.Equal(t, int32(0), calls.Load())
}

func TestFetchTimeout(t *testing.T) {
	fetcher := newGatedFetcher("x", nil)
	reg := New(fetcher, Options{Timeout: 20 * time.Millisecond})
	defer reg.Close()

	out := waitFuture(t, reg.EnsureLoaded(Descriptor{Identity: "slow"}))
	assert.Equal(t, Failed, out.State)
	assert.ErrorIs(t, out.Err, context.DeadlineExceeded)
}

func TestFetcherPanicBecomesFailure(t *testing.T) {
	reg := New(FetcherFunc(func(context.Context, Descriptor) ([]byte, error) {
		panic("boom")
	}), Options{})
	defer reg.Close()

	out := waitFuture(t, reg.EnsureLoaded(Descriptor{Identity: "p"}))
	assert.Equal(t, Failed, out.State)
	assert.Contains(t, out.Err.Error(), "boom")
}

func TestEmptyIdentityFailsWithoutFetching(t *testing.T) {
	reg := New(newGatedFetcher("x", nil), Options{})
	defer reg.Close()

	f := reg.EnsureLoaded(Descriptor{})
	out := f.Outcome()
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, int64(0), reg.Fetches())
}

func TestCloseCancelsInFlightFetches(t *testing.T) {
	fetcher := newGatedFetcher("x", nil)
	reg := New(fetcher, Options{})

	f := reg.EnsureLoaded(Descriptor{Identity: "pending"})
	reg.Close()

	select {
	case <-f.Done():
	default:
		t.Fatal("future not resolved after Close")
	}
	assert.Equal(t, Failed, f.Outcome().State)
}

func TestDefaultRegistryWithoutFetcher(t *testing.T) {
	SetDefault(nil)
	out := waitFuture(t, Default().EnsureLoaded(Descriptor{Identity: "any"}))
	assert.Equal(t, Failed, out.State)
	assert.Equal(t, adornerrors.CodeFetchFailure, adornerrors.Categorize(out.Err))

	custom := New(nil, Options{})
	SetDefault(custom)
	assert.Same(t, custom, Default())
	SetDefault(nil)
}

func TestDescriptorSource(t *testing.T) {
	assert.Equal(t, "id", Descriptor{Identity: "id"}.Source())
	assert.Equal(t, "loc", Descriptor{Identity: "id", Location: "loc"}.Source())
	assert.Equal(t, "loaded", Loaded.String())
	assert.True(t, Failed.Terminal())
	assert.False(t, Loading.Terminal())
}
