package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/dwizi/maestro-console/internal/consoleerr"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.now
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	f.now = f.now.Add(d)
	f.mu.Unlock()
}

type fakeTimers struct {
	mu      sync.Mutex
	pending []func()
	delays  []time.Duration
}

func (f *fakeTimers) afterFunc(d time.Duration, fn func()) {
	f.mu.Lock()
	f.pending = append(f.pending, fn)
	f.delays = append(f.delays, d)
	f.mu.Unlock()
}

func (f *fakeTimers) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.pending)
}

func (f *fakeTimers) fireAll() {
	f.mu.Lock()
	pending := f.pending
	f.pending = nil
	f.mu.Unlock()
	for _, fn := range pending {
		fn()
	}
}

type recordingReporter struct {
	mu       sync.Mutex
	beats    []string
	degrades []string
	stops    []string
}

func (r *recordingReporter) Beat(component, message string) {
	r.mu.Lock()
	r.beats = append(r.beats, component)
	r.mu.Unlock()
}

func (r *recordingReporter) Degrade(component, message string, err error) {
	r.mu.Lock()
	r.degrades = append(r.degrades, component)
	r.mu.Unlock()
}

func (r *recordingReporter) Stopped(component, message string) {
	r.mu.Lock()
	r.stops = append(r.stops, component)
	r.mu.Unlock()
}

func newTestCache(clock *fakeClock, timers *fakeTimers, opts ...Option) *Cache {
	base := []Option{
		WithClock(clock.Now),
		withAfterFunc(timers.afterFunc),
		WithLogger(slog.New(slog.NewTextHandler(io.Discard, nil))),
	}
	return New(append(base, opts...)...)
}

func staticFetch(payload any) FetchFunc {
	return func(ctx context.Context, key Key) (any, error) {
		return payload, nil
	}
}

func waitDone(t *testing.T, done <-chan struct{}) {
	t.Helper()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for fetch")
	}
}

var processesKey = Key{Kind: "processes"}

func TestKeyString(t *testing.T) {
	t.Parallel()

	cases := map[Key]string{
		{Kind: "processes"}:                           "processes",
		{Kind: "history", ID: "i1"}:                   "history/i1",
		{Kind: "instance", ID: "i1", FolderKey: "f1"}: "instance/f1/i1",
	}
	for key, want := range cases {
		if got := key.String(); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}
}

func TestEnsureFreshDedupesInFlightFetch(t *testing.T) {
	t.Parallel()

	cache := newTestCache(newFakeClock(), &fakeTimers{})
	release := make(chan struct{})
	var calls atomic.Int32
	fetch := func(ctx context.Context, key Key) (any, error) {
		calls.Add(1)
		<-release
		return []string{"P1"}, nil
	}

	first, started := cache.EnsureFresh(context.Background(), processesKey, fetch, time.Minute)
	if !started {
		t.Fatal("expected first call to start a fetch")
	}
	second, started := cache.EnsureFresh(context.Background(), processesKey, fetch, time.Minute)
	if started {
		t.Fatal("expected second call to join the in-flight fetch")
	}
	if !cache.Get(processesKey).InFlight {
		t.Fatal("expected entry to report in-flight fetch")
	}

	close(release)
	waitDone(t, first)
	waitDone(t, second)

	if calls.Load() != 1 {
		t.Fatalf("expected one network call, got %d", calls.Load())
	}
	entry := cache.Get(processesKey)
	if entry.Sequence != 1 || entry.InFlight || entry.LastFetchedAt.IsZero() {
		t.Fatalf("unexpected entry after fetch: %+v", entry)
	}
	if names, ok := PayloadAs[[]string](entry); !ok || len(names) != 1 {
		t.Fatalf("unexpected payload: %#v", entry.Payload)
	}
}

func TestEnsureFreshRespectsStaleWindow(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cache := newTestCache(clock, &fakeTimers{})
	cache.Subscribe(processesKey)

	done, _ := cache.EnsureFresh(context.Background(), processesKey, staticFetch("v1"), 10*time.Second)
	waitDone(t, done)

	clock.Advance(10 * time.Second)
	done, started := cache.EnsureFresh(context.Background(), processesKey, staticFetch("v2"), 10*time.Second)
	if started {
		t.Fatal("expected entry exactly at the window edge to skip fetch")
	}
	waitDone(t, done)

	clock.Advance(time.Second)
	done, started = cache.EnsureFresh(context.Background(), processesKey, staticFetch("v2"), 10*time.Second)
	if !started {
		t.Fatal("expected stale entry to refetch")
	}
	waitDone(t, done)
	if entry := cache.Get(processesKey); entry.Payload != "v2" || entry.Sequence != 2 {
		t.Fatalf("unexpected entry: %+v", entry)
	}
}

func TestInvalidateKeepsPayloadAndForcesRefetch(t *testing.T) {
	t.Parallel()

	cache := newTestCache(newFakeClock(), &fakeTimers{})
	cache.Subscribe(processesKey)
	done, _ := cache.EnsureFresh(context.Background(), processesKey, staticFetch("v1"), time.Hour)
	waitDone(t, done)

	cache.Invalidate(processesKey)
	entry := cache.Get(processesKey)
	if entry.Payload != "v1" {
		t.Fatalf("expected payload kept after invalidate, got %v", entry.Payload)
	}
	if !entry.LastFetchedAt.IsZero() {
		t.Fatal("expected invalidate to clear last fetched time")
	}

	done, started := cache.EnsureFresh(context.Background(), processesKey, staticFetch("v2"), time.Hour)
	if !started {
		t.Fatal("expected invalidated entry to refetch")
	}
	waitDone(t, done)
	if got := cache.Get(processesKey).Payload; got != "v2" {
		t.Fatalf("expected refetched payload, got %v", got)
	}

	cache.Invalidate(Key{Kind: "missing"})
	if cache.Get(Key{Kind: "missing"}).Present() {
		t.Fatal("invalidating an absent key must not create a payload")
	}
}

func TestInvalidateDuringFetchKeepsEntryStale(t *testing.T) {
	t.Parallel()

	cache := newTestCache(newFakeClock(), &fakeTimers{})
	cache.Subscribe(processesKey)
	release := make(chan struct{})
	gated := func(ctx context.Context, key Key) (any, error) {
		<-release
		return "Running", nil
	}

	done, started := cache.EnsureFresh(context.Background(), processesKey, gated, time.Hour)
	if !started {
		t.Fatal("expected first fetch to start")
	}
	cache.Invalidate(processesKey)
	close(release)
	waitDone(t, done)

	entry := cache.Get(processesKey)
	if entry.Payload != "Running" {
		t.Fatalf("expected in-flight payload applied, got %v", entry.Payload)
	}
	if !entry.LastFetchedAt.IsZero() {
		t.Fatal("expected entry to stay stale after invalidation during fetch")
	}

	done, started = cache.EnsureFresh(context.Background(), processesKey, staticFetch("Paused"), time.Hour)
	if !started {
		t.Fatal("expected next refresh to fetch again")
	}
	waitDone(t, done)
	entry = cache.Get(processesKey)
	if entry.Payload != "Paused" || entry.LastFetchedAt.IsZero() {
		t.Fatalf("expected fresh entry after refetch, got %+v", entry)
	}
}

func TestCancelledFetchLeavesEntryUntouched(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	reporter := &recordingReporter{}
	cache := newTestCache(clock, &fakeTimers{}, WithReporter(reporter))
	cache.Subscribe(processesKey)
	done, _ := cache.EnsureFresh(context.Background(), processesKey, staticFetch("v1"), time.Second)
	waitDone(t, done)
	before := cache.Get(processesKey)

	clock.Advance(2 * time.Second)
	shutdown := fmt.Errorf("%w: %w", consoleerr.ErrTransport, context.Canceled)
	done, _ = cache.EnsureFresh(context.Background(), processesKey, func(ctx context.Context, key Key) (any, error) {
		return nil, shutdown
	}, time.Second)
	waitDone(t, done)

	entry := cache.Get(processesKey)
	if entry.Err != nil || entry.Payload != "v1" || !entry.LastFetchedAt.Equal(before.LastFetchedAt) {
		t.Fatalf("expected cancelled fetch discarded, got %+v", entry)
	}
	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	if len(reporter.degrades) != 0 {
		t.Fatalf("expected no degraded report, got %v", reporter.degrades)
	}
}

func TestOutOfOrderCompletionKeepsNewestWrite(t *testing.T) {
	t.Parallel()

	cache := newTestCache(newFakeClock(), &fakeTimers{})
	cache.Subscribe(processesKey)

	if !cache.complete(processesKey, 4, "four", nil) {
		t.Fatal("expected sequence 4 applied")
	}
	if !cache.complete(processesKey, 5, "five", nil) {
		t.Fatal("expected sequence 5 applied")
	}
	if cache.complete(processesKey, 3, "three", nil) {
		t.Fatal("expected late sequence 3 discarded")
	}
	entry := cache.Get(processesKey)
	if entry.Payload != "five" || entry.Sequence != 5 {
		t.Fatalf("expected newest write kept, got %+v", entry)
	}
}

func TestFailedFetchKeepsPayloadAndRecordsError(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cache := newTestCache(clock, &fakeTimers{})
	cache.Subscribe(processesKey)
	done, _ := cache.EnsureFresh(context.Background(), processesKey, staticFetch("v1"), time.Second)
	waitDone(t, done)
	firstFetch := cache.Get(processesKey).LastFetchedAt

	clock.Advance(5 * time.Second)
	failure := fmt.Errorf("%w: connection reset", consoleerr.ErrTransport)
	done, _ = cache.EnsureFresh(context.Background(), processesKey, func(ctx context.Context, key Key) (any, error) {
		return nil, failure
	}, time.Second)
	waitDone(t, done)

	entry := cache.Get(processesKey)
	if entry.Payload != "v1" {
		t.Fatalf("expected previous payload kept, got %v", entry.Payload)
	}
	if !errors.Is(entry.Err, consoleerr.ErrTransport) {
		t.Fatalf("expected transport error recorded, got %v", entry.Err)
	}
	if !entry.LastFetchedAt.After(firstFetch) {
		t.Fatal("expected failed fetch to stamp last fetched time")
	}

	clock.Advance(5 * time.Second)
	done, _ = cache.EnsureFresh(context.Background(), processesKey, staticFetch("v2"), time.Second)
	waitDone(t, done)
	if entry := cache.Get(processesKey); entry.Err != nil || entry.Payload != "v2" {
		t.Fatalf("expected success to clear error, got %+v", entry)
	}
}

func TestNotFoundClearsPayload(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cache := newTestCache(clock, &fakeTimers{})
	key := Key{Kind: "instance", ID: "i1", FolderKey: "f1"}
	cache.Subscribe(key)
	done, _ := cache.EnsureFresh(context.Background(), key, staticFetch("instance"), time.Second)
	waitDone(t, done)

	clock.Advance(2 * time.Second)
	done, _ = cache.EnsureFresh(context.Background(), key, func(ctx context.Context, key Key) (any, error) {
		return nil, fmt.Errorf("%w: instance i1", consoleerr.ErrNotFound)
	}, time.Second)
	waitDone(t, done)

	entry := cache.Get(key)
	if entry.Present() {
		t.Fatalf("expected payload cleared, got %v", entry.Payload)
	}
	if !errors.Is(entry.Err, consoleerr.ErrNotFound) {
		t.Fatalf("expected not found error, got %v", entry.Err)
	}
}

func TestSubscriptionRefcountAndEviction(t *testing.T) {
	t.Parallel()

	timers := &fakeTimers{}
	cache := newTestCache(newFakeClock(), timers, WithEvictionGrace(30*time.Second))
	first := cache.Subscribe(processesKey)
	second := cache.Subscribe(processesKey)
	done, _ := cache.EnsureFresh(context.Background(), processesKey, staticFetch("v1"), time.Minute)
	waitDone(t, done)

	cache.Unsubscribe(first)
	cache.Unsubscribe(first)
	if got := cache.Subscribers(processesKey); got != 1 {
		t.Fatalf("expected double unsubscribe to release once, got %d subscribers", got)
	}
	if timers.count() != 0 {
		t.Fatal("expected no eviction while a subscriber remains")
	}

	cache.Unsubscribe(second)
	if timers.count() != 1 || timers.delays[0] != 30*time.Second {
		t.Fatalf("expected one eviction timer with grace, got %v", timers.delays)
	}
	timers.fireAll()
	if entry := cache.Get(processesKey); entry.Present() || entry.Sequence != 0 {
		t.Fatalf("expected entry evicted, got %+v", entry)
	}
	if len(cache.Keys()) != 0 {
		t.Fatalf("expected no keys after eviction, got %v", cache.Keys())
	}
}

func TestResubscribeCancelsPendingEviction(t *testing.T) {
	t.Parallel()

	timers := &fakeTimers{}
	cache := newTestCache(newFakeClock(), timers)
	handle := cache.Subscribe(processesKey)
	done, _ := cache.EnsureFresh(context.Background(), processesKey, staticFetch("v1"), 10*time.Second)
	waitDone(t, done)

	cache.Unsubscribe(handle)
	if timers.count() != 1 || timers.delays[0] != 10*time.Second {
		t.Fatalf("expected grace to default to stale window, got %v", timers.delays)
	}
	cache.Subscribe(processesKey)
	timers.fireAll()

	if got := cache.Get(processesKey).Payload; got != "v1" {
		t.Fatalf("expected entry kept after resubscribe, got %v", got)
	}
}

func TestEvictionWaitsForInFlightFetch(t *testing.T) {
	t.Parallel()

	timers := &fakeTimers{}
	cache := newTestCache(newFakeClock(), timers, WithEvictionGrace(time.Second))
	handle := cache.Subscribe(processesKey)
	release := make(chan struct{})
	done, _ := cache.EnsureFresh(context.Background(), processesKey, func(ctx context.Context, key Key) (any, error) {
		<-release
		return "late", nil
	}, time.Minute)

	cache.Unsubscribe(handle)
	if timers.count() != 0 {
		t.Fatal("expected no eviction timer while fetch is in flight")
	}

	close(release)
	waitDone(t, done)
	if got := cache.Get(processesKey).Payload; got != "late" {
		t.Fatalf("expected in-flight result applied, got %v", got)
	}
	if timers.count() != 1 {
		t.Fatalf("expected eviction scheduled after fetch landed, got %d timers", timers.count())
	}
	timers.fireAll()
	if cache.Get(processesKey).Present() {
		t.Fatal("expected entry evicted after grace")
	}
}

func TestSequenceSurvivesEviction(t *testing.T) {
	t.Parallel()

	timers := &fakeTimers{}
	cache := newTestCache(newFakeClock(), timers, WithEvictionGrace(time.Second))
	done, _ := cache.EnsureFresh(context.Background(), processesKey, staticFetch("v1"), time.Minute)
	waitDone(t, done)
	timers.fireAll()

	done, _ = cache.EnsureFresh(context.Background(), processesKey, staticFetch("v2"), time.Minute)
	waitDone(t, done)
	if got := cache.Get(processesKey).Sequence; got != 2 {
		t.Fatalf("expected sequence to keep growing after eviction, got %d", got)
	}
}

func TestWatchRunsListenersOutsideLock(t *testing.T) {
	t.Parallel()

	cache := newTestCache(newFakeClock(), &fakeTimers{})
	var mu sync.Mutex
	var seen []Entry
	stop := cache.Watch(func(key Key) {
		entry := cache.Get(key)
		mu.Lock()
		seen = append(seen, entry)
		mu.Unlock()
	})

	cache.Subscribe(processesKey)
	done, _ := cache.EnsureFresh(context.Background(), processesKey, staticFetch("v1"), time.Minute)
	waitDone(t, done)
	// The completion notification fires after done closes.
	deadline := time.Now().Add(2 * time.Second)
	for {
		mu.Lock()
		last := Entry{}
		if len(seen) > 0 {
			last = seen[len(seen)-1]
		}
		mu.Unlock()
		if last.Payload == "v1" {
			break
		}
		if time.Now().After(deadline) {
			t.Fatal("expected completion notification")
		}
		time.Sleep(5 * time.Millisecond)
	}

	stop()
	mu.Lock()
	before := len(seen)
	mu.Unlock()
	cache.Invalidate(processesKey)
	mu.Lock()
	after := len(seen)
	mu.Unlock()
	if after != before {
		t.Fatal("expected no notifications after stop")
	}
}

func TestReporterReceivesFetchOutcome(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	reporter := &recordingReporter{}
	cache := newTestCache(clock, &fakeTimers{}, WithReporter(reporter))
	cache.Subscribe(processesKey)

	done, _ := cache.EnsureFresh(context.Background(), processesKey, staticFetch("v1"), time.Second)
	waitDone(t, done)
	clock.Advance(2 * time.Second)
	done, _ = cache.EnsureFresh(context.Background(), processesKey, func(ctx context.Context, key Key) (any, error) {
		return nil, consoleerr.ErrTransport
	}, time.Second)
	waitDone(t, done)

	deadline := time.Now().Add(2 * time.Second)
	for {
		reporter.mu.Lock()
		beats, degrades := len(reporter.beats), len(reporter.degrades)
		reporter.mu.Unlock()
		if beats == 1 && degrades == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("expected one beat and one degrade, got %d/%d", beats, degrades)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestEvictingLastEntryOfKindReportsStopped(t *testing.T) {
	t.Parallel()

	reporter := &recordingReporter{}
	timers := &fakeTimers{}
	cache := newTestCache(newFakeClock(), timers, WithReporter(reporter), WithEvictionGrace(time.Minute))
	first := Key{Kind: "history", ID: "a"}
	second := Key{Kind: "history", ID: "b"}

	for _, key := range []Key{first, second} {
		handle := cache.Subscribe(key)
		done, _ := cache.EnsureFresh(context.Background(), key, staticFetch("v1"), time.Second)
		waitDone(t, done)
		cache.Unsubscribe(handle)
	}
	if timers.count() != 2 {
		t.Fatalf("expected two pending evictions, got %d", timers.count())
	}

	timers.mu.Lock()
	pending := timers.pending
	timers.pending = nil
	timers.mu.Unlock()

	pending[0]()
	reporter.mu.Lock()
	stops := len(reporter.stops)
	reporter.mu.Unlock()
	if stops != 0 {
		t.Fatalf("expected no stop while another history entry is held, got %d", stops)
	}

	pending[1]()
	reporter.mu.Lock()
	defer reporter.mu.Unlock()
	if len(reporter.stops) != 1 || reporter.stops[0] != "history" {
		t.Fatalf("expected history stopped once, got %v", reporter.stops)
	}
}

func TestLoadWaitsForResult(t *testing.T) {
	t.Parallel()

	cache := newTestCache(newFakeClock(), &fakeTimers{})
	entry, err := cache.Load(context.Background(), processesKey, staticFetch("v1"), time.Minute)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if entry.Payload != "v1" {
		t.Fatalf("unexpected payload: %v", entry.Payload)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	blocked := Key{Kind: "bpmn", ID: "i1", FolderKey: "f1"}
	release := make(chan struct{})
	defer close(release)
	_, err = cache.Load(ctx, blocked, func(ctx context.Context, key Key) (any, error) {
		<-release
		return nil, nil
	}, time.Minute)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancellation, got %v", err)
	}
}
