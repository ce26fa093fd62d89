package poll

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dwizi/maestro-console/internal/cache"
	"github.com/dwizi/maestro-console/internal/resource"
	"github.com/robfig/cron/v3"
)

const componentName = "poller"

type Cache interface {
	EnsureFresh(ctx context.Context, key cache.Key, fetch cache.FetchFunc, staleWindow time.Duration) (<-chan struct{}, bool)
	Invalidate(key cache.Key)
	Subscribe(key cache.Key) cache.Handle
	Unsubscribe(handle cache.Handle)
}

type subscription struct {
	refs   int
	handle cache.Handle
	entry  cron.EntryID
}

// Scheduler keeps one repeating timer per subscribed key. Each tick asks
// the cache to refresh the key under the key kind's policy.
type Scheduler struct {
	cache    Cache
	fetch    cache.FetchFunc
	policies resource.Policies
	cron     *cron.Cron
	logger   *slog.Logger

	// ops serializes subscription changes; mu guards subs for readers.
	ops     sync.Mutex
	mu      sync.Mutex
	subs    map[cache.Key]*subscription
	ctx     context.Context
	cancel  context.CancelFunc
	running bool
	stopped bool
}

func New(store Cache, fetch cache.FetchFunc, policies resource.Policies, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", componentName)
	ctx, cancel := context.WithCancel(context.Background())
	adapter := cronLogger{logger: logger}
	return &Scheduler{
		cache:    store,
		fetch:    fetch,
		policies: policies,
		cron:     cron.New(cron.WithLogger(adapter), cron.WithChain(cron.Recover(adapter))),
		logger:   logger,
		subs:     map[cache.Key]*subscription{},
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Subscribe starts polling key and fetches it right away. A key subscribed
// more than once keeps polling until every subscription is released.
func (s *Scheduler) Subscribe(key cache.Key) {
	s.ops.Lock()
	if s.stopped {
		s.ops.Unlock()
		s.logger.Warn("subscribe after stop ignored", "key", key.String())
		return
	}
	s.mu.Lock()
	sub, ok := s.subs[key]
	if ok {
		sub.refs++
	}
	s.mu.Unlock()
	if ok {
		s.ops.Unlock()
		return
	}

	policy := s.policies.For(key.Kind)
	sub = &subscription{
		refs:   1,
		entry:  s.cron.Schedule(cron.Every(policy.Interval), cron.FuncJob(func() { s.tick(key) })),
		handle: s.cache.Subscribe(key),
	}
	s.mu.Lock()
	s.subs[key] = sub
	s.mu.Unlock()
	s.ops.Unlock()

	s.logger.Debug("polling started", "key", key.String(), "interval", policy.Interval.String())
	s.tick(key)
}

func (s *Scheduler) Unsubscribe(key cache.Key) {
	s.ops.Lock()
	defer s.ops.Unlock()
	s.mu.Lock()
	sub, ok := s.subs[key]
	if ok {
		sub.refs--
		if sub.refs == 0 {
			delete(s.subs, key)
		}
	}
	s.mu.Unlock()
	if !ok || sub.refs > 0 {
		return
	}

	s.cron.Remove(sub.entry)
	s.cache.Unsubscribe(sub.handle)
	s.logger.Debug("polling stopped", "key", key.String())
}

// Refresh drops the freshness of key and fetches it again.
func (s *Scheduler) Refresh(key cache.Key) <-chan struct{} {
	s.cache.Invalidate(key)
	return s.tick(key)
}

func (s *Scheduler) tick(key cache.Key) <-chan struct{} {
	policy := s.policies.For(key.Kind)
	done, started := s.cache.EnsureFresh(s.ctx, key, s.fetch, policy.StaleWindow)
	if started {
		s.logger.Debug("poll tick fetching", "key", key.String())
	}
	return done
}

// Active lists the keys being polled, ordered by their string form.
func (s *Scheduler) Active() []cache.Key {
	s.mu.Lock()
	keys := make([]cache.Key, 0, len(s.subs))
	for key := range s.subs {
		keys = append(keys, key)
	}
	s.mu.Unlock()
	sort.Slice(keys, func(left, right int) bool {
		return keys[left].String() < keys[right].String()
	})
	return keys
}

// Start runs the timers until ctx is done, then stops them all.
func (s *Scheduler) Start(ctx context.Context) error {
	s.ops.Lock()
	if s.running || s.stopped {
		s.ops.Unlock()
		<-ctx.Done()
		return nil
	}
	s.running = true
	s.cron.Start()
	s.ops.Unlock()

	s.logger.Info("poll scheduler started")
	<-ctx.Done()
	s.Stop()
	return nil
}

// Stop removes every timer and releases every cache subscription. Fetches
// still in flight see their context cancelled.
func (s *Scheduler) Stop() {
	s.ops.Lock()
	defer s.ops.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true
	s.mu.Lock()
	subs := s.subs
	s.subs = map[cache.Key]*subscription{}
	s.mu.Unlock()

	for _, sub := range subs {
		s.cron.Remove(sub.entry)
		s.cache.Unsubscribe(sub.handle)
	}
	<-s.cron.Stop().Done()
	s.cancel()
	s.logger.Info("poll scheduler stopped", "released", len(subs))
}

type cronLogger struct {
	logger *slog.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...interface{}) {
	l.logger.Debug("cron: "+msg, keysAndValues...)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	l.logger.Error("cron: "+msg, append(keysAndValues, "error", err)...)
}
