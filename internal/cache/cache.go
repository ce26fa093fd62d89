// Package cache keeps the last known registry payload per resource key.
//
// Every fetch reserves a per-key sequence number before it starts and its
// result is applied only when that number is greater than the one already
// stored, so an older response can never overwrite a newer one. At most one
// fetch runs per key. Entries are reference counted by subscriptions and
// evicted after a grace period once nobody holds them.
package cache

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/dwizi/maestro-console/internal/consoleerr"
)

type Key struct {
	Kind      string
	ID        string
	FolderKey string
}

func (k Key) String() string {
	switch {
	case k.FolderKey != "":
		return k.Kind + "/" + k.FolderKey + "/" + k.ID
	case k.ID != "":
		return k.Kind + "/" + k.ID
	default:
		return k.Kind
	}
}

// Entry is a point-in-time copy of one cached resource. A zero LastFetchedAt
// means the entry was invalidated or never fetched.
type Entry struct {
	Key           Key
	Payload       any
	Sequence      uint64
	LastFetchedAt time.Time
	Err           error
	InFlight      bool
	Subscribers   int
}

func (e Entry) Present() bool {
	return e.Payload != nil
}

func (e Entry) Fresh(now time.Time, window time.Duration) bool {
	if e.LastFetchedAt.IsZero() {
		return false
	}
	return now.Sub(e.LastFetchedAt) < window
}

// PayloadAs returns the entry payload as T.
func PayloadAs[T any](e Entry) (T, bool) {
	value, ok := e.Payload.(T)
	return value, ok
}

type FetchFunc func(ctx context.Context, key Key) (any, error)

// Reporter receives one signal per applied fetch, named after the key kind,
// and a stop once the last entry of a kind is evicted.
type Reporter interface {
	Beat(component, message string)
	Degrade(component, message string, err error)
	Stopped(component, message string)
}

type Handle struct {
	key Key
	id  uint64
}

func (h Handle) Key() Key { return h.key }

// record is the state behind one key. staleThrough holds the highest
// sequence reserved at the last Invalidate; results at or below it leave
// the entry stale.
type record struct {
	payload      any
	sequence     uint64
	fetchedAt    time.Time
	err          error
	inFlight     bool
	inFlightSeq  uint64
	staleThrough uint64
	done         chan struct{}
	subscribers  int
	staleWindow  time.Duration
	evictGen     uint64
}

type Cache struct {
	mu        sync.Mutex
	entries   map[Key]*record
	reserved  map[Key]uint64
	handles   map[uint64]Key
	nextID    uint64
	listeners map[uint64]func(Key)

	now       func() time.Time
	afterFunc func(time.Duration, func())
	grace     time.Duration
	logger    *slog.Logger
	reporter  Reporter
}

type Option func(*Cache)

func WithClock(now func() time.Time) Option {
	return func(c *Cache) {
		if now != nil {
			c.now = now
		}
	}
}

// WithEvictionGrace fixes the grace period for unreferenced entries. Zero
// keeps the default of the entry's last staleness window.
func WithEvictionGrace(grace time.Duration) Option {
	return func(c *Cache) {
		if grace > 0 {
			c.grace = grace
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(c *Cache) {
		if logger != nil {
			c.logger = logger
		}
	}
}

func WithReporter(reporter Reporter) Option {
	return func(c *Cache) {
		c.reporter = reporter
	}
}

func withAfterFunc(afterFunc func(time.Duration, func())) Option {
	return func(c *Cache) {
		c.afterFunc = afterFunc
	}
}

func New(opts ...Option) *Cache {
	c := &Cache{
		entries:   map[Key]*record{},
		reserved:  map[Key]uint64{},
		handles:   map[uint64]Key{},
		listeners: map[uint64]func(Key){},
		now:       time.Now,
		afterFunc: func(d time.Duration, f func()) { time.AfterFunc(d, f) },
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.logger = c.logger.With("component", "cache")
	return c
}

func (c *Cache) Get(key Key) Entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked(key)
}

func (c *Cache) snapshotLocked(key Key) Entry {
	entry := Entry{Key: key}
	rec, ok := c.entries[key]
	if !ok {
		return entry
	}
	entry.Payload = rec.payload
	entry.Sequence = rec.sequence
	entry.LastFetchedAt = rec.fetchedAt
	entry.Err = rec.err
	entry.InFlight = rec.inFlight
	entry.Subscribers = rec.subscribers
	return entry
}

// EnsureFresh starts a fetch when the entry is absent, invalidated or older
// than staleWindow and no fetch is already running. The returned channel
// closes once the key has no fetch in flight; started reports whether this
// call launched one.
func (c *Cache) EnsureFresh(ctx context.Context, key Key, fetch FetchFunc, staleWindow time.Duration) (<-chan struct{}, bool) {
	c.mu.Lock()
	rec := c.recordLocked(key)
	if rec.inFlight {
		done := rec.done
		c.mu.Unlock()
		return done, false
	}
	if !rec.fetchedAt.IsZero() && c.now().Sub(rec.fetchedAt) <= staleWindow {
		c.mu.Unlock()
		return closedChannel(), false
	}
	seq := c.reserveLocked(key)
	rec.inFlight = true
	rec.inFlightSeq = seq
	rec.done = make(chan struct{})
	rec.staleWindow = staleWindow
	rec.evictGen++
	done := rec.done
	c.mu.Unlock()

	c.logger.Debug("fetch started", "key", key.String(), "sequence", seq)
	c.notify(key)
	go func() {
		payload, err := fetch(ctx, key)
		c.complete(key, seq, payload, err)
	}()
	return done, true
}

// Load refreshes the entry if needed and waits for the outcome.
func (c *Cache) Load(ctx context.Context, key Key, fetch FetchFunc, staleWindow time.Duration) (Entry, error) {
	done, _ := c.EnsureFresh(ctx, key, fetch, staleWindow)
	select {
	case <-done:
	case <-ctx.Done():
		return c.Get(key), ctx.Err()
	}
	entry := c.Get(key)
	return entry, entry.Err
}

func (c *Cache) reserveLocked(key Key) uint64 {
	c.reserved[key]++
	return c.reserved[key]
}

// complete applies a fetch outcome tagged with its reserved sequence.
func (c *Cache) complete(key Key, seq uint64, payload any, err error) bool {
	c.mu.Lock()
	rec := c.recordLocked(key)
	var done chan struct{}
	if rec.inFlight && rec.inFlightSeq == seq {
		rec.inFlight = false
		done = rec.done
		rec.done = nil
	}

	applied := seq > rec.sequence && !errors.Is(err, context.Canceled)
	if applied {
		rec.sequence = seq
		rec.fetchedAt = c.now()
		if seq <= rec.staleThrough {
			rec.fetchedAt = time.Time{}
		}
		if err != nil {
			rec.err = err
			if errors.Is(err, consoleerr.ErrNotFound) {
				rec.payload = nil
			}
		} else {
			rec.payload = payload
			rec.err = nil
		}
	}
	if rec.subscribers == 0 && !rec.inFlight {
		c.scheduleEvictionLocked(key, rec)
	}
	c.mu.Unlock()

	if done != nil {
		close(done)
	}
	if !applied {
		c.logger.Debug("fetch result discarded", "key", key.String(), "sequence", seq)
		c.notify(key)
		return false
	}
	c.report(key, err)
	c.notify(key)
	return true
}

func (c *Cache) report(key Key, err error) {
	if err != nil {
		c.logger.Warn("fetch failed", "key", key.String(), "error", err)
	}
	if c.reporter == nil {
		return
	}
	if err != nil {
		c.reporter.Degrade(key.Kind, "fetch "+key.String()+" failed", err)
		return
	}
	c.reporter.Beat(key.Kind, "fetched "+key.String())
}

// Invalidate marks the entry stale without dropping its payload. A fetch
// already in flight still delivers its payload but leaves the entry stale.
func (c *Cache) Invalidate(key Key) {
	c.mu.Lock()
	rec, ok := c.entries[key]
	if !ok {
		c.mu.Unlock()
		return
	}
	rec.fetchedAt = time.Time{}
	rec.staleThrough = c.reserved[key]
	c.mu.Unlock()
	c.notify(key)
}

func (c *Cache) Subscribe(key Key) Handle {
	c.mu.Lock()
	rec := c.recordLocked(key)
	rec.subscribers++
	rec.evictGen++
	c.nextID++
	handle := Handle{key: key, id: c.nextID}
	c.handles[handle.id] = key
	c.mu.Unlock()
	c.notify(key)
	return handle
}

// Unsubscribe releases one subscription. Releasing the same handle twice
// has no further effect.
func (c *Cache) Unsubscribe(handle Handle) {
	c.mu.Lock()
	key, ok := c.handles[handle.id]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(c.handles, handle.id)
	rec, ok := c.entries[key]
	if ok && rec.subscribers > 0 {
		rec.subscribers--
		if rec.subscribers == 0 {
			c.scheduleEvictionLocked(key, rec)
		}
	}
	c.mu.Unlock()
	c.notify(key)
}

func (c *Cache) Subscribers(key Key) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	if rec, ok := c.entries[key]; ok {
		return rec.subscribers
	}
	return 0
}

func (c *Cache) scheduleEvictionLocked(key Key, rec *record) {
	if rec.inFlight {
		return
	}
	rec.evictGen++
	gen := rec.evictGen
	grace := c.grace
	if grace <= 0 {
		grace = rec.staleWindow
	}
	if grace <= 0 {
		delete(c.entries, key)
		c.reportDrainedLocked(key.Kind)
		return
	}
	c.afterFunc(grace, func() { c.evict(key, gen) })
}

func (c *Cache) evict(key Key, gen uint64) {
	c.mu.Lock()
	rec, ok := c.entries[key]
	if !ok || rec.evictGen != gen || rec.subscribers > 0 || rec.inFlight {
		c.mu.Unlock()
		return
	}
	delete(c.entries, key)
	c.reportDrainedLocked(key.Kind)
	c.mu.Unlock()
	c.logger.Debug("entry evicted", "key", key.String())
	c.notify(key)
}

func (c *Cache) reportDrainedLocked(kind string) {
	if c.reporter == nil {
		return
	}
	for key := range c.entries {
		if key.Kind == kind {
			return
		}
	}
	c.reporter.Stopped(kind, "no entries held")
}

func (c *Cache) recordLocked(key Key) *record {
	rec, ok := c.entries[key]
	if !ok {
		rec = &record{}
		c.entries[key] = rec
	}
	return rec
}

// Keys lists the keys currently held, ordered by their string form.
func (c *Cache) Keys() []Key {
	c.mu.Lock()
	keys := make([]Key, 0, len(c.entries))
	for key := range c.entries {
		keys = append(keys, key)
	}
	c.mu.Unlock()
	sort.Slice(keys, func(left, right int) bool {
		return keys[left].String() < keys[right].String()
	})
	return keys
}

// Watch registers fn for change notifications. fn runs outside the cache
// lock and may call back into the cache.
func (c *Cache) Watch(fn func(Key)) (stop func()) {
	c.mu.Lock()
	c.nextID++
	id := c.nextID
	c.listeners[id] = fn
	c.mu.Unlock()
	return func() {
		c.mu.Lock()
		delete(c.listeners, id)
		c.mu.Unlock()
	}
}

func (c *Cache) notify(key Key) {
	c.mu.Lock()
	listeners := make([]func(Key), 0, len(c.listeners))
	for _, fn := range c.listeners {
		listeners = append(listeners, fn)
	}
	c.mu.Unlock()
	for _, fn := range listeners {
		fn(key)
	}
}

func closedChannel() <-chan struct{} {
	ch := make(chan struct{})
	close(ch)
	return ch
}
