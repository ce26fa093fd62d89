// Package heartbeat tracks the health of the console's background feeds:
// one component per polled resource kind plus the poller, token watcher and
// audit journal.
package heartbeat

import (
	"sort"
	"strings"
	"sync"
	"time"
)

const (
	StateStarting = "starting"
	StateHealthy  = "healthy"
	StateDegraded = "degraded"
	StateDisabled = "disabled"
	StateStopped  = "stopped"
	StateStale    = "stale"
)

type Reporter interface {
	Starting(component, message string)
	Beat(component, message string)
	Degrade(component, message string, err error)
	Disabled(component, message string)
	Stopped(component, message string)
}

type ComponentStatus struct {
	Name       string    `json:"name"`
	State      string    `json:"state"`
	BaseState  string    `json:"base_state"`
	Message    string    `json:"message,omitempty"`
	Error      string    `json:"error,omitempty"`
	Failures   int       `json:"consecutive_failures,omitempty"`
	LastBeatAt time.Time `json:"last_beat_at,omitempty"`
	UpdatedAt  time.Time `json:"updated_at"`
	Stale      bool      `json:"stale,omitempty"`
}

type Snapshot struct {
	GeneratedAt time.Time         `json:"generated_at"`
	Overall     string            `json:"overall"`
	Components  []ComponentStatus `json:"components"`
}

// Degraded lists the components currently degraded or stale.
func (s Snapshot) Degraded() []ComponentStatus {
	var out []ComponentStatus
	for _, item := range s.Components {
		if IsDegradedState(item.State) {
			out = append(out, item)
		}
	}
	return out
}

type component struct {
	state      string
	message    string
	lastError  string
	failures   int
	lastBeatAt time.Time
	updatedAt  time.Time
}

type Board struct {
	mu         sync.RWMutex
	components map[string]component
	now        func() time.Time
}

func NewBoard() *Board {
	return &Board{
		components: map[string]component{},
		now:        func() time.Time { return time.Now().UTC() },
	}
}

func (b *Board) Starting(name, message string) {
	b.update(name, func(c *component, now time.Time) {
		c.state = StateStarting
		c.message = strings.TrimSpace(message)
		c.lastError = ""
	})
}

func (b *Board) Beat(name, message string) {
	b.update(name, func(c *component, now time.Time) {
		c.state = StateHealthy
		c.message = strings.TrimSpace(message)
		c.lastError = ""
		c.failures = 0
		c.lastBeatAt = now
	})
}

func (b *Board) Degrade(name, message string, err error) {
	b.update(name, func(c *component, now time.Time) {
		c.state = StateDegraded
		c.message = strings.TrimSpace(message)
		c.lastError = ""
		if err != nil {
			c.lastError = strings.TrimSpace(err.Error())
		}
		c.failures++
	})
}

func (b *Board) Disabled(name, message string) {
	b.update(name, func(c *component, now time.Time) {
		c.state = StateDisabled
		c.message = strings.TrimSpace(message)
		c.lastError = ""
	})
}

func (b *Board) Stopped(name, message string) {
	b.update(name, func(c *component, now time.Time) {
		c.state = StateStopped
		c.message = strings.TrimSpace(message)
	})
}

func (b *Board) update(name string, apply func(*component, time.Time)) {
	name = normalizeName(name)
	if name == "" {
		return
	}
	now := b.now()
	b.mu.Lock()
	defer b.mu.Unlock()
	c := b.components[name]
	apply(&c, now)
	c.updatedAt = now
	if c.lastBeatAt.IsZero() {
		c.lastBeatAt = now
	}
	b.components[name] = c
}

// Component reports one component as Snapshot would.
func (b *Board) Component(name string, staleAfter time.Duration) (ComponentStatus, bool) {
	name = normalizeName(name)
	now := b.now()
	b.mu.RLock()
	defer b.mu.RUnlock()
	c, ok := b.components[name]
	if !ok {
		return ComponentStatus{}, false
	}
	return c.status(name, now, staleAfter), true
}

func (b *Board) Snapshot(staleAfter time.Duration) Snapshot {
	now := b.now()
	b.mu.RLock()
	results := make([]ComponentStatus, 0, len(b.components))
	for name, c := range b.components {
		results = append(results, c.status(name, now, staleAfter))
	}
	b.mu.RUnlock()

	sort.Slice(results, func(left, right int) bool {
		return results[left].Name < results[right].Name
	})
	return Snapshot{
		GeneratedAt: now,
		Overall:     overall(results),
		Components:  results,
	}
}

func (c component) status(name string, now time.Time, staleAfter time.Duration) ComponentStatus {
	status := ComponentStatus{
		Name:       name,
		State:      c.state,
		BaseState:  c.state,
		Message:    c.message,
		Error:      c.lastError,
		Failures:   c.failures,
		LastBeatAt: c.lastBeatAt,
		UpdatedAt:  c.updatedAt,
	}
	// Only live components go stale; a quiet feed nobody polls is not a fault.
	if staleAfter > 0 && (c.state == StateHealthy || c.state == StateStarting) && now.Sub(c.lastBeatAt) > staleAfter {
		status.State = StateStale
		status.Stale = true
	}
	return status
}

func IsDegradedState(state string) bool {
	return state == StateDegraded || state == StateStale
}

func normalizeName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func overall(items []ComponentStatus) string {
	if len(items) == 0 {
		return "unknown"
	}
	starting := false
	active := false
	for _, item := range items {
		switch item.State {
		case StateDegraded, StateStale:
			return StateDegraded
		case StateStarting:
			starting = true
			active = true
		case StateHealthy:
			active = true
		}
	}
	if starting {
		return StateStarting
	}
	if !active {
		return "idle"
	}
	return StateHealthy
}
