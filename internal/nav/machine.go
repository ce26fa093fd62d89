// Package nav drives the collection, sub-collection and detail views and
// keeps the poll subscriptions in line with the view on screen.
package nav

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/dwizi/maestro-console/internal/cache"
	"github.com/dwizi/maestro-console/internal/consoleerr"
	"github.com/dwizi/maestro-console/internal/registry"
	"github.com/dwizi/maestro-console/internal/resource"
)

type Level int

const (
	Collection Level = iota
	SubCollection
	Detail
)

func (l Level) String() string {
	switch l {
	case SubCollection:
		return "instances"
	case Detail:
		return "detail"
	default:
		return "processes"
	}
}

// State is replaced on every transition and never mutated. Its references
// are resolved against the cache when rendered.
type State struct {
	Level       Level
	ProcessKey  string
	ProcessName string
	InstanceID  string
	FolderKey   string
}

type Subscriber interface {
	Subscribe(key cache.Key)
	Unsubscribe(key cache.Key)
}

type Machine struct {
	subscriber    Subscriber
	defaultFolder string
	logger        *slog.Logger

	// ops serializes transitions; mu guards the fields below it.
	ops       sync.Mutex
	mu        sync.Mutex
	state     State
	process   registry.Process
	active    []cache.Key
	started   bool
	closed    bool
	listeners map[uint64]func(State)
	nextID    uint64
}

func New(subscriber Subscriber, defaultFolder string, logger *slog.Logger) *Machine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Machine{
		subscriber:    subscriber,
		defaultFolder: defaultFolder,
		logger:        logger.With("component", "nav"),
		listeners:     map[uint64]func(State){},
	}
}

// RequiredKeys lists the keys a state needs polled. Deeper levels keep the
// keys of the levels above them.
func RequiredKeys(state State) []cache.Key {
	keys := []cache.Key{resource.Processes(), resource.Instances()}
	if state.Level == Detail {
		keys = append(keys, resource.DetailKeys(state.InstanceID, state.FolderKey)...)
	}
	return keys
}

// Start subscribes the initial collection view.
func (m *Machine) Start() {
	m.ops.Lock()
	defer m.ops.Unlock()
	m.mu.Lock()
	if m.started || m.closed {
		m.mu.Unlock()
		return
	}
	m.started = true
	m.mu.Unlock()
	m.apply(State{Level: Collection}, registry.Process{})
}

func (m *Machine) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Process returns the process selected on entering the sub-collection.
func (m *Machine) Process() registry.Process {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.process
}

func (m *Machine) SelectProcess(process registry.Process) error {
	if process.ProcessKey == "" {
		return fmt.Errorf("%w: process key is required", consoleerr.ErrValidation)
	}
	m.ops.Lock()
	current := m.State()
	if current.Level != Collection {
		m.ops.Unlock()
		return fmt.Errorf("%w: cannot select a process from the %s view", consoleerr.ErrValidation, current.Level)
	}
	next := State{Level: SubCollection, ProcessKey: process.ProcessKey, ProcessName: process.DisplayName()}
	m.apply(next, process)
	m.ops.Unlock()
	return nil
}

func (m *Machine) SelectInstance(instance registry.Instance) error {
	if instance.InstanceID == "" {
		return fmt.Errorf("%w: instance id is required", consoleerr.ErrValidation)
	}
	m.ops.Lock()
	current := m.State()
	process := m.Process()
	if current.Level != SubCollection {
		m.ops.Unlock()
		return fmt.Errorf("%w: cannot select an instance from the %s view", consoleerr.ErrValidation, current.Level)
	}
	if instance.ProcessKey != current.ProcessKey {
		m.ops.Unlock()
		return fmt.Errorf("%w: instance %s does not belong to process %s", consoleerr.ErrValidation, instance.InstanceID, current.ProcessKey)
	}
	folder := m.resolveFolder(instance, process)
	if folder == "" {
		m.ops.Unlock()
		return fmt.Errorf("%w: no folder key for instance %s", consoleerr.ErrValidation, instance.InstanceID)
	}
	next := current
	next.Level = Detail
	next.InstanceID = instance.InstanceID
	next.FolderKey = folder
	m.apply(next, process)
	m.ops.Unlock()
	return nil
}

func (m *Machine) resolveFolder(instance registry.Instance, process registry.Process) string {
	switch {
	case instance.FolderKey != "":
		return instance.FolderKey
	case process.FolderKey != "":
		return process.FolderKey
	default:
		return m.defaultFolder
	}
}

// Back moves one level up. It reports false at the top level.
func (m *Machine) Back() bool {
	m.ops.Lock()
	defer m.ops.Unlock()
	current := m.State()
	process := m.Process()
	switch current.Level {
	case Detail:
		m.apply(State{Level: SubCollection, ProcessKey: current.ProcessKey, ProcessName: current.ProcessName}, process)
		return true
	case SubCollection:
		m.apply(State{Level: Collection}, registry.Process{})
		return true
	default:
		return false
	}
}

// Close releases every subscription the machine holds.
func (m *Machine) Close() {
	m.ops.Lock()
	defer m.ops.Unlock()
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	active := m.active
	m.active = nil
	m.mu.Unlock()
	for _, key := range active {
		m.subscriber.Unsubscribe(key)
	}
}

// Watch registers fn to receive every new state.
func (m *Machine) Watch(fn func(State)) (stop func()) {
	m.mu.Lock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.listeners, id)
		m.mu.Unlock()
	}
}

// apply swaps in next and moves subscriptions by the key set difference.
// Callers hold ops.
func (m *Machine) apply(next State, process registry.Process) {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	previous := m.active
	required := RequiredKeys(next)
	m.state = next
	m.process = process
	m.active = required
	listeners := make([]func(State), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()

	stale, fresh := diffKeys(previous, required)
	for _, key := range stale {
		m.subscriber.Unsubscribe(key)
	}
	for _, key := range fresh {
		m.subscriber.Subscribe(key)
	}
	m.logger.Debug("navigated", "level", next.Level.String(), "process_key", next.ProcessKey, "instance_id", next.InstanceID, "released", len(stale), "subscribed", len(fresh))
	for _, fn := range listeners {
		fn(next)
	}
}

func diffKeys(previous, required []cache.Key) (stale, fresh []cache.Key) {
	want := make(map[cache.Key]struct{}, len(required))
	for _, key := range required {
		want[key] = struct{}{}
	}
	have := make(map[cache.Key]struct{}, len(previous))
	for _, key := range previous {
		have[key] = struct{}{}
		if _, ok := want[key]; !ok {
			stale = append(stale, key)
		}
	}
	for _, key := range required {
		if _, ok := have[key]; !ok {
			fresh = append(fresh, key)
		}
	}
	return stale, fresh
}
