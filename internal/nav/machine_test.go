package nav

import (
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/dwizi/maestro-console/internal/cache"
	"github.com/dwizi/maestro-console/internal/consoleerr"
	"github.com/dwizi/maestro-console/internal/registry"
	"github.com/dwizi/maestro-console/internal/resource"
)

type recordingSubscriber struct {
	mu     sync.Mutex
	counts map[cache.Key]int
	events []string
}

func newRecordingSubscriber() *recordingSubscriber {
	return &recordingSubscriber{counts: map[cache.Key]int{}}
}

func (r *recordingSubscriber) Subscribe(key cache.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[key]++
	r.events = append(r.events, "+"+key.String())
}

func (r *recordingSubscriber) Unsubscribe(key cache.Key) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[key]--
	r.events = append(r.events, "-"+key.String())
}

func (r *recordingSubscriber) live() map[string]int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := map[string]int{}
	for key, count := range r.counts {
		if count != 0 {
			out[key.String()] = count
		}
	}
	return out
}

func newTestMachine(defaultFolder string) (*Machine, *recordingSubscriber) {
	subscriber := newRecordingSubscriber()
	return New(subscriber, defaultFolder, slog.New(slog.NewTextHandler(io.Discard, nil))), subscriber
}

func assertLive(t *testing.T, subscriber *recordingSubscriber, want ...string) {
	t.Helper()
	live := subscriber.live()
	if len(live) != len(want) {
		t.Fatalf("expected live keys %v, got %v", want, live)
	}
	for _, key := range want {
		if live[key] != 1 {
			t.Fatalf("expected %s subscribed once, got %v", key, live)
		}
	}
}

var (
	invoices = registry.Process{ProcessKey: "P1", Name: "Invoices", FolderKey: "proc-folder"}
	inst1    = registry.Instance{InstanceID: "i1", ProcessKey: "P1", FolderKey: "inst-folder"}
)

func TestNavigationRoundTripRestoresSubscriptions(t *testing.T) {
	t.Parallel()

	machine, subscriber := newTestMachine("default-folder")
	machine.Start()
	assertLive(t, subscriber, "processes", "instances")

	if err := machine.SelectProcess(invoices); err != nil {
		t.Fatalf("select process: %v", err)
	}
	state := machine.State()
	if state.Level != SubCollection || state.ProcessKey != "P1" || state.ProcessName != "Invoices" {
		t.Fatalf("unexpected state: %+v", state)
	}
	assertLive(t, subscriber, "processes", "instances")

	if err := machine.SelectInstance(inst1); err != nil {
		t.Fatalf("select instance: %v", err)
	}
	if got := machine.State(); got.Level != Detail || got.FolderKey != "inst-folder" {
		t.Fatalf("unexpected detail state: %+v", got)
	}
	assertLive(t, subscriber, "processes", "instances",
		"instance/inst-folder/i1", "bpmn/inst-folder/i1", "history/i1", "variables/inst-folder/i1")

	if !machine.Back() {
		t.Fatal("expected back from detail")
	}
	if got := machine.State(); got.Level != SubCollection || got.ProcessKey != "P1" || got.InstanceID != "" {
		t.Fatalf("unexpected state after back: %+v", got)
	}
	assertLive(t, subscriber, "processes", "instances")

	if !machine.Back() {
		t.Fatal("expected back from sub-collection")
	}
	if machine.Back() {
		t.Fatal("expected back at the top to report false")
	}
	if got := machine.State(); got != (State{Level: Collection}) {
		t.Fatalf("expected initial state, got %+v", got)
	}
	assertLive(t, subscriber, "processes", "instances")

	machine.Close()
	assertLive(t, subscriber)
	machine.Close()
	assertLive(t, subscriber)
}

func TestInvalidTransitionsAreRejected(t *testing.T) {
	t.Parallel()

	machine, subscriber := newTestMachine("")
	machine.Start()

	if err := machine.SelectInstance(inst1); !errors.Is(err, consoleerr.ErrValidation) {
		t.Fatalf("expected instance selection from collection rejected, got %v", err)
	}
	if err := machine.SelectProcess(registry.Process{}); !errors.Is(err, consoleerr.ErrValidation) {
		t.Fatalf("expected empty process rejected, got %v", err)
	}
	if err := machine.SelectProcess(invoices); err != nil {
		t.Fatalf("select process: %v", err)
	}
	if err := machine.SelectProcess(invoices); !errors.Is(err, consoleerr.ErrValidation) {
		t.Fatalf("expected process selection from sub-collection rejected, got %v", err)
	}
	foreign := registry.Instance{InstanceID: "i9", ProcessKey: "P2", FolderKey: "f"}
	if err := machine.SelectInstance(foreign); !errors.Is(err, consoleerr.ErrValidation) {
		t.Fatalf("expected instance of another process rejected, got %v", err)
	}
	if machine.State().Level != SubCollection {
		t.Fatalf("expected state unchanged, got %+v", machine.State())
	}
	assertLive(t, subscriber, "processes", "instances")
}

func TestDetailFolderResolutionOrder(t *testing.T) {
	t.Parallel()

	cases := []struct {
		name          string
		process       registry.Process
		instance      registry.Instance
		defaultFolder string
		want          string
	}{
		{"instance folder", invoices, inst1, "d", "inst-folder"},
		{"process folder", invoices, registry.Instance{InstanceID: "i2", ProcessKey: "P1"}, "d", "proc-folder"},
		{"default folder", registry.Process{ProcessKey: "P1"}, registry.Instance{InstanceID: "i3", ProcessKey: "P1"}, "d", "d"},
	}
	for _, tc := range cases {
		machine, _ := newTestMachine(tc.defaultFolder)
		machine.Start()
		if err := machine.SelectProcess(tc.process); err != nil {
			t.Fatalf("%s: select process: %v", tc.name, err)
		}
		if err := machine.SelectInstance(tc.instance); err != nil {
			t.Fatalf("%s: select instance: %v", tc.name, err)
		}
		if got := machine.State().FolderKey; got != tc.want {
			t.Fatalf("%s: expected folder %q, got %q", tc.name, tc.want, got)
		}
	}

	machine, subscriber := newTestMachine("")
	machine.Start()
	_ = machine.SelectProcess(registry.Process{ProcessKey: "P1"})
	if err := machine.SelectInstance(registry.Instance{InstanceID: "i4", ProcessKey: "P1"}); !errors.Is(err, consoleerr.ErrValidation) {
		t.Fatalf("expected missing folder rejected, got %v", err)
	}
	assertLive(t, subscriber, "processes", "instances")
}

func TestWatchReceivesEachState(t *testing.T) {
	t.Parallel()

	machine, _ := newTestMachine("")
	var levels []Level
	stop := machine.Watch(func(state State) {
		levels = append(levels, state.Level)
	})
	machine.Start()
	_ = machine.SelectProcess(invoices)
	_ = machine.SelectInstance(inst1)
	stop()
	machine.Back()

	want := []Level{Collection, SubCollection, Detail}
	if len(levels) != len(want) {
		t.Fatalf("expected %v, got %v", want, levels)
	}
	for i := range want {
		if levels[i] != want[i] {
			t.Fatalf("expected %v, got %v", want, levels)
		}
	}
}

func TestRequiredKeysForDetail(t *testing.T) {
	t.Parallel()

	keys := RequiredKeys(State{Level: Detail, InstanceID: "i1", FolderKey: "f1"})
	want := []cache.Key{
		resource.Processes(), resource.Instances(),
		resource.Instance("i1", "f1"), resource.Bpmn("i1", "f1"), resource.History("i1"), resource.Variables("i1", "f1"),
	}
	if len(keys) != len(want) {
		t.Fatalf("expected %v, got %v", want, keys)
	}
	for i := range want {
		if keys[i] != want[i] {
			t.Fatalf("key %d: expected %s, got %s", i, want[i], keys[i])
		}
	}
}
