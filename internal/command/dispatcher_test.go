package command

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/dwizi/maestro-console/internal/cache"
	"github.com/dwizi/maestro-console/internal/consoleerr"
	"github.com/dwizi/maestro-console/internal/registry"
	"github.com/dwizi/maestro-console/internal/resource"
	"github.com/dwizi/maestro-console/internal/store"
)

type fakeRegistry struct {
	mu       sync.Mutex
	calls    []string
	comments []string
	err      error
}

func (f *fakeRegistry) record(action, instanceID, comment string) (registry.OperationResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, action+":"+instanceID)
	f.comments = append(f.comments, comment)
	if f.err != nil {
		return registry.OperationResult{}, f.err
	}
	return registry.OperationResult{InstanceID: instanceID, Status: action + "d"}, nil
}

func (f *fakeRegistry) PauseInstance(ctx context.Context, instanceID, folderKey, comment string) (registry.OperationResult, error) {
	return f.record("pause", instanceID, comment)
}

func (f *fakeRegistry) ResumeInstance(ctx context.Context, instanceID, folderKey, comment string) (registry.OperationResult, error) {
	return f.record("resume", instanceID, comment)
}

func (f *fakeRegistry) CancelInstance(ctx context.Context, instanceID, folderKey, comment string) (registry.OperationResult, error) {
	return f.record("cancel", instanceID, comment)
}

func (f *fakeRegistry) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

type fakeAudit struct {
	mu      sync.Mutex
	records []store.CreateCommandAuditInput
}

func (f *fakeAudit) CreateCommandAudit(ctx context.Context, input store.CreateCommandAuditInput) (store.CommandAudit, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records = append(f.records, input)
	return store.CommandAudit{Command: input.Command, Outcome: input.Outcome}, nil
}

type harness struct {
	cache      *cache.Cache
	registry   *fakeRegistry
	audit      *fakeAudit
	dispatcher *Dispatcher
	now        time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	h := &harness{
		cache:    cache.New(cache.WithLogger(logger)),
		registry: &fakeRegistry{},
		audit:    &fakeAudit{},
		now:      time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	h.dispatcher = New(h.registry, h.cache, Config{
		ConfirmTTL: time.Minute,
		Audit:      h.audit,
		Logger:     logger,
		Now:        func() time.Time { return h.now },
	})
	return h
}

func (h *harness) seedInstance(t *testing.T, instanceID, folderKey, runStatus string) cache.Key {
	t.Helper()
	key := resource.Instance(instanceID, folderKey)
	h.cache.Subscribe(key)
	instance := registry.Instance{InstanceID: instanceID, FolderKey: folderKey, LatestRunStatus: runStatus}
	if _, err := h.cache.Load(context.Background(), key, func(ctx context.Context, key cache.Key) (any, error) {
		return instance, nil
	}, time.Hour); err != nil {
		t.Fatalf("seed instance: %v", err)
	}
	return key
}

func (h *harness) seedCollection(t *testing.T, instances ...registry.Instance) {
	t.Helper()
	if _, err := h.cache.Load(context.Background(), resource.Instances(), func(ctx context.Context, key cache.Key) (any, error) {
		return instances, nil
	}, time.Hour); err != nil {
		t.Fatalf("seed collection: %v", err)
	}
}

func TestPauseIneligibleMakesNoNetworkCall(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key := h.seedInstance(t, "inst-1", "folder-1", "Completed")

	_, err := h.dispatcher.Pause(context.Background(), Request{InstanceID: "inst-1", FolderKey: "folder-1"})
	if !errors.Is(err, consoleerr.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if h.registry.callCount() != 0 {
		t.Fatalf("expected zero network calls, got %d", h.registry.callCount())
	}
	if h.cache.Get(key).LastFetchedAt.IsZero() {
		t.Fatal("expected cache untouched after rejection")
	}
	if len(h.audit.records) != 1 || h.audit.records[0].Outcome != OutcomeRejected || h.audit.records[0].StatusCategory != "Completed" {
		t.Fatalf("expected rejected audit, got %+v", h.audit.records)
	}
}

func TestPauseSuccessInvalidatesInstanceOnly(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key := h.seedInstance(t, "inst-1", "folder-1", "Running")
	h.seedCollection(t, registry.Instance{InstanceID: "inst-1", LatestRunStatus: "Running"})

	result, err := h.dispatcher.Pause(context.Background(), Request{InstanceID: "inst-1", FolderKey: "folder-1"})
	if err != nil {
		t.Fatalf("pause: %v", err)
	}
	if result.InstanceID != "inst-1" {
		t.Fatalf("unexpected result: %+v", result)
	}
	if h.registry.comments[0] != "Paused from Maestro Console" {
		t.Fatalf("expected default comment, got %q", h.registry.comments[0])
	}
	entry := h.cache.Get(key)
	if !entry.LastFetchedAt.IsZero() {
		t.Fatal("expected instance key invalidated")
	}
	if instance, _ := resource.InstanceFrom(entry); instance.LatestRunStatus != "Running" {
		t.Fatalf("expected cached payload left as fetched, got %q", instance.LatestRunStatus)
	}
	if h.cache.Get(resource.Instances()).LastFetchedAt.IsZero() {
		t.Fatal("expected collection left alone while its view is inactive")
	}
}

func TestResumeInvalidatesCollectionWhenViewActive(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.cache.Subscribe(resource.Instances())
	h.seedCollection(t, registry.Instance{InstanceID: "inst-2", LatestRunStatus: "Paused"})

	if _, err := h.dispatcher.Resume(context.Background(), Request{InstanceID: "inst-2", FolderKey: "folder-1", Comment: "back on"}); err != nil {
		t.Fatalf("resume: %v", err)
	}
	if !h.cache.Get(resource.Instances()).LastFetchedAt.IsZero() {
		t.Fatal("expected collection invalidated while its view is active")
	}
	if h.registry.comments[0] != "back on" {
		t.Fatalf("expected caller comment, got %q", h.registry.comments[0])
	}
}

func TestCommandFailureLeavesCacheUntouched(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	key := h.seedInstance(t, "inst-1", "folder-1", "Running")
	h.registry.err = consoleerr.ErrTransport

	_, err := h.dispatcher.Pause(context.Background(), Request{InstanceID: "inst-1", FolderKey: "folder-1"})
	if !errors.Is(err, consoleerr.ErrCommand) || !errors.Is(err, consoleerr.ErrTransport) {
		t.Fatalf("expected command error wrapping transport cause, got %v", err)
	}
	if h.cache.Get(key).LastFetchedAt.IsZero() {
		t.Fatal("expected cache untouched after command failure")
	}
	if last := h.audit.records[len(h.audit.records)-1]; last.Outcome != OutcomeFailed {
		t.Fatalf("expected failed audit, got %+v", last)
	}
}

func TestMissingIdentifiersRejected(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	for _, req := range []Request{{FolderKey: "folder-1"}, {InstanceID: "inst-1"}, {InstanceID: "  ", FolderKey: " "}} {
		if _, err := h.dispatcher.Resume(context.Background(), req); !errors.Is(err, consoleerr.ErrValidation) {
			t.Fatalf("%+v: expected validation error, got %v", req, err)
		}
		if _, err := h.dispatcher.Confirm(req); !errors.Is(err, consoleerr.ErrValidation) {
			t.Fatalf("%+v: expected confirm validation error, got %v", req, err)
		}
	}
	if h.registry.callCount() != 0 {
		t.Fatalf("expected zero network calls, got %d", h.registry.callCount())
	}
}

func TestUncachedInstanceClassifiesUnknown(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	req := Request{InstanceID: "ghost", FolderKey: "folder-1"}
	if _, err := h.dispatcher.Pause(context.Background(), req); !errors.Is(err, consoleerr.ErrValidation) {
		t.Fatalf("expected pause of unknown-status instance rejected, got %v", err)
	}
	confirmation, err := h.dispatcher.Confirm(req)
	if err != nil {
		t.Fatalf("expected unknown status to stay cancellable, got %v", err)
	}
	if _, err := h.dispatcher.Cancel(context.Background(), req, confirmation.Token); err != nil {
		t.Fatalf("cancel: %v", err)
	}
}

func TestCancelRequiresConfirmationToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedInstance(t, "inst-1", "folder-1", "Running")
	h.seedInstance(t, "inst-2", "folder-1", "Running")
	req := Request{InstanceID: "inst-1", FolderKey: "folder-1"}

	_, err := h.dispatcher.Cancel(context.Background(), req, "")
	if !errors.Is(err, consoleerr.ErrConfirmationRequired) || !errors.Is(err, consoleerr.ErrValidation) {
		t.Fatalf("expected confirmation required, got %v", err)
	}
	if _, err := h.dispatcher.Cancel(context.Background(), req, "made-up"); !errors.Is(err, consoleerr.ErrConfirmationRequired) {
		t.Fatalf("expected unknown token rejected, got %v", err)
	}

	foreign, err := h.dispatcher.Confirm(Request{InstanceID: "inst-2", FolderKey: "folder-1"})
	if err != nil {
		t.Fatalf("confirm inst-2: %v", err)
	}
	if _, err := h.dispatcher.Cancel(context.Background(), req, foreign.Token); !errors.Is(err, consoleerr.ErrConfirmationRequired) {
		t.Fatalf("expected foreign token rejected, got %v", err)
	}
	if h.registry.callCount() != 0 {
		t.Fatalf("expected zero network calls before confirmation, got %d", h.registry.callCount())
	}

	confirmation, err := h.dispatcher.Confirm(req)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	if !confirmation.ExpiresAt.Equal(h.now.Add(time.Minute)) {
		t.Fatalf("unexpected expiry: %s", confirmation.ExpiresAt)
	}
	if _, err := h.dispatcher.Cancel(context.Background(), req, confirmation.Token); err != nil {
		t.Fatalf("cancel: %v", err)
	}
	if h.registry.comments[0] != "Cancelled from Maestro Console" {
		t.Fatalf("expected default cancel comment, got %q", h.registry.comments[0])
	}

	h.seedInstance(t, "inst-1", "folder-1", "Running")
	if _, err := h.dispatcher.Cancel(context.Background(), req, confirmation.Token); !errors.Is(err, consoleerr.ErrConfirmationRequired) {
		t.Fatalf("expected reused token rejected, got %v", err)
	}
	if h.registry.callCount() != 1 {
		t.Fatalf("expected exactly one network call, got %d", h.registry.callCount())
	}
}

func TestCancelRejectsExpiredToken(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedInstance(t, "inst-1", "folder-1", "Paused")
	req := Request{InstanceID: "inst-1", FolderKey: "folder-1"}
	confirmation, err := h.dispatcher.Confirm(req)
	if err != nil {
		t.Fatalf("confirm: %v", err)
	}
	h.now = h.now.Add(2 * time.Minute)
	if _, err := h.dispatcher.Cancel(context.Background(), req, confirmation.Token); !errors.Is(err, consoleerr.ErrConfirmationRequired) {
		t.Fatalf("expected expired token rejected, got %v", err)
	}
	if h.registry.callCount() != 0 {
		t.Fatalf("expected zero network calls, got %d", h.registry.callCount())
	}
}

func TestConfirmRejectsFinishedInstance(t *testing.T) {
	t.Parallel()

	h := newHarness(t)
	h.seedInstance(t, "inst-1", "folder-1", "Cancelled")
	if _, err := h.dispatcher.Confirm(Request{InstanceID: "inst-1", FolderKey: "folder-1"}); !errors.Is(err, consoleerr.ErrValidation) {
		t.Fatalf("expected cancelled instance to refuse confirmation, got %v", err)
	}
}
