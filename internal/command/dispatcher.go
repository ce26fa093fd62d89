// Package command sends pause, resume and cancel requests to the registry.
//
// Eligibility is decided locally from the cached status before any request
// leaves the process. A successful command only invalidates cache entries;
// the next fetch is the sole source of the instance's new state.
package command

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/dwizi/maestro-console/internal/cache"
	"github.com/dwizi/maestro-console/internal/consoleerr"
	"github.com/dwizi/maestro-console/internal/registry"
	"github.com/dwizi/maestro-console/internal/resource"
	"github.com/dwizi/maestro-console/internal/status"
	"github.com/dwizi/maestro-console/internal/store"
	"github.com/google/uuid"
)

const (
	OutcomeAccepted = "accepted"
	OutcomeRejected = "rejected"
	OutcomeFailed   = "failed"

	defaultConfirmTTL = 2 * time.Minute
)

var defaultComments = map[status.Command]string{
	status.CommandPause:  "Paused from Maestro Console",
	status.CommandResume: "Resumed from Maestro Console",
	status.CommandCancel: "Cancelled from Maestro Console",
}

type Registry interface {
	PauseInstance(ctx context.Context, instanceID, folderKey, comment string) (registry.OperationResult, error)
	ResumeInstance(ctx context.Context, instanceID, folderKey, comment string) (registry.OperationResult, error)
	CancelInstance(ctx context.Context, instanceID, folderKey, comment string) (registry.OperationResult, error)
}

type Cache interface {
	Get(key cache.Key) cache.Entry
	Invalidate(key cache.Key)
	Subscribers(key cache.Key) int
}

type AuditSink interface {
	CreateCommandAudit(ctx context.Context, input store.CreateCommandAuditInput) (store.CommandAudit, error)
}

type Request struct {
	InstanceID string
	FolderKey  string
	Comment    string
}

// Confirmation authorizes exactly one cancel of one instance.
type Confirmation struct {
	Token      string    `json:"token"`
	InstanceID string    `json:"instance_id"`
	FolderKey  string    `json:"folder_key"`
	ExpiresAt  time.Time `json:"expires_at"`
}

type Config struct {
	ConfirmTTL time.Duration
	Actor      string
	Audit      AuditSink
	Logger     *slog.Logger
	Now        func() time.Time
}

type Dispatcher struct {
	registry   Registry
	cache      Cache
	audit      AuditSink
	logger     *slog.Logger
	now        func() time.Time
	confirmTTL time.Duration
	actor      string

	mu      sync.Mutex
	pending map[string]Confirmation
}

func New(client Registry, store Cache, cfg Config) *Dispatcher {
	ttl := cfg.ConfirmTTL
	if ttl <= 0 {
		ttl = defaultConfirmTTL
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	return &Dispatcher{
		registry:   client,
		cache:      store,
		audit:      cfg.Audit,
		logger:     logger.With("component", "dispatcher"),
		now:        now,
		confirmTTL: ttl,
		actor:      strings.TrimSpace(cfg.Actor),
		pending:    map[string]Confirmation{},
	}
}

// Eligibility classifies the instance's status as currently cached. The
// single-instance entry wins over the collection entry. An instance absent
// from both classifies as Unknown.
func (d *Dispatcher) Eligibility(instanceID, folderKey string) status.Classification {
	if instance, ok := resource.InstanceFrom(d.cache.Get(resource.Instance(instanceID, folderKey))); ok {
		return status.Classify(instance.LatestRunStatus)
	}
	for _, instance := range resource.InstancesFrom(d.cache.Get(resource.Instances())) {
		if instance.InstanceID == instanceID {
			return status.Classify(instance.LatestRunStatus)
		}
	}
	return status.Classify("")
}

func (d *Dispatcher) Pause(ctx context.Context, req Request) (registry.OperationResult, error) {
	return d.dispatch(ctx, status.CommandPause, req, nil)
}

func (d *Dispatcher) Resume(ctx context.Context, req Request) (registry.OperationResult, error) {
	return d.dispatch(ctx, status.CommandResume, req, nil)
}

// Confirm issues the token Cancel requires. It fails when the instance is
// not cancellable right now.
func (d *Dispatcher) Confirm(req Request) (Confirmation, error) {
	req = normalize(req)
	if err := validateRequest(req); err != nil {
		return Confirmation{}, err
	}
	classification := d.Eligibility(req.InstanceID, req.FolderKey)
	if !classification.CanCancel {
		return Confirmation{}, ineligible(status.CommandCancel, req.InstanceID, classification)
	}

	now := d.now()
	confirmation := Confirmation{
		Token:      uuid.NewString(),
		InstanceID: req.InstanceID,
		FolderKey:  req.FolderKey,
		ExpiresAt:  now.Add(d.confirmTTL),
	}
	d.mu.Lock()
	for token, pending := range d.pending {
		if !now.Before(pending.ExpiresAt) {
			delete(d.pending, token)
		}
	}
	d.pending[confirmation.Token] = confirmation
	d.mu.Unlock()
	d.logger.Info("cancel confirmation issued", "instance_id", req.InstanceID, "expires_at", confirmation.ExpiresAt)
	return confirmation, nil
}

func (d *Dispatcher) Cancel(ctx context.Context, req Request, token string) (registry.OperationResult, error) {
	return d.dispatch(ctx, status.CommandCancel, req, func(req Request) error {
		return d.redeem(req, strings.TrimSpace(token))
	})
}

func (d *Dispatcher) redeem(req Request, token string) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	confirmation, ok := d.pending[token]
	if !ok || token == "" {
		return fmt.Errorf("%w: instance %s", consoleerr.ErrConfirmationRequired, req.InstanceID)
	}
	if confirmation.InstanceID != req.InstanceID || confirmation.FolderKey != req.FolderKey {
		return fmt.Errorf("%w: token was issued for instance %s", consoleerr.ErrConfirmationRequired, confirmation.InstanceID)
	}
	delete(d.pending, token)
	if !d.now().Before(confirmation.ExpiresAt) {
		return fmt.Errorf("%w: token expired at %s", consoleerr.ErrConfirmationRequired, confirmation.ExpiresAt.Format(time.RFC3339))
	}
	return nil
}

func (d *Dispatcher) dispatch(ctx context.Context, command status.Command, req Request, precheck func(Request) error) (registry.OperationResult, error) {
	req = normalize(req)
	if req.Comment == "" {
		req.Comment = defaultComments[command]
	}
	if err := validateRequest(req); err != nil {
		d.record(ctx, command, req, OutcomeRejected, status.Classification{}, err, 0)
		return registry.OperationResult{}, err
	}
	classification := d.Eligibility(req.InstanceID, req.FolderKey)
	if !classification.Allows(command) {
		err := ineligible(command, req.InstanceID, classification)
		d.record(ctx, command, req, OutcomeRejected, classification, err, 0)
		return registry.OperationResult{}, err
	}
	if precheck != nil {
		if err := precheck(req); err != nil {
			d.record(ctx, command, req, OutcomeRejected, classification, err, 0)
			return registry.OperationResult{}, err
		}
	}

	started := d.now()
	result, err := d.send(ctx, command, req)
	elapsed := d.now().Sub(started)
	if err != nil {
		err = fmt.Errorf("%w: %s %s: %w", consoleerr.ErrCommand, command, req.InstanceID, err)
		d.record(ctx, command, req, OutcomeFailed, classification, err, elapsed)
		return registry.OperationResult{}, err
	}

	d.cache.Invalidate(resource.Instance(req.InstanceID, req.FolderKey))
	if d.cache.Subscribers(resource.Instances()) > 0 {
		d.cache.Invalidate(resource.Instances())
	}
	d.record(ctx, command, req, OutcomeAccepted, classification, nil, elapsed)
	return result, nil
}

func (d *Dispatcher) send(ctx context.Context, command status.Command, req Request) (registry.OperationResult, error) {
	switch command {
	case status.CommandPause:
		return d.registry.PauseInstance(ctx, req.InstanceID, req.FolderKey, req.Comment)
	case status.CommandResume:
		return d.registry.ResumeInstance(ctx, req.InstanceID, req.FolderKey, req.Comment)
	case status.CommandCancel:
		return d.registry.CancelInstance(ctx, req.InstanceID, req.FolderKey, req.Comment)
	default:
		return registry.OperationResult{}, fmt.Errorf("%w: unknown command %q", consoleerr.ErrValidation, command)
	}
}

func (d *Dispatcher) record(ctx context.Context, command status.Command, req Request, outcome string, classification status.Classification, cause error, elapsed time.Duration) {
	detail := ""
	if cause != nil {
		detail = cause.Error()
	}
	logArgs := []any{"command", string(command), "instance_id", req.InstanceID, "folder_key", req.FolderKey, "outcome", outcome, "status", classification.Category.String()}
	switch outcome {
	case OutcomeAccepted:
		d.logger.Info("command accepted", append(logArgs, "duration", elapsed.String())...)
	case OutcomeRejected:
		d.logger.Warn("command rejected", append(logArgs, "error", detail)...)
	default:
		d.logger.Error("command failed", append(logArgs, "error", detail)...)
	}
	if d.audit == nil {
		return
	}
	if _, err := d.audit.CreateCommandAudit(ctx, store.CreateCommandAuditInput{
		Command:        string(command),
		InstanceID:     req.InstanceID,
		FolderKey:      req.FolderKey,
		Comment:        req.Comment,
		Outcome:        outcome,
		StatusCategory: classification.Category.String(),
		Detail:         detail,
		Actor:          d.actor,
		Duration:       elapsed,
	}); err != nil {
		d.logger.Warn("write command audit failed", "error", err)
	}
}

func normalize(req Request) Request {
	return Request{
		InstanceID: strings.TrimSpace(req.InstanceID),
		FolderKey:  strings.TrimSpace(req.FolderKey),
		Comment:    strings.TrimSpace(req.Comment),
	}
}

func validateRequest(req Request) error {
	if req.InstanceID == "" {
		return fmt.Errorf("%w: instance id is required", consoleerr.ErrValidation)
	}
	if req.FolderKey == "" {
		return fmt.Errorf("%w: folder key is required", consoleerr.ErrValidation)
	}
	return nil
}

func ineligible(command status.Command, instanceID string, classification status.Classification) error {
	return fmt.Errorf("%w: cannot %s instance %s while %s", consoleerr.ErrValidation, command, instanceID, classification.Category)
}
