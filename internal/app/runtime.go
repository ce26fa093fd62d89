package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"time"

	"github.com/dwizi/maestro-console/internal/cache"
	"github.com/dwizi/maestro-console/internal/command"
	"github.com/dwizi/maestro-console/internal/config"
	"github.com/dwizi/maestro-console/internal/consoleerr"
	"github.com/dwizi/maestro-console/internal/heartbeat"
	"github.com/dwizi/maestro-console/internal/nav"
	"github.com/dwizi/maestro-console/internal/poll"
	"github.com/dwizi/maestro-console/internal/registry"
	"github.com/dwizi/maestro-console/internal/resource"
	"github.com/dwizi/maestro-console/internal/store"
	"github.com/dwizi/maestro-console/internal/watcher"
)

// Runtime wires the registry client, cache, poller, dispatcher and
// navigation machine shared by every front end.
type Runtime struct {
	cfg         config.Config
	logger      *slog.Logger
	credentials *registry.Credentials
	client      *registry.Client
	cache       *cache.Cache
	policies    resource.Policies
	fetchers    *resource.Fetchers
	scheduler   *poll.Scheduler
	dispatcher  *command.Dispatcher
	nav         *nav.Machine
	board       *heartbeat.Board
	monitor     *heartbeat.Monitor
	tokens      *watcher.Service
	audit       *store.Store
}

func New(cfg config.Config, logger *slog.Logger) (*Runtime, error) {
	if logger == nil {
		logger = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	r := &Runtime{
		cfg:         cfg,
		logger:      logger,
		credentials: registry.NewCredentials(cfg.AccessToken),
		policies:    resource.PoliciesFromConfig(cfg),
		board:       heartbeat.NewBoard(),
	}

	r.tokens = watcher.New(cfg.AccessTokenFile, r.credentials, logger, r.refreshActive)
	r.tokens.SetHeartbeatReporter(r.board)
	if err := r.tokens.Load(); err != nil {
		return nil, err
	}

	client, err := registry.New(cfg, r.credentials)
	if err != nil {
		return nil, err
	}
	r.client = client
	r.fetchers = resource.NewFetchers(client)
	r.cache = cache.New(
		cache.WithLogger(logger),
		cache.WithReporter(r.board),
		cache.WithEvictionGrace(time.Duration(cfg.EvictionGraceSec)*time.Second),
	)

	commandConfig := command.Config{
		ConfirmTTL: time.Duration(cfg.CancelConfirmTTLSec) * time.Second,
		Actor:      actorName(),
		Logger:     logger,
	}
	if cfg.AuditEnabled {
		auditStore, err := openAudit(cfg.AuditDBPath)
		if err != nil {
			return nil, err
		}
		r.audit = auditStore
		commandConfig.Audit = auditStore
		r.board.Beat("audit", "journal at "+cfg.AuditDBPath)
	} else {
		r.board.Disabled("audit", "command audit disabled")
	}
	r.dispatcher = command.New(client, r.cache, commandConfig)

	r.scheduler = poll.New(r.cache, r.fetchers.Fetch, r.policies, logger)
	r.nav = nav.New(r.scheduler, cfg.DefaultFolderKey, logger)
	r.monitor = heartbeat.NewMonitor(r.board, heartbeat.MonitorOptions{
		Every:      15 * time.Second,
		StaleAfter: time.Duration(cfg.HealthStaleSec) * time.Second,
		Logger:     logger,
	})
	return r, nil
}

func openAudit(path string) (*store.Store, error) {
	auditStore, err := store.New(path)
	if err != nil {
		return nil, err
	}
	if err := auditStore.AutoMigrate(context.Background()); err != nil {
		auditStore.Close()
		return nil, err
	}
	return auditStore, nil
}

func actorName() string {
	for _, name := range []string{"MAESTRO_ACTOR", "USER", "USERNAME"} {
		if value := strings.TrimSpace(os.Getenv(name)); value != "" {
			return value
		}
	}
	return ""
}

func (r *Runtime) Config() config.Config           { return r.cfg }
func (r *Runtime) Cache() *cache.Cache             { return r.cache }
func (r *Runtime) Scheduler() *poll.Scheduler      { return r.scheduler }
func (r *Runtime) Dispatcher() *command.Dispatcher { return r.dispatcher }
func (r *Runtime) Nav() *nav.Machine               { return r.nav }
func (r *Runtime) Board() *heartbeat.Board         { return r.board }
func (r *Runtime) Client() *registry.Client        { return r.client }

// Audit returns nil when the journal is disabled.
func (r *Runtime) Audit() *store.Store { return r.audit }

// Health samples the board with the configured staleness window.
func (r *Runtime) Health() heartbeat.Snapshot {
	return r.board.Snapshot(time.Duration(r.cfg.HealthStaleSec) * time.Second)
}

// Load returns the cached entry for key, fetching it first when stale.
func (r *Runtime) Load(ctx context.Context, key cache.Key) (cache.Entry, error) {
	return r.cache.Load(ctx, key, r.fetchers.Fetch, r.policies.For(key.Kind).StaleWindow)
}

// ResolveFolder picks the folder an instance lives in. An explicit folder
// wins, then the instance as listed by the registry, then its process, then
// the configured default.
func (r *Runtime) ResolveFolder(ctx context.Context, instanceID, folderKey string) (string, error) {
	if folderKey = strings.TrimSpace(folderKey); folderKey != "" {
		return folderKey, nil
	}
	instanceID = strings.TrimSpace(instanceID)
	if instanceID == "" {
		return "", fmt.Errorf("%w: instance id is required", consoleerr.ErrValidation)
	}
	instances, err := r.Load(ctx, resource.Instances())
	if err != nil {
		return "", err
	}
	processKey := ""
	for _, instance := range resource.InstancesFrom(instances) {
		if instance.InstanceID != instanceID {
			continue
		}
		if instance.FolderKey != "" {
			return instance.FolderKey, nil
		}
		processKey = instance.ProcessKey
		break
	}
	if processKey != "" {
		processes, err := r.Load(ctx, resource.Processes())
		if err == nil {
			for _, process := range resource.ProcessesFrom(processes) {
				if process.ProcessKey == processKey && process.FolderKey != "" {
					return process.FolderKey, nil
				}
			}
		}
	}
	if r.cfg.DefaultFolderKey != "" {
		return r.cfg.DefaultFolderKey, nil
	}
	return "", fmt.Errorf("%w: no folder known for instance %s", consoleerr.ErrValidation, instanceID)
}

// Instance resolves the folder and loads the single-instance entry so that
// command eligibility reflects the instance's current status.
func (r *Runtime) Instance(ctx context.Context, instanceID, folderKey string) (registry.Instance, error) {
	folder, err := r.ResolveFolder(ctx, instanceID, folderKey)
	if err != nil {
		return registry.Instance{}, err
	}
	entry, err := r.Load(ctx, resource.Instance(strings.TrimSpace(instanceID), folder))
	if err != nil {
		return registry.Instance{}, err
	}
	instance, ok := resource.InstanceFrom(entry)
	if !ok {
		return registry.Instance{}, fmt.Errorf("%w: instance %s", consoleerr.ErrNotFound, instanceID)
	}
	if instance.FolderKey == "" {
		instance.FolderKey = folder
	}
	return instance, nil
}

func (r *Runtime) refreshActive(ctx context.Context) {
	for _, key := range r.scheduler.Active() {
		r.scheduler.Refresh(key)
	}
}

// Close releases every subscription, stops the timers and closes the journal.
func (r *Runtime) Close() error {
	r.nav.Close()
	r.scheduler.Stop()
	if r.audit == nil {
		return nil
	}
	if err := r.audit.Close(); err != nil && !errors.Is(err, os.ErrClosed) {
		return err
	}
	return nil
}
