// Package resource names the registry resources the console caches, their
// polling policies and the fetch functions that load them.
package resource

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/dwizi/maestro-console/internal/cache"
	"github.com/dwizi/maestro-console/internal/config"
	"github.com/dwizi/maestro-console/internal/consoleerr"
	"github.com/dwizi/maestro-console/internal/registry"
)

const (
	KindProcesses = "processes"
	KindInstances = "instances"
	KindInstance  = "instance"
	KindBpmn      = "bpmn"
	KindHistory   = "history"
	KindVariables = "variables"
)

var Kinds = []string{KindProcesses, KindInstances, KindInstance, KindBpmn, KindHistory, KindVariables}

func Processes() cache.Key { return cache.Key{Kind: KindProcesses} }
func Instances() cache.Key { return cache.Key{Kind: KindInstances} }

func Instance(instanceID, folderKey string) cache.Key {
	return cache.Key{Kind: KindInstance, ID: instanceID, FolderKey: folderKey}
}

func Bpmn(instanceID, folderKey string) cache.Key {
	return cache.Key{Kind: KindBpmn, ID: instanceID, FolderKey: folderKey}
}

// History is keyed by instance only; the registry serves spans without a folder.
func History(instanceID string) cache.Key {
	return cache.Key{Kind: KindHistory, ID: instanceID}
}

func Variables(instanceID, folderKey string) cache.Key {
	return cache.Key{Kind: KindVariables, ID: instanceID, FolderKey: folderKey}
}

// DetailKeys lists every per-instance key shown on the detail screen.
func DetailKeys(instanceID, folderKey string) []cache.Key {
	return []cache.Key{
		Instance(instanceID, folderKey),
		Bpmn(instanceID, folderKey),
		History(instanceID),
		Variables(instanceID, folderKey),
	}
}

type Policy struct {
	Interval    time.Duration
	StaleWindow time.Duration
}

type Policies map[string]Policy

var fallbackPolicy = Policy{Interval: 10 * time.Second, StaleWindow: 10 * time.Second}

func PoliciesFromConfig(cfg config.Config) Policies {
	return Policies{
		KindProcesses: policy(cfg.ProcessesPollSec, cfg.ProcessesStaleSec),
		KindInstances: policy(cfg.InstancesPollSec, cfg.InstancesStaleSec),
		KindInstance:  policy(cfg.InstancePollSec, cfg.InstanceStaleSec),
		KindBpmn:      policy(cfg.BpmnPollSec, cfg.BpmnStaleSec),
		KindHistory:   policy(cfg.HistoryPollSec, cfg.HistoryStaleSec),
		KindVariables: policy(cfg.VariablesPollSec, cfg.VariablesStaleSec),
	}
}

func policy(pollSec, staleSec int) Policy {
	p := fallbackPolicy
	if pollSec > 0 {
		p.Interval = time.Duration(pollSec) * time.Second
	}
	if staleSec > 0 {
		p.StaleWindow = time.Duration(staleSec) * time.Second
	}
	return p
}

func (p Policies) For(kind string) Policy {
	if found, ok := p[kind]; ok {
		return found
	}
	return fallbackPolicy
}

// Registry is the read side of the registry client.
type Registry interface {
	ListProcesses(ctx context.Context) ([]registry.Process, error)
	ListInstances(ctx context.Context, opts registry.ListInstancesOptions) ([]registry.Instance, error)
	GetInstance(ctx context.Context, instanceID, folderKey string) (registry.Instance, error)
	GetBpmn(ctx context.Context, instanceID, folderKey string) (string, error)
	GetExecutionHistory(ctx context.Context, instanceID string) ([]registry.ExecutionEvent, error)
	GetVariables(ctx context.Context, instanceID, folderKey string, opts registry.VariableOptions) (registry.VariableSet, error)
}

type Fetchers struct {
	registry Registry
}

func NewFetchers(registry Registry) *Fetchers {
	return &Fetchers{registry: registry}
}

// Fetch loads the payload for key. It satisfies cache.FetchFunc.
func (f *Fetchers) Fetch(ctx context.Context, key cache.Key) (any, error) {
	switch key.Kind {
	case KindProcesses:
		return f.registry.ListProcesses(ctx)
	case KindInstances:
		return f.registry.ListInstances(ctx, registry.ListInstancesOptions{})
	case KindInstance:
		if err := requireFolder(key); err != nil {
			return nil, err
		}
		return f.registry.GetInstance(ctx, key.ID, key.FolderKey)
	case KindBpmn:
		if err := requireFolder(key); err != nil {
			return nil, err
		}
		return f.registry.GetBpmn(ctx, key.ID, key.FolderKey)
	case KindHistory:
		if strings.TrimSpace(key.ID) == "" {
			return nil, fmt.Errorf("%w: %s key needs an instance id", consoleerr.ErrValidation, key.Kind)
		}
		return f.registry.GetExecutionHistory(ctx, key.ID)
	case KindVariables:
		if err := requireFolder(key); err != nil {
			return nil, err
		}
		return f.registry.GetVariables(ctx, key.ID, key.FolderKey, registry.VariableOptions{})
	default:
		return nil, fmt.Errorf("%w: unknown resource kind %q", consoleerr.ErrValidation, key.Kind)
	}
}

func requireFolder(key cache.Key) error {
	if strings.TrimSpace(key.ID) == "" || strings.TrimSpace(key.FolderKey) == "" {
		return fmt.Errorf("%w: %s key needs an instance id and folder key", consoleerr.ErrValidation, key.Kind)
	}
	return nil
}

func ProcessesFrom(entry cache.Entry) []registry.Process {
	processes, _ := cache.PayloadAs[[]registry.Process](entry)
	return processes
}

func InstancesFrom(entry cache.Entry) []registry.Instance {
	instances, _ := cache.PayloadAs[[]registry.Instance](entry)
	return instances
}

func InstanceFrom(entry cache.Entry) (registry.Instance, bool) {
	return cache.PayloadAs[registry.Instance](entry)
}

func BpmnFrom(entry cache.Entry) string {
	doc, _ := cache.PayloadAs[string](entry)
	return doc
}

func HistoryFrom(entry cache.Entry) []registry.ExecutionEvent {
	events, _ := cache.PayloadAs[[]registry.ExecutionEvent](entry)
	return events
}

func VariablesFrom(entry cache.Entry) (registry.VariableSet, bool) {
	return cache.PayloadAs[registry.VariableSet](entry)
}
