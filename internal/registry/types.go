package registry

import (
	"encoding/json"
	"time"
)

type Process struct {
	ProcessKey      string   `json:"processKey"`
	Name            string   `json:"name"`
	PackageID       string   `json:"packageId"`
	FolderKey       string   `json:"folderKey"`
	FolderName      string   `json:"folderName"`
	PackageVersions []string `json:"packageVersions"`
	VersionCount    int      `json:"versionCount"`
	PendingCount    int      `json:"pendingCount"`
	RunningCount    int      `json:"runningCount"`
	CompletedCount  int      `json:"completedCount"`
	PausedCount     int      `json:"pausedCount"`
	CancelledCount  int      `json:"cancelledCount"`
	FaultedCount    int      `json:"faultedCount"`
	RetryingCount   int      `json:"retryingCount"`
}

// DisplayName falls back to the package id when the registry sends no name.
func (p Process) DisplayName() string {
	if p.Name != "" {
		return p.Name
	}
	return p.PackageID
}

type Instance struct {
	InstanceID          string     `json:"instanceId"`
	ProcessKey          string     `json:"processKey"`
	FolderKey           string     `json:"folderKey"`
	PackageKey          string     `json:"packageKey"`
	PackageID           string     `json:"packageId"`
	PackageVersion      string     `json:"packageVersion"`
	InstanceDisplayName string     `json:"instanceDisplayName"`
	LatestRunID         string     `json:"latestRunId"`
	LatestRunStatus     string     `json:"latestRunStatus"`
	StartedByUser       string     `json:"startedByUser"`
	Source              string     `json:"source"`
	CreatorUserKey      string     `json:"creatorUserKey"`
	StartedTime         time.Time  `json:"startedTime"`
	CompletedTime       *time.Time `json:"completedTime"`
	InstanceRuns        []Run      `json:"instanceRuns"`
}

func (i Instance) DisplayName() string {
	if i.InstanceDisplayName != "" {
		return i.InstanceDisplayName
	}
	return i.InstanceID
}

// Duration is measured to now while the instance has not completed.
func (i Instance) Duration(now time.Time) time.Duration {
	if i.StartedTime.IsZero() {
		return 0
	}
	end := now
	if i.CompletedTime != nil {
		end = *i.CompletedTime
	}
	if end.Before(i.StartedTime) {
		return 0
	}
	return end.Sub(i.StartedTime)
}

type Run struct {
	RunID         string     `json:"runId"`
	Status        string     `json:"status"`
	StartedTime   time.Time  `json:"startedTime"`
	CompletedTime *time.Time `json:"completedTime"`
}

func (r Run) Active() bool {
	return r.CompletedTime == nil
}

type ExecutionEvent struct {
	ID          string          `json:"id"`
	TraceID     string          `json:"traceId"`
	ParentID    string          `json:"parentId"`
	Name        string          `json:"name"`
	Status      string          `json:"status"`
	StartedTime time.Time       `json:"startedTime"`
	EndTime     *time.Time      `json:"endTime"`
	Attributes  json.RawMessage `json:"attributes,omitempty"`
}

type Variable struct {
	ID        string        `json:"id"`
	Name      string        `json:"name"`
	Type      string        `json:"type"`
	Value     VariableValue `json:"value"`
	ElementID string        `json:"elementId"`
	Source    string        `json:"source"`
}

type ElementMetadata struct {
	ElementID     string `json:"elementId"`
	ElementRunID  string `json:"elementRunId"`
	IsMarker      bool   `json:"isMarker"`
	InputsCount   int    `json:"inputsCount"`
	OutputsCount  int    `json:"outputsCount"`
	InputDefCount int    `json:"inputDefinitionsCount"`
}

type VariableSet struct {
	InstanceID      string            `json:"instanceId"`
	ParentElementID string            `json:"parentElementId"`
	GlobalVariables []Variable        `json:"globalVariables"`
	Elements        []ElementMetadata `json:"elements"`
}

type VariableOptions struct {
	ParentElementID string
}

type ListInstancesOptions struct {
	ProcessKey string
	PageSize   int
}

type OperationResult struct {
	InstanceID string `json:"instanceId"`
	Status     string `json:"status"`
}

type page[T any] struct {
	Items    []T    `json:"items"`
	NextPage string `json:"nextPage"`
}
