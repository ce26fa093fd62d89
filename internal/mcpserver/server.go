// Package mcpserver exposes the console's read and command operations as
// MCP tools so agents can inspect and steer workflow instances.
package mcpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/dwizi/maestro-console/internal/cache"
	"github.com/dwizi/maestro-console/internal/command"
	"github.com/dwizi/maestro-console/internal/consoleerr"
	"github.com/dwizi/maestro-console/internal/nav"
	"github.com/dwizi/maestro-console/internal/registry"
	"github.com/dwizi/maestro-console/internal/resource"
	"github.com/dwizi/maestro-console/internal/status"
	sdkmcp "github.com/modelcontextprotocol/go-sdk/mcp"
)

// Backend is the slice of the runtime the tools need.
type Backend interface {
	Load(ctx context.Context, key cache.Key) (cache.Entry, error)
	Instance(ctx context.Context, instanceID, folderKey string) (registry.Instance, error)
	Dispatcher() *command.Dispatcher
}

type Server struct {
	backend Backend
	logger  *slog.Logger
	server  *sdkmcp.Server
}

func New(backend Backend, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if strings.TrimSpace(version) == "" {
		version = "dev"
	}
	s := &Server{
		backend: backend,
		logger:  logger.With("component", "mcp"),
		server:  sdkmcp.NewServer(&sdkmcp.Implementation{Name: "maestro-console", Version: version}, nil),
	}
	s.registerTools()
	return s
}

// Handler serves the tools over streamable HTTP.
func (s *Server) Handler() http.Handler {
	return sdkmcp.NewStreamableHTTPHandler(func(*http.Request) *sdkmcp.Server { return s.server }, nil)
}

func (s *Server) ServeStdio(ctx context.Context) error {
	s.logger.Info("mcp server listening on stdio")
	err := s.server.Run(ctx, &sdkmcp.StdioTransport{})
	if err != nil && ctx.Err() != nil {
		return nil
	}
	return err
}

type toolHandler func(ctx context.Context, args toolArgs) (any, error)

type toolArgs struct {
	ProcessKey string `json:"process_key"`
	InstanceID string `json:"instance_id"`
	FolderKey  string `json:"folder_key"`
	Status     string `json:"status"`
	Comment    string `json:"comment"`
	Confirm    bool   `json:"confirm"`
}

func (s *Server) registerTools() {
	instanceProps := map[string]any{
		"instance_id": map[string]any{"type": "string", "description": "Instance identifier"},
		"folder_key":  map[string]any{"type": "string", "description": "Folder the instance lives in; resolved from the registry when omitted"},
	}
	commandProps := map[string]any{
		"instance_id": instanceProps["instance_id"],
		"folder_key":  instanceProps["folder_key"],
		"comment":     map[string]any{"type": "string", "description": "Comment recorded with the command"},
	}
	cancelProps := map[string]any{
		"instance_id": instanceProps["instance_id"],
		"folder_key":  instanceProps["folder_key"],
		"comment":     commandProps["comment"],
		"confirm":     map[string]any{"type": "boolean", "description": "Must be true; cancelling cannot be undone"},
	}

	s.addTool("list_processes", "List workflow processes with instance counts per status.",
		objectSchema(map[string]any{}), s.listProcesses)
	s.addTool("list_instances", "List workflow instances, optionally for one process.",
		objectSchema(map[string]any{
			"process_key": map[string]any{"type": "string", "description": "Only instances of this process"},
		}), s.listInstances)
	s.addTool("get_instance", "Show one instance with its runs and the commands it accepts.",
		objectSchema(instanceProps, "instance_id"), s.getInstance)
	s.addTool("classify_status", "Map a raw run status to its category and allowed commands.",
		objectSchema(map[string]any{
			"status": map[string]any{"type": "string", "description": "Raw status text"},
		}, "status"), s.classifyStatus)
	s.addTool("pause_instance", "Pause a running instance.",
		objectSchema(commandProps, "instance_id"), s.commandTool(status.CommandPause))
	s.addTool("resume_instance", "Resume a paused instance.",
		objectSchema(commandProps, "instance_id"), s.commandTool(status.CommandResume))
	s.addTool("cancel_instance", "Cancel an instance. Requires confirm=true.",
		objectSchema(cancelProps, "instance_id"), s.commandTool(status.CommandCancel))
}

func objectSchema(properties map[string]any, required ...string) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

func (s *Server) addTool(name, description string, schema map[string]any, handler toolHandler) {
	s.server.AddTool(&sdkmcp.Tool{
		Name:        name,
		Description: description,
		InputSchema: schema,
	}, func(ctx context.Context, req *sdkmcp.CallToolRequest) (*sdkmcp.CallToolResult, error) {
		var args toolArgs
		if req != nil && req.Params != nil && len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return errorResult(fmt.Errorf("%w: invalid arguments: %v", consoleerr.ErrValidation, err)), nil
			}
		}
		out, err := handler(ctx, args)
		if err != nil {
			s.logger.Warn("mcp tool failed", "tool", name, "error", err)
			return errorResult(err), nil
		}
		raw, err := json.MarshalIndent(out, "", "  ")
		if err != nil {
			return nil, err
		}
		return &sdkmcp.CallToolResult{Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: string(raw)}}}, nil
	})
}

func errorResult(err error) *sdkmcp.CallToolResult {
	return &sdkmcp.CallToolResult{
		IsError: true,
		Content: []sdkmcp.Content{&sdkmcp.TextContent{Text: err.Error()}},
	}
}

type instanceView struct {
	registry.Instance
	Classification status.Classification `json:"classification"`
}

type commandView struct {
	Command string                   `json:"command"`
	Result  registry.OperationResult `json:"result"`
}

func (s *Server) listProcesses(ctx context.Context, _ toolArgs) (any, error) {
	entry, err := s.backend.Load(ctx, resource.Processes())
	if err != nil {
		return nil, err
	}
	return resource.ProcessesFrom(entry), nil
}

func (s *Server) listInstances(ctx context.Context, args toolArgs) (any, error) {
	entry, err := s.backend.Load(ctx, resource.Instances())
	if err != nil {
		return nil, err
	}
	instances := resource.InstancesFrom(entry)
	if key := strings.TrimSpace(args.ProcessKey); key != "" {
		instances = nav.FilterInstances(instances, key)
	}
	out := make([]instanceView, 0, len(instances))
	for _, instance := range instances {
		out = append(out, instanceView{Instance: instance, Classification: status.Classify(instance.LatestRunStatus)})
	}
	return out, nil
}

func (s *Server) getInstance(ctx context.Context, args toolArgs) (any, error) {
	instance, err := s.backend.Instance(ctx, args.InstanceID, args.FolderKey)
	if err != nil {
		return nil, err
	}
	return instanceView{Instance: instance, Classification: status.Classify(instance.LatestRunStatus)}, nil
}

func (s *Server) classifyStatus(_ context.Context, args toolArgs) (any, error) {
	classification := status.Classify(args.Status)
	return struct {
		Status         string                `json:"status"`
		Classification status.Classification `json:"classification"`
		Allowed        []status.Command      `json:"allowed_commands"`
	}{args.Status, classification, classification.AllowedCommands()}, nil
}

func (s *Server) commandTool(cmd status.Command) toolHandler {
	return func(ctx context.Context, args toolArgs) (any, error) {
		if cmd == status.CommandCancel && !args.Confirm {
			return nil, fmt.Errorf("%w: set confirm to true to cancel %s", consoleerr.ErrConfirmationRequired, args.InstanceID)
		}
		// Loading the instance refreshes the status that eligibility is judged on.
		instance, err := s.backend.Instance(ctx, args.InstanceID, args.FolderKey)
		if err != nil {
			return nil, err
		}
		req := command.Request{InstanceID: instance.InstanceID, FolderKey: instance.FolderKey, Comment: args.Comment}
		dispatcher := s.backend.Dispatcher()

		var result registry.OperationResult
		switch cmd {
		case status.CommandPause:
			result, err = dispatcher.Pause(ctx, req)
		case status.CommandResume:
			result, err = dispatcher.Resume(ctx, req)
		case status.CommandCancel:
			var confirmation command.Confirmation
			confirmation, err = dispatcher.Confirm(req)
			if err == nil {
				result, err = dispatcher.Cancel(ctx, req, confirmation.Token)
			}
		}
		if err != nil {
			return nil, err
		}
		return commandView{Command: string(cmd), Result: result}, nil
	}
}
