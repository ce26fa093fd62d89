package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/dwizi/maestro-console/internal/app"
	"github.com/dwizi/maestro-console/internal/config"
	"github.com/dwizi/maestro-console/internal/httpapi"
	"github.com/dwizi/maestro-console/internal/mcpserver"
	"github.com/dwizi/maestro-console/internal/tui"
)

const version = "0.1.0"

func NewRoot(logger *slog.Logger) *cobra.Command {
	if logger == nil {
		logger = slog.Default()
	}
	root := &cobra.Command{
		Use:           "maestro-console",
		Short:         "Maestro console watches and steers workflow instances",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringP("output", "o", formatTable, "output format: table, json or yaml")

	root.AddCommand(newTUICommand())
	root.AddCommand(newProcessesCommand(logger))
	root.AddCommand(newInstancesCommand(logger))
	root.AddCommand(newInstanceCommand(logger))
	root.AddCommand(newPauseCommand(logger))
	root.AddCommand(newResumeCommand(logger))
	root.AddCommand(newCancelCommand(logger))
	root.AddCommand(newAuditCommand(logger))
	root.AddCommand(newMCPCommand(logger))
	root.AddCommand(newVersionCommand())

	return root
}

// withRuntime builds a runtime from the environment, runs fn and closes it.
func withRuntime(cmd *cobra.Command, logger *slog.Logger, fn func(ctx context.Context, runtime *app.Runtime) error) error {
	runtime, err := app.New(config.FromEnv(), logger)
	if err != nil {
		return err
	}
	defer runtime.Close()

	ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	return fn(ctx, runtime)
}

func newTUICommand() *cobra.Command {
	return &cobra.Command{
		Use:   "tui",
		Short: "Run the interactive operator console",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			logFile, err := openLogFile(cfg.LogFile)
			if err != nil {
				return err
			}
			defer logFile.Close()
			logger := slog.New(slog.NewJSONHandler(logFile, &slog.HandlerOptions{Level: slog.LevelInfo}))

			runtime, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			defer runtime.Close()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			group, groupCtx := errgroup.WithContext(ctx)
			uiCtx, cancel := context.WithCancel(groupCtx)
			group.Go(func() error {
				return runtime.Run(uiCtx)
			})
			group.Go(func() error {
				defer cancel()
				return tui.Run(uiCtx, runtime, logger)
			})
			return group.Wait()
		},
	}
}

func openLogFile(path string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log directory: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open log file: %w", err)
	}
	return file, nil
}

func newMCPCommand(logger *slog.Logger) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "mcp",
		Short: "Serve console tools over MCP (stdio, or HTTP at /mcp with --addr)",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg := config.FromEnv()
			if addr == "" {
				addr = cfg.MCPAddr
			}
			runtime, err := app.New(cfg, logger)
			if err != nil {
				return err
			}
			defer runtime.Close()
			server := mcpserver.New(runtime, version, logger)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			group, groupCtx := errgroup.WithContext(ctx)
			serveCtx, cancel := context.WithCancel(groupCtx)
			group.Go(func() error {
				return runtime.Run(serveCtx)
			})
			group.Go(func() error {
				defer cancel()
				if addr != "" {
					deps := httpapi.Dependencies{
						Config:  cfg,
						Health:  runtime.Health,
						MCP:     server.Handler(),
						Version: version,
						Logger:  logger,
					}
					if journal := runtime.Audit(); journal != nil {
						deps.Audit = journal
					}
					return httpapi.Serve(serveCtx, addr, httpapi.NewRouter(deps), logger)
				}
				return server.ServeStdio(serveCtx)
			})
			return group.Wait()
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address for streamable HTTP (defaults to MAESTRO_MCP_ADDR, stdio when empty)")
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print CLI version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}
