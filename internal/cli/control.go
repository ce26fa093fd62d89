package cli

import (
	"context"
	"fmt"
	"log/slog"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/dwizi/maestro-console/internal/app"
	"github.com/dwizi/maestro-console/internal/command"
	"github.com/dwizi/maestro-console/internal/consoleerr"
	"github.com/dwizi/maestro-console/internal/registry"
	"github.com/dwizi/maestro-console/internal/status"
)

type commandReport struct {
	Command    status.Command           `json:"command"`
	InstanceID string                   `json:"instance_id"`
	FolderKey  string                   `json:"folder_key"`
	Result     registry.OperationResult `json:"result"`
}

type commandFlags struct {
	folderKey string
	comment   string
}

func (f *commandFlags) bind(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.folderKey, "folder", "", "folder key (resolved from the registry when omitted)")
	cmd.Flags().StringVar(&f.comment, "comment", "", "comment recorded with the command")
}

func newPauseCommand(logger *slog.Logger) *cobra.Command {
	flags := &commandFlags{}
	cmd := &cobra.Command{
		Use:   "pause ID",
		Short: "Pause a running instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runControl(cmd, logger, status.CommandPause, args[0], flags, false)
		},
	}
	flags.bind(cmd)
	return cmd
}

func newResumeCommand(logger *slog.Logger) *cobra.Command {
	flags := &commandFlags{}
	cmd := &cobra.Command{
		Use:   "resume ID",
		Short: "Resume a paused instance",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runControl(cmd, logger, status.CommandResume, args[0], flags, false)
		},
	}
	flags.bind(cmd)
	return cmd
}

func newCancelCommand(logger *slog.Logger) *cobra.Command {
	flags := &commandFlags{}
	var yes bool
	cmd := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel an instance (cannot be undone)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runControl(cmd, logger, status.CommandCancel, args[0], flags, yes)
		},
	}
	flags.bind(cmd)
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm the cancellation")
	return cmd
}

func runControl(cmd *cobra.Command, logger *slog.Logger, action status.Command, instanceID string, flags *commandFlags, confirmed bool) error {
	if action == status.CommandCancel && !confirmed {
		return fmt.Errorf("%w: pass --yes to cancel %s", consoleerr.ErrConfirmationRequired, instanceID)
	}
	return withRuntime(cmd, logger, func(ctx context.Context, runtime *app.Runtime) error {
		// Eligibility is judged on the cached instance, so load it first.
		instance, err := runtime.Instance(ctx, instanceID, flags.folderKey)
		if err != nil {
			return err
		}
		req := command.Request{InstanceID: instance.InstanceID, FolderKey: instance.FolderKey, Comment: flags.comment}
		dispatcher := runtime.Dispatcher()

		var result registry.OperationResult
		switch action {
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
			return err
		}

		report := commandReport{Command: action, InstanceID: req.InstanceID, FolderKey: req.FolderKey, Result: result}
		return render(cmd, report, func(w *tabwriter.Writer) {
			state := "-"
			if result.Status != "" {
				state = styledStatus(result.Status)
			}
			fmt.Fprintf(w, "%s accepted for %s\t%s\n", action, req.InstanceID, state)
		})
	})
}
