package cli

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/dwizi/maestro-console/internal/app"
	"github.com/dwizi/maestro-console/internal/consoleerr"
	"github.com/dwizi/maestro-console/internal/nav"
	"github.com/dwizi/maestro-console/internal/registry"
	"github.com/dwizi/maestro-console/internal/resource"
	"github.com/dwizi/maestro-console/internal/status"
	"github.com/dwizi/maestro-console/internal/store"
)

type instanceRow struct {
	registry.Instance
	Classification status.Classification `json:"classification"`
}

type instanceReport struct {
	Instance       registry.Instance     `json:"instance"`
	Classification status.Classification `json:"classification"`
	Allowed        []status.Command      `json:"allowed_commands"`
	Variables      []registry.Variable   `json:"variables"`
	VariablesError string                `json:"variables_error,omitempty"`
}

func newProcessesCommand(logger *slog.Logger) *cobra.Command {
	return &cobra.Command{
		Use:   "processes",
		Short: "List workflow processes with instance counts per status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, logger, func(ctx context.Context, runtime *app.Runtime) error {
				entry, err := runtime.Load(ctx, resource.Processes())
				if err != nil {
					return err
				}
				processes := resource.ProcessesFrom(entry)
				return render(cmd, processes, func(w *tabwriter.Writer) {
					fmt.Fprintln(w, "KEY\tNAME\tFOLDER\tRUNNING\tPAUSED\tFAULTED\tCOMPLETED\tCANCELLED")
					for _, p := range processes {
						fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%d\t%d\t%d\t%d\n",
							p.ProcessKey, dash(p.DisplayName()), dash(p.FolderKey),
							p.RunningCount, p.PausedCount, p.FaultedCount, p.CompletedCount, p.CancelledCount)
					}
				})
			})
		},
	}
}

func newInstancesCommand(logger *slog.Logger) *cobra.Command {
	var processKey string
	cmd := &cobra.Command{
		Use:   "instances",
		Short: "List workflow instances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, logger, func(ctx context.Context, runtime *app.Runtime) error {
				entry, err := runtime.Load(ctx, resource.Instances())
				if err != nil {
					return err
				}
				instances := resource.InstancesFrom(entry)
				if key := strings.TrimSpace(processKey); key != "" {
					instances = nav.FilterInstances(instances, key)
				}
				rows := make([]instanceRow, 0, len(instances))
				for _, instance := range instances {
					rows = append(rows, instanceRow{Instance: instance, Classification: status.Classify(instance.LatestRunStatus)})
				}
				now := time.Now()
				return render(cmd, rows, func(w *tabwriter.Writer) {
					fmt.Fprintln(w, "ID\tPROCESS\tFOLDER\tSTARTED\tDURATION\tCOMMANDS\tSTATUS")
					for _, row := range rows {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
							row.InstanceID, dash(row.ProcessKey), dash(row.FolderKey),
							formatStarted(row.StartedTime), formatDuration(row.Duration(now)),
							allowedText(row.Classification), styledStatus(row.LatestRunStatus))
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&processKey, "process", "", "only instances of this process key")
	return cmd
}

func newInstanceCommand(logger *slog.Logger) *cobra.Command {
	var (
		folderKey string
		search    string
	)
	cmd := &cobra.Command{
		Use:   "instance ID",
		Short: "Show one instance with its runs and variables",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, logger, func(ctx context.Context, runtime *app.Runtime) error {
				instance, err := runtime.Instance(ctx, args[0], folderKey)
				if err != nil {
					return err
				}
				classification := status.Classify(instance.LatestRunStatus)
				report := instanceReport{
					Instance:       instance,
					Classification: classification,
					Allowed:        classification.AllowedCommands(),
					Variables:      []registry.Variable{},
				}
				entry, err := runtime.Load(ctx, resource.Variables(instance.InstanceID, instance.FolderKey))
				if set, ok := resource.VariablesFrom(entry); ok {
					report.Variables = registry.FilterVariables(set.GlobalVariables, search)
				}
				if err != nil {
					report.VariablesError = err.Error()
				}
				return render(cmd, report, func(w *tabwriter.Writer) {
					writeInstanceReport(w, report)
				})
			})
		},
	}
	cmd.Flags().StringVar(&folderKey, "folder", "", "folder key (resolved from the registry when omitted)")
	cmd.Flags().StringVar(&search, "search", "", "only variables whose name, type or source contains this text")
	return cmd
}

func writeInstanceReport(w *tabwriter.Writer, report instanceReport) {
	instance := report.Instance
	fmt.Fprintf(w, "Instance:\t%s\n", instance.InstanceID)
	fmt.Fprintf(w, "Name:\t%s\n", instance.DisplayName())
	fmt.Fprintf(w, "Process:\t%s\n", dash(instance.ProcessKey))
	fmt.Fprintf(w, "Folder:\t%s\n", dash(instance.FolderKey))
	fmt.Fprintf(w, "Package:\t%s %s\n", dash(instance.PackageID), instance.PackageVersion)
	fmt.Fprintf(w, "Started:\t%s by %s\n", formatStarted(instance.StartedTime), dash(instance.StartedByUser))
	fmt.Fprintf(w, "Duration:\t%s\n", formatDuration(instance.Duration(time.Now())))
	fmt.Fprintf(w, "Commands:\t%s\n", allowedText(report.Classification))
	fmt.Fprintf(w, "Status:\t%s\n", styledStatus(instance.LatestRunStatus))

	fmt.Fprintln(w)
	fmt.Fprintln(w, "RUN\tSTARTED\tSTATUS")
	if len(instance.InstanceRuns) == 0 {
		fmt.Fprintln(w, "-\t-\t-")
	}
	for i := len(instance.InstanceRuns) - 1; i >= 0; i-- {
		run := instance.InstanceRuns[i]
		fmt.Fprintf(w, "%s\t%s\t%s\n", run.RunID, formatStarted(run.StartedTime), styledStatus(run.Status))
	}

	fmt.Fprintln(w)
	if report.VariablesError != "" {
		fmt.Fprintf(w, "variables unavailable: %s\n", report.VariablesError)
		return
	}
	fmt.Fprintln(w, "VARIABLE\tTYPE\tSOURCE\tVALUE")
	for _, variable := range report.Variables {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", variable.Name, dash(variable.Type), dash(variable.Source), variable.Value.Format())
	}
}

func newAuditCommand(logger *slog.Logger) *cobra.Command {
	var (
		instanceID string
		outcome    string
		limit      int
	)
	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent control commands from the audit journal",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd, logger, func(ctx context.Context, runtime *app.Runtime) error {
				journal := runtime.Audit()
				if journal == nil {
					return fmt.Errorf("%w: audit journal is disabled (MAESTRO_AUDIT_ENABLED)", consoleerr.ErrValidation)
				}
				records, err := journal.ListCommandAudits(ctx, store.ListCommandAuditsInput{
					InstanceID: instanceID,
					Outcome:    outcome,
					Limit:      limit,
				})
				if err != nil {
					return err
				}
				return render(cmd, records, func(w *tabwriter.Writer) {
					fmt.Fprintln(w, "TIME\tCOMMAND\tINSTANCE\tACTOR\tDURATION\tDETAIL\tOUTCOME")
					for _, record := range records {
						fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
							record.CreatedAt.Local().Format(time.DateTime), record.Command, record.InstanceID,
							dash(record.Actor), record.Duration.Round(time.Millisecond), dash(record.Detail),
							styledOutcome(record.Outcome))
					}
				})
			})
		},
	}
	cmd.Flags().StringVar(&instanceID, "instance", "", "only commands for this instance")
	cmd.Flags().StringVar(&outcome, "outcome", "", "only accepted, rejected or failed commands")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum number of records")
	return cmd
}

func allowedText(classification status.Classification) string {
	allowed := classification.AllowedCommands()
	if len(allowed) == 0 {
		return "-"
	}
	parts := make([]string, 0, len(allowed))
	for _, cmd := range allowed {
		parts = append(parts, string(cmd))
	}
	return strings.Join(parts, ",")
}

func formatStarted(started time.Time) string {
	if started.IsZero() {
		return "-"
	}
	return started.Local().Format(time.DateTime)
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d >= 24*time.Hour {
		days := int(d / (24 * time.Hour))
		return fmt.Sprintf("%dd%dh", days, int((d%(24*time.Hour))/time.Hour))
	}
	return d.Round(time.Second).String()
}
