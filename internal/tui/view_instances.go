package tui

import (
	"fmt"
	"time"

	"charm.land/bubbles/v2/table"

	"github.com/dwizi/maestro-console/internal/resource"
	"github.com/dwizi/maestro-console/internal/status"
)

func instanceColumns(width int) []table.Column {
	name := max(16, width-12-10-20-10-16-14)
	return []table.Column{
		{Title: "Instance", Width: name},
		{Title: "Status", Width: 12},
		{Title: "Version", Width: 10},
		{Title: "Started", Width: 20},
		{Title: "Duration", Width: 10},
		{Title: "Started by", Width: 16},
	}
}

func (m *model) rebuildInstanceRows() {
	rows := make([]table.Row, 0, len(m.instances))
	for _, instance := range m.instances {
		rows = append(rows, table.Row{
			instance.DisplayName(),
			status.Categorize(instance.LatestRunStatus).String(),
			fallbackText(instance.PackageVersion, "-"),
			formatTime(instance.StartedTime),
			formatDuration(instance.Duration(m.clock)),
			fallbackText(instance.StartedByUser, "-"),
		})
	}
	m.instanceTable.SetRows(rows)
	clampCursor(&m.instanceTable, len(rows))
}

func (m model) renderInstancesText(t theme, layout screenLayout) string {
	width := frameWidth(t.panelBox, layout.List.Width)
	entry := m.opts.Store.Get(resource.Instances())

	intro := []string{freshness(t, entry, m.clock)}
	intro = append(intro, banner(t, "instances", entry, width)...)

	primary := []string{m.instanceTable.View()}
	if len(m.instances) == 0 && entry.Present() {
		primary = []string{t.panelSubtle.Render("no instances for this process")}
	}

	var tail []string
	if instance, ok := m.selectedInstance(); ok {
		classification := m.opts.Commands.Eligibility(instance.InstanceID, m.folderFor(instance))
		tail = append(tail, t.category(classification.Category).Render(classification.Category.String())+
			t.panelSubtle.Render("  "+allowedText(classification)))
	}
	return stackPanel(intro, primary, tail)
}

func allowedText(classification status.Classification) string {
	allowed := classification.AllowedCommands()
	if len(allowed) == 0 {
		return "no commands available"
	}
	text := "available:"
	for _, cmd := range allowed {
		switch cmd {
		case status.CommandPause:
			text += " p pause"
		case status.CommandResume:
			text += " u resume"
		case status.CommandCancel:
			text += " x cancel"
		}
	}
	return text
}

func formatTime(value time.Time) string {
	if value.IsZero() {
		return "-"
	}
	return value.Local().Format("2006-01-02 15:04:05")
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	d = d.Truncate(time.Second)
	if d >= 24*time.Hour {
		days := int(d / (24 * time.Hour))
		hours := int((d % (24 * time.Hour)) / time.Hour)
		return fmt.Sprintf("%dd%dh", days, hours)
	}
	return d.String()
}
