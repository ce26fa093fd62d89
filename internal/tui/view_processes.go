package tui

import (
	"fmt"
	"strconv"

	"charm.land/bubbles/v2/table"

	"github.com/dwizi/maestro-console/internal/resource"
)

func processColumns(width int) []table.Column {
	counts := 9
	name := max(16, width-counts*5-18-12)
	return []table.Column{
		{Title: "Process", Width: name},
		{Title: "Folder", Width: 18},
		{Title: "Running", Width: counts},
		{Title: "Paused", Width: counts},
		{Title: "Faulted", Width: counts},
		{Title: "Done", Width: counts},
		{Title: "Pending", Width: counts},
	}
}

func (m *model) rebuildProcessRows() {
	rows := make([]table.Row, 0, len(m.processes))
	for _, process := range m.processes {
		rows = append(rows, table.Row{
			process.DisplayName(),
			fallbackText(process.FolderName, process.FolderKey),
			strconv.Itoa(process.RunningCount),
			strconv.Itoa(process.PausedCount),
			strconv.Itoa(process.FaultedCount),
			strconv.Itoa(process.CompletedCount),
			strconv.Itoa(process.PendingCount),
		})
	}
	m.processTable.SetRows(rows)
	clampCursor(&m.processTable, len(rows))
}

func clampCursor(t *table.Model, rows int) {
	if t.Cursor() >= rows {
		t.SetCursor(max(0, rows-1))
	}
}

func (m model) renderProcessesText(t theme, layout screenLayout) string {
	width := frameWidth(t.panelBox, layout.List.Width)
	entry := m.opts.Store.Get(resource.Processes())

	intro := []string{freshness(t, entry, m.clock)}
	intro = append(intro, banner(t, "processes", entry, width)...)

	primary := []string{m.processTable.View()}
	if len(m.processes) == 0 && entry.Present() {
		primary = []string{t.panelSubtle.Render("no processes in this tenant")}
	}

	var tail []string
	if process, ok := m.selectedProcess(); ok {
		tail = append(tail, t.panelSubtle.Render(fmt.Sprintf(
			"%s · %d version(s) · package %s",
			process.DisplayName(), max(process.VersionCount, len(process.PackageVersions)), fallbackText(process.PackageID, "n/a"),
		)))
	}
	return stackPanel(intro, primary, tail)
}
