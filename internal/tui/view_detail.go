package tui

import (
	"fmt"
	"strings"

	"github.com/dwizi/maestro-console/internal/registry"
	"github.com/dwizi/maestro-console/internal/resource"
	"github.com/dwizi/maestro-console/internal/status"
)

// detailInstance prefers the single-instance entry and falls back to the
// row last seen in the instance list.
func (m model) detailInstance() (registry.Instance, bool) {
	entry := m.opts.Store.Get(resource.Instance(m.state.InstanceID, m.state.FolderKey))
	if instance, ok := resource.InstanceFrom(entry); ok {
		return instance, true
	}
	for _, instance := range m.instances {
		if instance.InstanceID == m.state.InstanceID {
			return instance, true
		}
	}
	return registry.Instance{}, false
}

func (m model) renderDetailText(t theme, layout screenLayout) string {
	width := frameWidth(t.panelBox, layout.List.Width)
	entry := m.opts.Store.Get(resource.Instance(m.state.InstanceID, m.state.FolderKey))

	tabs := make([]string, 0, len(detailTabs))
	for _, tab := range detailTabs {
		if tab == m.tab {
			tabs = append(tabs, t.tabActive.Render(tab.String()))
		} else {
			tabs = append(tabs, t.tabInactive.Render(tab.String()))
		}
	}
	intro := []string{strings.Join(tabs, " "), freshness(t, entry, m.clock)}
	intro = append(intro, banner(t, "instance", entry, width)...)

	var primary []string
	switch m.tab {
	case tabRuns:
		primary = m.renderRunsLines(t)
	case tabHistory:
		primary = m.renderHistoryLines(t, width)
	case tabVariables:
		primary = m.renderVariableLines(t, width)
	case tabDiagram:
		primary = m.renderDiagramLines(t, width)
	default:
		primary = m.renderOverviewLines(t)
	}
	primary = clipLines(primary, layout.listRows(6))
	return stackPanel(intro, primary, nil)
}

func (m model) renderOverviewLines(t theme) []string {
	instance, ok := m.detailInstance()
	if !ok {
		return []string{t.panelSubtle.Render("loading instance...")}
	}
	classification := m.opts.Commands.Eligibility(m.state.InstanceID, m.state.FolderKey)
	completed := "-"
	if instance.CompletedTime != nil {
		completed = formatTime(*instance.CompletedTime)
	}
	return []string{
		t.panelTitle.Render(instance.DisplayName()),
		"",
		"status      " + t.category(classification.Category).Render(classification.Category.String()) +
			t.panelSubtle.Render(" ("+fallbackText(instance.LatestRunStatus, "no status")+")"),
		"id          " + instance.InstanceID,
		"folder      " + fallbackText(m.state.FolderKey, "-"),
		"package     " + fallbackText(instance.PackageID, "-") + " " + fallbackText(instance.PackageVersion, ""),
		"started     " + formatTime(instance.StartedTime),
		"completed   " + completed,
		"duration    " + formatDuration(instance.Duration(m.clock)),
		"started by  " + fallbackText(instance.StartedByUser, "-"),
		"source      " + fallbackText(instance.Source, "-"),
		"latest run  " + fallbackText(instance.LatestRunID, "-"),
		"",
		t.panelSubtle.Render(allowedText(classification)),
	}
}

func (m model) renderRunsLines(t theme) []string {
	instance, ok := m.detailInstance()
	if !ok {
		return []string{t.panelSubtle.Render("loading instance...")}
	}
	if len(instance.InstanceRuns) == 0 {
		return []string{t.panelSubtle.Render("no runs recorded")}
	}
	lines := []string{t.panelSubtle.Render(fmt.Sprintf("%-24s %-12s %-20s %s", "run", "status", "started", "completed"))}
	// Most recent first.
	for index := len(instance.InstanceRuns) - 1; index >= 0; index-- {
		run := instance.InstanceRuns[index]
		completed := "active"
		if !run.Active() {
			completed = formatTime(*run.CompletedTime)
		}
		category := status.Categorize(run.Status)
		lines = append(lines, fmt.Sprintf("%-24s %s %-20s %s",
			clip(run.RunID, 24),
			t.category(category).Render(fmt.Sprintf("%-12s", category.String())),
			formatTime(run.StartedTime),
			completed,
		))
	}
	return lines
}

func (m model) renderHistoryLines(t theme, width int) []string {
	entry := m.opts.Store.Get(resource.History(m.state.InstanceID))
	lines := banner(t, "history", entry, width)
	events := resource.HistoryFrom(entry)
	if len(events) == 0 {
		if entry.Present() {
			return append(lines, t.panelSubtle.Render("no execution events yet"))
		}
		return append(lines, t.panelSubtle.Render("loading history..."))
	}
	for _, event := range events {
		duration := "running"
		if event.EndTime != nil {
			duration = formatDuration(event.EndTime.Sub(event.StartedTime))
		}
		category := status.Categorize(event.Status)
		lines = append(lines, fmt.Sprintf("%s  %-28s %s  %s",
			formatTime(event.StartedTime),
			clip(event.Name, 28),
			t.category(category).Render(fallbackText(event.Status, "-")),
			duration,
		))
	}
	return lines
}

func (m model) renderVariableLines(t theme, width int) []string {
	entry := m.opts.Store.Get(resource.Variables(m.state.InstanceID, m.state.FolderKey))
	lines := []string{m.search.View(), ""}
	lines = append(lines, banner(t, "variables", entry, width)...)
	set, ok := resource.VariablesFrom(entry)
	if !ok {
		return append(lines, t.panelSubtle.Render("loading variables..."))
	}
	vars := registry.FilterVariables(set.GlobalVariables, m.search.Value())
	if len(vars) == 0 {
		return append(lines, t.panelSubtle.Render("no matching variables"))
	}
	for _, variable := range vars {
		header := t.panelAccent.Render(variable.Name) + t.panelSubtle.Render(" ("+fallbackText(variable.Type, variable.Value.Kind().String())+")")
		if variable.Source != "" {
			header += t.panelSubtle.Render(" · " + variable.Source)
		}
		lines = append(lines, header)
		for _, valueLine := range strings.Split(variable.Value.Format(), "\n") {
			lines = append(lines, "  "+clip(valueLine, width-2))
		}
	}
	return lines
}

func (m model) renderDiagramLines(t theme, width int) []string {
	entry := m.opts.Store.Get(resource.Bpmn(m.state.InstanceID, m.state.FolderKey))
	lines := banner(t, "diagram", entry, width)
	document := resource.BpmnFrom(entry)
	if document == "" {
		if entry.Present() {
			return append(lines, t.panelSubtle.Render("no diagram published for this process"))
		}
		return append(lines, t.panelSubtle.Render("loading diagram..."))
	}
	nodes, flows, err := outlineBpmn(document)
	if err != nil {
		lines = append(lines, t.panelWarn.Render(clip("diagram partly unreadable: "+err.Error(), width)))
	}
	executed := map[string]string{}
	for _, event := range resource.HistoryFrom(m.opts.Store.Get(resource.History(m.state.InstanceID))) {
		executed[event.Name] = event.Status
	}
	lines = append(lines, t.panelSubtle.Render(fmt.Sprintf("%d element(s), %d flow(s)", len(nodes), flows)))
	for _, node := range nodes {
		label := fallbackText(node.Name, node.ID)
		line := clip(fmt.Sprintf("%-22s %s", node.Kind, label), max(10, width-14))
		if state, ok := executed[node.Name]; ok && node.Name != "" {
			line += "  " + t.category(status.Categorize(state)).Render(state)
		}
		lines = append(lines, line)
	}
	return lines
}

func clipLines(lines []string, limit int) []string {
	if limit <= 0 || len(lines) <= limit {
		return lines
	}
	clipped := append([]string{}, lines[:limit-1]...)
	return append(clipped, fmt.Sprintf("… %d more line(s)", len(lines)-limit+1))
}
