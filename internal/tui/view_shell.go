package tui

import (
	"fmt"
	"strings"
	"time"

	"charm.land/lipgloss/v2"

	"github.com/dwizi/maestro-console/internal/cache"
	"github.com/dwizi/maestro-console/internal/heartbeat"
	"github.com/dwizi/maestro-console/internal/nav"
)

func (m model) renderView() string {
	if m.quitting {
		return "maestro console closed\n"
	}

	t := newTheme()
	layout := computeLayout(m.width, m.height)
	main, feeds := m.renderMain(t, layout), m.renderFeeds(t, layout)

	body := lipgloss.JoinVertical(lipgloss.Left, main, feeds)
	if !layout.Stacked {
		body = lipgloss.JoinHorizontal(lipgloss.Top, main, t.panelSubtle.Render("│"), feeds)
	}
	screen := lipgloss.JoinVertical(lipgloss.Left, m.renderHeader(t, layout), body, m.renderFooter(t, layout))
	return t.appBG.Width(layout.Width).Height(layout.Height).Render(screen)
}

func (m model) renderHeader(t theme, layout screenLayout) string {
	chip := t.chipSuccess.Render("LIVE")
	switch {
	case m.errorText != "":
		chip = t.chipError.Render("ERROR")
	case m.pendingCancel != nil:
		chip = t.chipWarn.Render("CONFIRM")
	case m.busy():
		chip = t.chipWarn.Render("SENDING")
	case m.degraded():
		chip = t.chipWarn.Render("DEGRADED")
	}

	width := frameWidth(t.headerBox, layout.Width)
	scope := fmt.Sprintf("env: %s | tenant: %s", fallbackText(m.opts.Environment, "unset"), fallbackText(m.opts.Tenant, "unset"))
	title := justify(t.brand.Render("Maestro Console")+"  "+t.headerSub.Render(m.breadcrumb()), chip, width)
	scopeLine := justify(
		t.headerSub.Render(clip(scope, max(20, width/2))),
		t.headerSub.Render("utc "+m.clock.UTC().Format("15:04:05")),
		width,
	)
	return boxed(t.headerBox, layout.Width, headerRows).Render(title + "\n" + scopeLine)
}

func (m model) breadcrumb() string {
	parts := []string{"processes"}
	if m.state.Level >= nav.SubCollection {
		parts = append(parts, fallbackText(m.state.ProcessName, m.state.ProcessKey))
	}
	if m.state.Level == nav.Detail {
		parts = append(parts, m.state.InstanceID)
	}
	return strings.Join(parts, " › ")
}

func (m model) renderMain(t theme, layout screenLayout) string {
	var title, subtitle, content string
	switch m.state.Level {
	case nav.SubCollection:
		title = "Instances"
		subtitle = fallbackText(m.state.ProcessName, m.state.ProcessKey)
		content = m.renderInstancesText(t, layout)
	case nav.Detail:
		title = "Instance"
		subtitle = m.tab.String()
		content = m.renderDetailText(t, layout)
	default:
		title = "Processes"
		subtitle = fmt.Sprintf("%d total", len(m.processes))
		content = m.renderProcessesText(t, layout)
	}

	width, height := layout.List.Width, layout.List.Height
	style := t.panelBox
	header := justify(t.panelTitle.Render(title), t.panelSubtle.Render(subtitle), frameWidth(style, width))
	return boxed(style, width, height).Render(header + "\n" + content)
}

func (m model) renderFeeds(t theme, layout screenLayout) string {
	width, height := layout.Feeds.Width, layout.Feeds.Height
	style := t.panelBox
	lines := []string{t.panelTitle.Render("Feeds"), ""}
	if m.opts.Health == nil {
		lines = append(lines, t.panelSubtle.Render("health not tracked"))
		return boxed(style, width, height).Render(strings.Join(lines, "\n"))
	}
	snapshot := m.opts.Health()
	lines[0] = justify(t.panelTitle.Render("Feeds"), t.panelSubtle.Render(snapshot.Overall), frameWidth(style, width))
	for _, component := range snapshot.Components {
		line := fmt.Sprintf("%-10s %s", component.Name, component.State)
		switch {
		case heartbeat.IsDegradedState(component.State):
			lines = append(lines, t.panelWarn.Render(clip(line, frameWidth(style, width))))
			if component.Error != "" {
				lines = append(lines, t.panelError.Render(clip("  "+component.Error, frameWidth(style, width))))
			}
		case component.State == heartbeat.StateHealthy:
			lines = append(lines, t.panelSuccess.Render(line))
		default:
			lines = append(lines, t.panelSubtle.Render(line))
		}
	}
	return boxed(style, width, height).Render(strings.Join(lines, "\n"))
}

func (m model) renderFooter(t theme, layout screenLayout) string {
	notice := t.footerOK
	text := "status: " + fallbackText(m.statusText, "idle")
	switch {
	case strings.TrimSpace(m.errorText) != "":
		notice, text = t.footerErr, "status: "+m.errorText
	case m.busy() || m.pendingCancel != nil:
		notice = t.footerWarn
	}

	hints := t.footerInfo.Render(m.help.View(m.keys))
	if m.searching {
		hints = t.footerKey.Render("enter/esc") + t.footerInfo.Render(" finish search")
	}
	width := frameWidth(t.footerBox, layout.Width)
	return boxed(t.footerBox, layout.Width, footerRows).Render(hints + "\n" + notice.Render(clip(text, width)))
}

func (m model) degraded() bool {
	if m.opts.Health == nil {
		return false
	}
	return len(m.opts.Health().Degraded()) > 0
}

// banner reports a failed fetch while the last known payload stays on screen.
func banner(t theme, label string, entry cache.Entry, width int) []string {
	if entry.Err == nil {
		return nil
	}
	text := label + ": " + entry.Err.Error()
	if entry.Present() {
		text += " (showing last known data)"
	}
	return []string{t.panelError.Render(clip(text, width))}
}

func freshness(t theme, entry cache.Entry, now time.Time) string {
	switch {
	case entry.InFlight && entry.LastFetchedAt.IsZero():
		return t.panelSubtle.Render("loading...")
	case entry.LastFetchedAt.IsZero() && entry.Present():
		return t.panelSubtle.Render("stale · refresh pending")
	case entry.LastFetchedAt.IsZero():
		return t.panelSubtle.Render("waiting for data")
	}
	age := now.Sub(entry.LastFetchedAt).Truncate(time.Second)
	if age < 0 {
		age = 0
	}
	text := "updated " + age.String() + " ago"
	if entry.InFlight {
		text += " · refreshing"
	}
	return t.panelSubtle.Render(text)
}

// justify pads between left and right so the pair spans width cells,
// clipping the joined text when it does not fit.
func justify(left, right string, width int) string {
	gap := width - lipgloss.Width(left) - lipgloss.Width(right)
	switch {
	case width <= 0:
		return strings.TrimSpace(left + " " + right)
	case gap < 1:
		return clip(left+" "+right, width)
	}
	return left + strings.Repeat(" ", gap) + right
}

// clip shortens value to at most width runes, marking the cut with an ellipsis.
func clip(value string, width int) string {
	runes := []rune(strings.TrimSpace(value))
	switch {
	case width <= 0:
		return ""
	case len(runes) <= width:
		return string(runes)
	case width == 1:
		return string(runes[:1])
	}
	return string(runes[:width-1]) + "…"
}

// frameWidth is the content width left inside style at an outer width.
func frameWidth(style lipgloss.Style, outer int) int {
	return max(1, outer-style.GetHorizontalFrameSize())
}

// boxed sizes style so its rendered frame occupies width by height cells.
func boxed(style lipgloss.Style, width, height int) lipgloss.Style {
	return style.
		Width(frameWidth(style, width)).
		Height(max(1, height-style.GetVerticalFrameSize()))
}

func fallbackText(value, fallback string) string {
	if strings.TrimSpace(value) == "" {
		return fallback
	}
	return value
}
