package tui

import (
	"image/color"

	"charm.land/lipgloss/v2"

	"github.com/dwizi/maestro-console/internal/status"
)

// palette holds the 256-colour indexes the console draws with.
type palette struct {
	rule, body, dim, faint color.Color
	focus, tint            color.Color
	good, caution, bad     color.Color
	hold, bright           color.Color
}

func defaultPalette() palette {
	return palette{
		rule:    lipgloss.Color("238"),
		body:    lipgloss.Color("252"),
		dim:     lipgloss.Color("246"),
		faint:   lipgloss.Color("243"),
		focus:   lipgloss.Color("111"),
		tint:    lipgloss.Color("151"),
		good:    lipgloss.Color("78"),
		caution: lipgloss.Color("214"),
		bad:     lipgloss.Color("203"),
		hold:    lipgloss.Color("179"),
		bright:  lipgloss.Color("255"),
	}
}

type theme struct {
	appBG lipgloss.Style
	brand lipgloss.Style

	headerBox lipgloss.Style
	headerSub lipgloss.Style

	panelBox     lipgloss.Style
	panelTitle   lipgloss.Style
	panelSubtle  lipgloss.Style
	panelAccent  lipgloss.Style
	panelWarn    lipgloss.Style
	panelError   lipgloss.Style
	panelSuccess lipgloss.Style

	footerBox  lipgloss.Style
	footerInfo lipgloss.Style
	footerErr  lipgloss.Style
	footerWarn lipgloss.Style
	footerOK   lipgloss.Style
	footerKey  lipgloss.Style

	chipWarn    lipgloss.Style
	chipError   lipgloss.Style
	chipSuccess lipgloss.Style

	tabActive   lipgloss.Style
	tabInactive lipgloss.Style

	tableHeader   lipgloss.Style
	tableCell     lipgloss.Style
	tableSelected lipgloss.Style

	categories map[status.Category]lipgloss.Style
}

func fg(c color.Color) lipgloss.Style { return lipgloss.NewStyle().Foreground(c) }

func strong(c color.Color) lipgloss.Style { return fg(c).Bold(true) }

// ruled draws a single horizontal rule above or below padded content.
func ruled(c color.Color, top bool) lipgloss.Style {
	return lipgloss.NewStyle().
		Border(lipgloss.NormalBorder(), top, false, !top, false).
		BorderForeground(c).
		Padding(0, 1)
}

func newTheme() theme {
	p := defaultPalette()

	t := theme{
		appBG:     fg(p.body),
		brand:     strong(p.focus),
		headerBox: ruled(p.rule, false),
		headerSub: fg(p.dim),
		footerBox: ruled(p.rule, true),
		panelBox:  lipgloss.NewStyle().Padding(0, 1),

		panelTitle:   strong(p.focus),
		panelSubtle:  fg(p.dim),
		panelAccent:  fg(p.tint),
		panelWarn:    fg(p.caution),
		panelError:   fg(p.bad),
		panelSuccess: fg(p.good),

		footerInfo: fg(p.body),
		footerKey:  strong(p.focus),

		tabActive:   strong(p.bright).Underline(true).Padding(0, 1),
		tabInactive: fg(p.faint).Padding(0, 1),

		tableHeader:   strong(p.focus).Padding(0, 1),
		tableCell:     fg(p.body).Padding(0, 1),
		tableSelected: strong(p.focus),
	}

	// Footer notices and inline chips share the same severity colours.
	t.footerOK, t.chipSuccess = strong(p.good), strong(p.good)
	t.footerWarn, t.chipWarn = strong(p.caution), strong(p.caution)
	t.footerErr, t.chipError = strong(p.bad), strong(p.bad)

	t.categories = map[status.Category]lipgloss.Style{
		status.Running:   strong(p.focus),
		status.Paused:    strong(p.hold),
		status.Completed: strong(p.good),
		status.Faulted:   strong(p.bad),
		status.Cancelled: fg(p.faint),
		status.Unknown:   fg(p.dim),
	}
	return t
}

// category falls back to the subtle panel style for categories without
// a dedicated colour.
func (t theme) category(category status.Category) lipgloss.Style {
	if style, ok := t.categories[category]; ok {
		return style
	}
	return t.panelSubtle
}
