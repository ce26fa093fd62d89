package tui

import "strings"

const (
	// Below either size the feed pane moves under the list.
	stackWidth  = 110
	stackHeight = 26

	headerRows = 3
	footerRows = 4

	// panelBodyRow is the row where table or tab content starts, so
	// switching screens never shifts the body up or down.
	panelBodyRow = 3
)

type pane struct {
	Width  int
	Height int
}

type screenLayout struct {
	Width   int
	Height  int
	Stacked bool

	List  pane
	Feeds pane
}

func computeLayout(width, height int) screenLayout {
	width = max(width, 40)
	height = max(height, 16)
	body := max(10, height-headerRows-footerRows)

	layout := screenLayout{
		Width:   width,
		Height:  height,
		Stacked: width < stackWidth || height < stackHeight,
	}
	if layout.Stacked {
		feeds := max(4, body/4)
		layout.Feeds = pane{Width: width, Height: feeds}
		layout.List = pane{Width: width, Height: max(6, body-feeds)}
		return layout
	}
	feedsWidth := clampInt(width*30/100, 30, 50)
	layout.Feeds = pane{Width: feedsWidth, Height: body}
	layout.List = pane{Width: max(40, width-feedsWidth-1), Height: body}
	return layout
}

// listRows is the row budget left in the list pane after reserved lines.
func (l screenLayout) listRows(reserved int) int {
	return max(3, l.List.Height-reserved)
}

// stackPanel pads the heading lines to panelBodyRow, then appends the body
// and an optional footnote block.
func stackPanel(heading, body, footnote []string) string {
	lines := make([]string, 0, panelBodyRow+len(body)+len(footnote)+1)
	lines = append(lines, heading...)
	for len(lines) < panelBodyRow {
		lines = append(lines, "")
	}
	lines = append(lines, body...)
	if len(footnote) > 0 {
		lines = append(lines, "")
		lines = append(lines, footnote...)
	}
	return strings.Join(lines, "\n")
}

func clampInt(value, low, high int) int {
	return min(max(value, low), high)
}
