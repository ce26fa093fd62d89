package tui

import (
	"charm.land/bubbles/v2/key"
)

type keyMap struct {
	Quit       key.Binding
	Select     key.Binding
	Back       key.Binding
	Up         key.Binding
	Down       key.Binding
	Refresh    key.Binding
	NextTab    key.Binding
	Search     key.Binding
	ToggleHelp key.Binding

	Pause   key.Binding
	Resume  key.Binding
	Cancel  key.Binding
	Confirm key.Binding
	Deny    key.Binding
}

// bind registers keys under a help label; the first key names the binding
// in the help bar unless label is set.
func bind(label, desc string, keys ...string) key.Binding {
	if label == "" {
		label = keys[0]
	}
	return key.NewBinding(key.WithKeys(keys...), key.WithHelp(label, desc))
}

func newKeyMap() keyMap {
	return keyMap{
		Quit:       bind("", "quit", "q", "ctrl+c"),
		Select:     bind("", "open", "enter"),
		Back:       bind("", "back", "esc", "backspace"),
		Up:         bind("k/up", "move up", "k", "up"),
		Down:       bind("j/down", "move down", "j", "down"),
		Refresh:    bind("", "refresh", "r"),
		NextTab:    bind("", "next tab", "tab"),
		Search:     bind("", "search variables", "/"),
		ToggleHelp: bind("", "toggle help", "?"),

		Pause:   bind("", "pause", "p"),
		Resume:  bind("", "resume", "u"),
		Cancel:  bind("", "cancel", "x"),
		Confirm: bind("", "confirm", "y"),
		Deny:    bind("", "keep running", "n", "esc"),
	}
}

func (k keyMap) ShortHelp() []key.Binding {
	return []key.Binding{k.Select, k.Back, k.Refresh, k.Pause, k.Resume, k.Cancel, k.ToggleHelp, k.Quit}
}

func (k keyMap) FullHelp() [][]key.Binding {
	navigation := []key.Binding{k.Select, k.Back, k.Up, k.Down, k.Refresh, k.ToggleHelp, k.Quit}
	detail := []key.Binding{k.NextTab, k.Search}
	commands := []key.Binding{k.Pause, k.Resume, k.Cancel, k.Confirm, k.Deny}
	return [][]key.Binding{navigation, detail, commands}
}
