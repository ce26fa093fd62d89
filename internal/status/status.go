// Package status maps raw registry run statuses to canonical categories
// and to the control commands an instance in that category accepts.
package status

import "strings"

type Category int

const (
	Unknown Category = iota
	Running
	Paused
	Completed
	Faulted
	Cancelled
)

func (c Category) String() string {
	switch c {
	case Running:
		return "Running"
	case Paused:
		return "Paused"
	case Completed:
		return "Completed"
	case Faulted:
		return "Faulted"
	case Cancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

func (c Category) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

type Command string

const (
	CommandPause  Command = "pause"
	CommandResume Command = "resume"
	CommandCancel Command = "cancel"
)

type Classification struct {
	Category  Category `json:"category" yaml:"category"`
	CanPause  bool     `json:"can_pause" yaml:"can_pause"`
	CanResume bool     `json:"can_resume" yaml:"can_resume"`
	CanCancel bool     `json:"can_cancel" yaml:"can_cancel"`
}

// Allows reports whether the classification permits the command.
func (c Classification) Allows(command Command) bool {
	switch command {
	case CommandPause:
		return c.CanPause
	case CommandResume:
		return c.CanResume
	case CommandCancel:
		return c.CanCancel
	default:
		return false
	}
}

func (c Classification) AllowedCommands() []Command {
	commands := make([]Command, 0, 3)
	for _, command := range []Command{CommandPause, CommandResume, CommandCancel} {
		if c.Allows(command) {
			commands = append(commands, command)
		}
	}
	return commands
}

// Keyword groups in match priority order. The first group with a
// substring hit decides the category.
var keywordGroups = []struct {
	category Category
	keywords []string
}{
	{Completed, []string{"complete", "success"}},
	{Running, []string{"running", "active"}},
	{Faulted, []string{"fault", "error", "failed"}},
	{Paused, []string{"pause"}},
	{Cancelled, []string{"cancel"}},
}

func Categorize(raw string) Category {
	lowered := strings.ToLower(raw)
	for _, group := range keywordGroups {
		for _, keyword := range group.keywords {
			if strings.Contains(lowered, keyword) {
				return group.category
			}
		}
	}
	return Unknown
}

func Classify(raw string) Classification {
	category := Categorize(raw)
	return Classification{
		Category:  category,
		CanPause:  category == Running,
		CanResume: category == Paused,
		CanCancel: category != Completed && category != Cancelled,
	}
}
