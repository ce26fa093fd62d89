package heartbeat

import (
	"context"
	"log/slog"
	"time"
)

// FeedChange records one feed moving between health states.
type FeedChange struct {
	Feed   string `json:"feed"`
	From   string `json:"from"`
	To     string `json:"to"`
	Detail string `json:"detail,omitempty"`
	Error  string `json:"error,omitempty"`
}

type MonitorOptions struct {
	// Every is the sampling period; zero means fifteen seconds.
	Every      time.Duration
	StaleAfter time.Duration
	Logger     *slog.Logger
	// Notify, when set, receives every change after it has been logged.
	Notify func(context.Context, FeedChange)
}

// Monitor samples the board and logs feeds whose state changed since the
// previous sample. The first sample only records a baseline.
type Monitor struct {
	board  *Board
	opts   MonitorOptions
	logger *slog.Logger
	last   map[string]string
}

func NewMonitor(board *Board, opts MonitorOptions) *Monitor {
	if opts.Every <= 0 {
		opts.Every = 15 * time.Second
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Monitor{
		board:  board,
		opts:   opts,
		logger: opts.Logger.With("component", "health"),
	}
}

// Run samples until ctx ends.
func (m *Monitor) Run(ctx context.Context) error {
	if m.board == nil {
		<-ctx.Done()
		return nil
	}
	ticker := time.NewTicker(m.opts.Every)
	defer ticker.Stop()

	m.logger.Info("health monitor started", "every", m.opts.Every.String(), "stale_after", m.opts.StaleAfter.String())
	defer m.logger.Info("health monitor stopped")
	for {
		for _, change := range m.diff(m.board.Snapshot(m.opts.StaleAfter)) {
			m.report(ctx, change)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

// diff compares snapshot with the previous sample and remembers it.
func (m *Monitor) diff(snapshot Snapshot) []FeedChange {
	current := make(map[string]string, len(snapshot.Components))
	var changes []FeedChange
	for _, feed := range snapshot.Components {
		current[feed.Name] = feed.State
		if m.last == nil {
			continue
		}
		if before, ok := m.last[feed.Name]; ok && before != feed.State {
			changes = append(changes, FeedChange{
				Feed:   feed.Name,
				From:   before,
				To:     feed.State,
				Detail: feed.Message,
				Error:  feed.Error,
			})
		}
	}
	m.last = current
	return changes
}

func (m *Monitor) report(ctx context.Context, change FeedChange) {
	attrs := []any{"feed", change.Feed, "from", change.From, "to", change.To}
	if IsDegradedState(change.To) {
		m.logger.Warn("feed degraded", append(attrs, "error", change.Error)...)
	} else {
		m.logger.Info("feed state changed", attrs...)
	}
	if m.opts.Notify != nil {
		m.opts.Notify(ctx, change)
	}
}
