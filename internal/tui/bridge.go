package tui

import (
	"context"

	tea "charm.land/bubbletea/v2"
)

// refreshMsg tells the model to re-read the cache and navigation state.
type refreshMsg struct{}

// bridge turns cache and navigation notifications into program messages.
// Notifications arrive on fetch goroutines and may burst; they collapse into
// at most one pending refresh so no notifier ever blocks on the UI.
type bridge struct {
	send    func(tea.Msg)
	pending chan struct{}
}

func newBridge(send func(tea.Msg)) *bridge {
	return &bridge{
		send:    send,
		pending: make(chan struct{}, 1),
	}
}

func (b *bridge) notify() {
	select {
	case b.pending <- struct{}{}:
	default:
	}
}

func (b *bridge) run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-b.pending:
			b.send(refreshMsg{})
		}
	}
}
