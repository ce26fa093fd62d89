package heartbeat

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestMonitorDiffSkipsBaseline(t *testing.T) {
	board := NewBoard()
	monitor := NewMonitor(board, MonitorOptions{Logger: quietLogger()})

	board.Beat("processes", "fetched")
	if changes := monitor.diff(board.Snapshot(0)); len(changes) != 0 {
		t.Fatalf("expected no changes on first sample, got %+v", changes)
	}

	board.Degrade("processes", "fetch failed", errors.New("503"))
	board.Beat("instances", "fetched")
	changes := monitor.diff(board.Snapshot(0))
	if len(changes) != 1 {
		t.Fatalf("expected one change, new feeds are baselined: %+v", changes)
	}
	got := changes[0]
	if got.Feed != "processes" || got.From != StateHealthy || got.To != StateDegraded || got.Error != "503" {
		t.Fatalf("unexpected change: %+v", got)
	}
}

func TestMonitorRunNotifiesChanges(t *testing.T) {
	board := NewBoard()
	changes := make(chan FeedChange, 4)
	monitor := NewMonitor(board, MonitorOptions{
		Every:  10 * time.Millisecond,
		Logger: quietLogger(),
		Notify: func(_ context.Context, change FeedChange) { changes <- change },
	})
	board.Beat("instance", "fetched")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = monitor.Run(ctx)
		close(done)
	}()
	time.Sleep(25 * time.Millisecond)
	board.Degrade("instance", "fetch failed", errors.New("timeout"))

	select {
	case change := <-changes:
		if change.To != StateDegraded || change.Error != "timeout" {
			t.Fatalf("unexpected change: %+v", change)
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatal("expected degraded change")
	}

	board.Beat("instance", "recovered")
	select {
	case change := <-changes:
		if change.From != StateDegraded || change.To != StateHealthy {
			t.Fatalf("unexpected recovery: %+v", change)
		}
	case <-time.After(300 * time.Millisecond):
		t.Fatal("expected recovery change")
	}

	cancel()
	<-done
}
