package app

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"
)

// Run keeps the background loops alive until ctx is done.
func (r *Runtime) Run(ctx context.Context) error {
	r.logger.Info("maestro console runtime starting", "base_url", r.cfg.BaseURL, "org", r.cfg.OrgName, "tenant", r.cfg.TenantName)

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		return r.supervise(groupCtx, "poller", r.scheduler.Start)
	})
	if r.cfg.AccessTokenFile == "" {
		// The token feed reports itself as disabled.
		group.Go(func() error { return r.tokens.Start(groupCtx) })
	} else {
		group.Go(func() error {
			return r.supervise(groupCtx, "token", r.tokens.Start)
		})
	}
	if r.audit != nil {
		group.Go(func() error { return r.watchAudit(groupCtx) })
	}
	group.Go(func() error { return r.monitor.Run(groupCtx) })
	return group.Wait()
}

// pulsePeriod is a third of the staleness window, never under a second.
func (r *Runtime) pulsePeriod() time.Duration {
	return max(time.Second, time.Duration(r.cfg.HealthStaleSec)*time.Second/3)
}

// every calls fn on each tick of the pulse period until ctx ends.
func (r *Runtime) every(ctx context.Context, fn func()) {
	ticker := time.NewTicker(r.pulsePeriod())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			fn()
		}
	}
}

// supervise runs loop under the named feed, beating while it runs and
// marking the feed degraded if it returns an error before ctx ends.
func (r *Runtime) supervise(ctx context.Context, feed string, loop func(context.Context) error) error {
	r.board.Starting(feed, "starting")
	r.board.Beat(feed, "running")

	pulseCtx, stopPulse := context.WithCancel(ctx)
	go r.every(pulseCtx, func() { r.board.Beat(feed, "running") })
	err := loop(ctx)
	stopPulse()

	if err != nil && ctx.Err() == nil {
		r.board.Degrade(feed, "loop exited", err)
		return err
	}
	r.board.Stopped(feed, "stopped")
	return err
}

func (r *Runtime) watchAudit(ctx context.Context) error {
	r.every(ctx, func() {
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := r.audit.Ping(pingCtx); err != nil {
			r.board.Degrade("audit", "journal unreachable", err)
			return
		}
		r.board.Beat("audit", "journal at "+r.cfg.AuditDBPath)
	})
	r.board.Stopped("audit", "stopped")
	return nil
}
