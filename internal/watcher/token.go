// Package watcher reloads the registry access token when its file changes.
package watcher

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/dwizi/maestro-console/internal/heartbeat"
	"github.com/fsnotify/fsnotify"
)

const componentName = "token"

type TokenSink interface {
	Set(token string)
}

type Service struct {
	path     string
	sink     TokenSink
	logger   *slog.Logger
	reporter heartbeat.Reporter
	onReload func(context.Context)
	current  string
}

func New(path string, sink TokenSink, logger *slog.Logger, onReload func(context.Context)) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	if path != "" {
		path = filepath.Clean(path)
	}
	return &Service{
		path:     path,
		sink:     sink,
		logger:   logger.With("component", "token_watcher"),
		onReload: onReload,
	}
}

func (s *Service) SetHeartbeatReporter(reporter heartbeat.Reporter) {
	s.reporter = reporter
}

// Load reads the token file once and hands a non-empty token to the sink.
func (s *Service) Load() error {
	if s.path == "" {
		return nil
	}
	raw, err := os.ReadFile(s.path)
	if err != nil {
		return fmt.Errorf("read access token file: %w", err)
	}
	token := strings.TrimSpace(string(raw))
	if token == "" {
		return fmt.Errorf("access token file %s is empty", s.path)
	}
	s.current = token
	s.sink.Set(token)
	return nil
}

func (s *Service) Start(ctx context.Context) error {
	if s.path == "" {
		if s.reporter != nil {
			s.reporter.Disabled(componentName, "no token file configured")
		}
		<-ctx.Done()
		return nil
	}
	fileWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fsnotify watcher: %w", err)
	}
	defer fileWatcher.Close()

	// Editors and secret mounts replace the file by rename, so watch the directory.
	if err := fileWatcher.Add(filepath.Dir(s.path)); err != nil {
		return fmt.Errorf("watch token dir: %w", err)
	}
	if s.reporter != nil {
		s.reporter.Beat(componentName, "watching "+s.path)
	}
	s.logger.Info("token watcher started", "path", s.path)

	for {
		select {
		case <-ctx.Done():
			if s.reporter != nil {
				s.reporter.Stopped(componentName, "stopped")
			}
			s.logger.Info("token watcher stopped")
			return nil
		case event, ok := <-fileWatcher.Events:
			if !ok {
				return nil
			}
			s.handleEvent(ctx, event)
		case err, ok := <-fileWatcher.Errors:
			if !ok {
				return nil
			}
			if err != nil {
				s.logger.Error("token watcher error", "error", err)
			}
		}
	}
}

func (s *Service) handleEvent(ctx context.Context, event fsnotify.Event) {
	if filepath.Clean(event.Name) != s.path {
		return
	}
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return
	}
	previous := s.current
	if err := s.Load(); err != nil {
		if s.reporter != nil {
			s.reporter.Degrade(componentName, "reload failed", err)
		}
		s.logger.Warn("token reload failed", "path", s.path, "error", err)
		return
	}
	if s.reporter != nil {
		s.reporter.Beat(componentName, "token reloaded")
	}
	if s.current == previous {
		return
	}
	s.logger.Info("access token reloaded", "path", s.path, "op", event.Op.String())
	if s.onReload != nil {
		s.onReload(ctx)
	}
}
