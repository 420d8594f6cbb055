// Package client assembles the client core from configuration.
package client

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"

	"golang.org/x/oauth2"

	"github.com/majitask/majitask/internal/config"
	"github.com/majitask/majitask/internal/connectivity"
	"github.com/majitask/majitask/internal/events"
	"github.com/majitask/majitask/internal/local"
	"github.com/majitask/majitask/internal/notify"
	"github.com/majitask/majitask/internal/optimistic"
	"github.com/majitask/majitask/internal/remote"
	"github.com/majitask/majitask/internal/repository"
	"github.com/majitask/majitask/internal/selector"
	"github.com/majitask/majitask/internal/storage"
	"github.com/majitask/majitask/internal/syncer"
)

// Options tunes Open.
type Options struct {
	// Offline skips the remote entirely.
	Offline bool
	// Sinks receive notifications; nil logs them.
	Sinks []notify.Sink
}

// Client is the wired client core.
type Client struct {
	Bus      *events.Bus
	Remote   *remote.Adapter
	Local    *local.Adapter
	Monitor  *connectivity.Monitor
	Selector *selector.Selector
	Syncer   *syncer.Syncer
	Repo     *repository.Repository
	State    *optimistic.Store

	notifier *notify.Dispatcher
	audit    *storage.EventLogger
	unwatch  func()
}

// Open builds the client core. Nothing runs in the background until Start.
func Open(cfg *config.Config, opts Options) (*Client, error) {
	c := &Client{Bus: events.NewBus(cfg.Events.BufferSize)}

	loc, err := local.Open(cfg.Client.DataDir)
	if err != nil {
		c.Bus.Close()
		return nil, err
	}
	c.Local = loc

	if opts.Offline {
		c.Selector = selector.New(nil, loc, nil, nil, c.Bus)
	} else {
		c.Remote = remote.New(remote.Options{
			BaseURL: cfg.Client.BaseURL,
			Tokens:  remote.TokenSource(cfg.Client.Token, TokenPath()),
			Timeout: cfg.Client.Timeout.Duration(),
		})
		c.Monitor = connectivity.NewMonitor(c.Remote, connectivity.Options{
			Target:   c.Remote.BaseURL(),
			Interval: cfg.Client.CheckInterval.Duration(),
			Timeout:  cfg.Client.Timeout.Duration(),
			Bus:      c.Bus,
		})
		c.Selector = selector.New(c.Remote, loc, c.Monitor, c.Remote, c.Bus)
		c.unwatch = c.Selector.Watch(c.Monitor)
		c.Syncer = syncer.New(loc, c.Remote, syncer.Options{
			Interval: cfg.Client.SyncInterval.Duration(),
			Gate:     func(ctx context.Context) bool { return c.Selector.Resolve(ctx).Remote },
			Bus:      c.Bus,
		})
	}

	var s repository.Syncer
	if c.Syncer != nil {
		s = c.Syncer
	}
	c.Repo = repository.New(c.Selector, s, c.Bus)
	c.State = optimistic.New(c.Repo, c.Bus)

	sinks := opts.Sinks
	if sinks == nil {
		sinks = []notify.Sink{notify.LogSink{}}
	}
	c.notifier = notify.NewDispatcher(c.Bus, sinks...)
	if dir := cfg.Events.AuditDir; dir != "" && dir != "-" {
		c.audit = storage.NewEventLogger(filepath.Join(dir, "client"), c.Bus)
	}
	return c, nil
}

// Start begins connectivity probing and timed sync passes.
func (c *Client) Start() error {
	if c.Monitor == nil {
		return nil
	}
	c.Monitor.Start()
	if err := c.Syncer.Start(); err != nil {
		c.Monitor.Stop()
		return fmt.Errorf("start syncer: %w", err)
	}
	return nil
}

// Close stops background work and releases the bus.
func (c *Client) Close() {
	if c.Syncer != nil {
		c.Syncer.Stop()
	}
	if c.Monitor != nil {
		c.Monitor.Stop()
	}
	if c.unwatch != nil {
		c.unwatch()
	}
	c.notifier.Close()
	if c.audit != nil {
		c.audit.Close()
	}
	c.Bus.Close()
	slog.Debug("client closed")
}

// TokenPath is where `login` stores the access token.
func TokenPath() string {
	return filepath.Join(config.MajitaskPath(), remote.TokenFile)
}

// SaveToken stores tok where Open will find it.
func SaveToken(tok *oauth2.Token) error {
	return remote.SaveToken(TokenPath(), tok)
}
