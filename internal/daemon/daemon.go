// Package daemon wires the bookpub service together: the build queue and
// orchestrator, the HTTP API, the periodic republish scheduler, and the
// config file watcher.
package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"git.home.luguber.info/inful/bookpub/internal/book"
	"git.home.luguber.info/inful/bookpub/internal/config"
	"git.home.luguber.info/inful/bookpub/internal/container"
	"git.home.luguber.info/inful/bookpub/internal/events"
	"git.home.luguber.info/inful/bookpub/internal/history"
	"git.home.luguber.info/inful/bookpub/internal/logfields"
	"git.home.luguber.info/inful/bookpub/internal/metrics"
	"git.home.luguber.info/inful/bookpub/internal/orchestrator"
	"git.home.luguber.info/inful/bookpub/internal/publish"
	"git.home.luguber.info/inful/bookpub/internal/queue"
	"git.home.luguber.info/inful/bookpub/internal/reposync"
	"git.home.luguber.info/inful/bookpub/internal/server"
	"git.home.luguber.info/inful/bookpub/internal/source"
	prom "github.com/prometheus/client_golang/prometheus"
)

// Daemon is the long-running bookpub service.
type Daemon struct {
	cfg        *config.Config
	configPath string

	queue     *queue.Queue
	server    *server.Server
	scheduler *Scheduler
	watcher   *ConfigWatcher
	history   *history.Store
	events    *events.Publisher
	providers *source.Registry
}

// newScheduler is swapped out in tests.
var newScheduler = NewScheduler

// New assembles a daemon from configuration.
func New(cfg *config.Config, configPath string) (*Daemon, error) {
	hist, err := history.Open(cfg.History.Path)
	if err != nil {
		return nil, err
	}

	pub, err := events.Connect(cfg.NATS)
	if err != nil {
		slog.Warn("NATS unavailable, event publishing disabled", logfields.Error(err))
	}

	registry := prom.NewRegistry()
	rec := metrics.NewPrometheusRecorder(registry)

	orch := orchestrator.New(cfg, reposync.New(), container.New(cfg.Container), publish.New(),
		orchestrator.WithHistory(hist),
		orchestrator.WithEvents(pub),
		orchestrator.WithMetrics(rec),
	)

	q := queue.New(orch, cfg.Queue.Workers, rec)
	providers := source.NewRegistry(source.NewGithubProvider(cfg.Source.GithubAPIURL))
	handlers := server.NewHandlers(cfg, q, providers, hist, rec)
	srv := server.New(cfg, handlers, registry)

	d := &Daemon{
		cfg:        cfg,
		configPath: configPath,
		queue:      q,
		server:     srv,
		history:    hist,
		events:     pub,
		providers:  providers,
	}

	if cfg.Scheduler.RebuildInterval.Std() > 0 {
		sched, err := newScheduler(cfg.Scheduler.RebuildInterval.Std(), d.republishKnownBooks)
		if err != nil {
			pub.Close()
			if cerr := hist.Close(); cerr != nil {
				slog.Error("Closing history store failed", logfields.Error(cerr))
			}
			return nil, err
		}
		d.scheduler = sched
	}

	if configPath != "" {
		watcher, err := NewConfigWatcher(configPath, d.onConfigChange)
		if err != nil {
			slog.Warn("Config watcher unavailable", logfields.Error(err))
		} else {
			d.watcher = watcher
		}
	}

	return d, nil
}

// Run starts all components and blocks until the context is cancelled or a
// termination signal arrives.
func (d *Daemon) Run(ctx context.Context) error {
	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	d.queue.Start(ctx)
	if d.scheduler != nil {
		d.scheduler.Start()
	}
	if d.watcher != nil {
		if err := d.watcher.Start(ctx); err != nil {
			slog.Warn("Failed to start config watcher", logfields.Error(err))
		}
	}

	errCh := make(chan error, 1)
	go func() { errCh <- d.server.Start() }()

	select {
	case <-ctx.Done():
		slog.Info("Shutting down")
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := d.server.Shutdown(shutdownCtx); err != nil {
		slog.Error("HTTP shutdown failed", logfields.Error(err))
	}
	if d.scheduler != nil {
		_ = d.scheduler.Stop()
	}
	if d.watcher != nil {
		d.watcher.Stop()
	}
	d.queue.Stop()
	d.events.Close()
	if err := d.history.Close(); err != nil {
		slog.Error("Closing history store failed", logfields.Error(err))
	}
	return nil
}

// republishKnownBooks re-enqueues every book that has ever been published
// so scheduled rebuilds pick up upstream changes. Books already building
// are skipped by the queue's single-flight guard.
func (d *Daemon) republishKnownBooks() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	keys, err := d.history.PublishedBooks(ctx)
	if err != nil {
		slog.Error("Scheduled republish: listing books failed", logfields.Error(err))
		return
	}
	for _, key := range keys {
		identity, err := identityFromKey(key)
		if err != nil {
			slog.Warn("Scheduled republish: skipping malformed book key", slog.String("key", key), logfields.Error(err))
			continue
		}
		provider, err := d.providers.Lookup(identity.Service)
		if err != nil {
			continue
		}
		if _, err := d.queue.Submit(identity, provider.RepoURL(identity.ID)); err != nil {
			slog.Debug("Scheduled republish: skipped", logfields.Book(key), logfields.Error(err))
		}
	}
	slog.Info("Scheduled republish complete", slog.Int("books", len(keys)))
}

// onConfigChange revalidates the config file after a change. An invalid
// file is reported and ignored; a valid one takes effect on the next
// restart, since rewiring running components in place is not supported.
func (d *Daemon) onConfigChange() {
	if _, err := config.Load(d.configPath); err != nil {
		slog.Error("Config file changed but does not validate", logfields.Error(err))
		return
	}
	slog.Info("Config file changed; restart to apply", logfields.Path(d.configPath))
}

func identityFromKey(key string) (book.Identity, error) {
	for i := range key {
		if key[i] == '/' {
			return book.NewIdentity(key[:i], key[i+1:])
		}
	}
	return book.Identity{}, fmt.Errorf("book key %q missing service separator", key)
}
