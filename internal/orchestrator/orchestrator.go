// Package orchestrator composes lock, sync, container build and publish
// into one idempotent build job per book. The job owns its lock for its
// entire lifetime, writes every step into the truncated build log, and
// always terminates the log with exactly one marker: success after a
// published build, failure with a diagnostic on any other path. Lock
// contention is the single exception that writes no marker, because the
// log belongs to the build that is already running.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"git.home.luguber.info/inful/bookpub/internal/book"
	"git.home.luguber.info/inful/bookpub/internal/buildlog"
	"git.home.luguber.info/inful/bookpub/internal/config"
	"git.home.luguber.info/inful/bookpub/internal/events"
	"git.home.luguber.info/inful/bookpub/internal/history"
	"git.home.luguber.info/inful/bookpub/internal/lock"
	"git.home.luguber.info/inful/bookpub/internal/logfields"
	"git.home.luguber.info/inful/bookpub/internal/metrics"
)

// BuildError reports a container build that ran but exited non-zero.
type BuildError struct {
	ExitCode int
}

func (e *BuildError) Error() string {
	return fmt.Sprintf("build process exited with status %d", e.ExitCode)
}

// PublishError reports a failure copying the rendered output into place.
// Classified as a build failure: the build either produced nothing or its
// output could not be made public.
type PublishError struct {
	Err error
}

func (e *PublishError) Error() string { return fmt.Sprintf("publish: %v", e.Err) }
func (e *PublishError) Unwrap() error { return e.Err }

// Syncer brings the working copy up to date from its remote.
type Syncer interface {
	Sync(ctx context.Context, path, url string, log *buildlog.Writer) error
}

// Runner executes the isolated build and returns its exit code.
type Runner interface {
	Run(ctx context.Context, clonePath, baseURL string, log *buildlog.Writer) (int, error)
}

// TreePublisher copies the rendered output tree to the public location.
type TreePublisher interface {
	Publish(outputPath, publishPath string) error
}

// Orchestrator runs build jobs. All collaborators are injected; History,
// Events and Metrics may be nil/no-op.
type Orchestrator struct {
	cfg       *config.Config
	locks     *lock.Manager
	syncer    Syncer
	runner    Runner
	publisher TreePublisher
	history   *history.Store
	events    *events.Publisher
	metrics   metrics.Recorder
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithHistory records lifecycle events in the given store.
func WithHistory(h *history.Store) Option { return func(o *Orchestrator) { o.history = h } }

// WithEvents publishes lifecycle events to NATS.
func WithEvents(p *events.Publisher) Option { return func(o *Orchestrator) { o.events = p } }

// WithMetrics sets the metrics recorder.
func WithMetrics(m metrics.Recorder) Option { return func(o *Orchestrator) { o.metrics = m } }

// New constructs an Orchestrator.
func New(cfg *config.Config, syncer Syncer, runner Runner, publisher TreePublisher, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		cfg:       cfg,
		locks:     &lock.Manager{StaleAfter: cfg.Lock.StaleAfter.Std()},
		syncer:    syncer,
		runner:    runner,
		publisher: publisher,
		metrics:   metrics.Noop{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Run executes one build job for identity, syncing from remoteURL and
// passing baseURL to the containerized build. Returns lock.ErrAlreadyLocked
// without touching the log when another build owns the identity; any other
// error has already been recorded as a failure marker.
func (o *Orchestrator) Run(ctx context.Context, jobID string, identity book.Identity, remoteURL string) error {
	ws := book.NewWorkspace(o.cfg.BuildRoot, o.cfg.PublishRoot, identity)
	baseURL := ws.PublicURL(o.cfg.PublicBaseURL)

	lk, err := o.locks.Acquire(ws.LockPath())
	if err != nil {
		if errors.Is(err, lock.ErrAlreadyLocked) {
			// Another build owns this identity and its log. Leave both alone.
			slog.Info("Build already in progress, skipping",
				logfields.JobID(jobID), logfields.Book(identity.Key()))
			return err
		}
		return fmt.Errorf("acquire build lock: %w", err)
	}

	start := time.Now()
	o.metrics.BuildStarted()
	o.recordEvent(ctx, jobID, identity, history.EventStarted, "")

	// From here the lock is held and must be released on every path.
	err = o.build(ctx, jobID, ws, remoteURL, baseURL)

	if relErr := lk.Release(); relErr != nil {
		slog.Error("Failed to release build lock",
			logfields.JobID(jobID), logfields.Book(identity.Key()), logfields.Error(relErr))
	}

	outcome := history.EventSucceeded
	detail := ""
	if err != nil {
		outcome = history.EventFailed
		detail = err.Error()
	}
	o.metrics.BuildFinished(outcome, time.Since(start))
	o.recordEvent(ctx, jobID, identity, outcome, detail)

	if err != nil {
		slog.Error("Build failed",
			logfields.JobID(jobID), logfields.Book(identity.Key()),
			logfields.JobStatus(outcome),
			logfields.DurationMS(float64(time.Since(start).Milliseconds())),
			logfields.Error(err))
		return err
	}
	slog.Info("Build published",
		logfields.JobID(jobID), logfields.Book(identity.Key()),
		logfields.JobStatus(outcome),
		logfields.URL(baseURL),
		logfields.DurationMS(float64(time.Since(start).Milliseconds())))
	return nil
}

// build runs the syncing/building/publishing stages against an already-held
// lock and writes the terminal marker. The returned error mirrors what the
// failure marker recorded.
func (o *Orchestrator) build(ctx context.Context, jobID string, ws book.Workspace, remoteURL, baseURL string) error {
	log, err := buildlog.Create(ws.LogPath())
	if err != nil {
		return fmt.Errorf("open build log: %w", err)
	}
	defer log.Close()

	identity := ws.Identity()
	log.Printf("build %s started job=%s", identity.Key(), jobID)

	slog.Debug("Syncing working copy", logfields.JobID(jobID), logfields.Stage("sync"), logfields.Path(ws.ClonePath()))
	if err := o.syncer.Sync(ctx, ws.ClonePath(), remoteURL, log); err != nil {
		markFailure(log, jobID, fmt.Sprintf("sync: %v", err))
		return err
	}

	slog.Debug("Running build container", logfields.JobID(jobID), logfields.Stage("build"))
	code, err := o.runner.Run(ctx, ws.ClonePath(), baseURL, log)
	if err != nil {
		markFailure(log, jobID, err.Error())
		return fmt.Errorf("build: %w", err)
	}
	if code != 0 {
		berr := &BuildError{ExitCode: code}
		slog.Warn("Build container exited non-zero",
			logfields.JobID(jobID), logfields.Book(identity.Key()), logfields.ExitCode(code))
		markFailure(log, jobID, berr.Error())
		return berr
	}

	slog.Debug("Publishing output", logfields.JobID(jobID), logfields.Stage("publish"), logfields.Path(ws.PublishPath()))
	if err := o.publisher.Publish(ws.BuildOutputPath(), ws.PublishPath()); err != nil {
		perr := &PublishError{Err: err}
		markFailure(log, jobID, perr.Error())
		return perr
	}

	if err := log.Success(); err != nil {
		return fmt.Errorf("write success marker: %w", err)
	}
	return nil
}

// markFailure writes the failure marker. A failed write leaves the log
// without a terminal marker, so it is reported rather than swallowed.
func markFailure(log *buildlog.Writer, jobID, reason string) {
	if err := log.Failure(reason); err != nil {
		slog.Error("Failed to write failure marker", logfields.JobID(jobID), logfields.Error(err))
	}
}

func (o *Orchestrator) recordEvent(ctx context.Context, jobID string, identity book.Identity, outcome, detail string) {
	if o.history != nil {
		if err := o.history.Append(ctx, jobID, identity.Key(), outcome, detail); err != nil {
			slog.Warn("Failed to record build event", logfields.JobID(jobID), logfields.Error(err))
		}
	}
	o.events.Publish(events.BuildEvent{
		JobID:   jobID,
		Service: identity.Service,
		Book:    identity.ID,
		Outcome: outcome,
		Detail:  detail,
	})
}
