package orchestrator

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"git.home.luguber.info/inful/bookpub/internal/book"
	"git.home.luguber.info/inful/bookpub/internal/buildlog"
	"git.home.luguber.info/inful/bookpub/internal/config"
	"git.home.luguber.info/inful/bookpub/internal/history"
	"git.home.luguber.info/inful/bookpub/internal/lock"
	"git.home.luguber.info/inful/bookpub/internal/publish"
	"git.home.luguber.info/inful/bookpub/internal/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeSyncer struct {
	err error
}

func (f *fakeSyncer) Sync(_ context.Context, path, url string, log *buildlog.Writer) error {
	if f.err != nil {
		return f.err
	}
	if err := os.MkdirAll(path, 0o750); err != nil {
		return err
	}
	log.Printf("synced from %s", url)
	return nil
}

// fakeRunner simulates the build container: on exit code 0 it leaves a
// rendered tree under <clone>/build.
type fakeRunner struct {
	exitCode int
	runErr   error
}

func (f *fakeRunner) Run(_ context.Context, clonePath, baseURL string, log *buildlog.Writer) (int, error) {
	if f.runErr != nil {
		return -1, f.runErr
	}
	log.Printf("container building with base url %s", baseURL)
	if f.exitCode == 0 {
		out := filepath.Join(clonePath, "build")
		if err := os.MkdirAll(out, 0o750); err != nil {
			return -1, err
		}
		if err := os.WriteFile(filepath.Join(out, "index.html"), []byte("<h1>rendered</h1>"), 0o640); err != nil {
			return -1, err
		}
	}
	return f.exitCode, nil
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	return &config.Config{
		BuildRoot:     filepath.Join(dir, "build"),
		PublishRoot:   filepath.Join(dir, "publish"),
		PublicBaseURL: "https://pub.example.com",
	}
}

func testIdentity(t *testing.T) book.Identity {
	t.Helper()
	identity, err := book.NewIdentity("github", "alice/book")
	require.NoError(t, err)
	return identity
}

// Scenario: no prior state, container succeeds. The output is published,
// the log ends with the success marker, the lock is gone, and status
// reports complete with the public URL.
func TestRun_SuccessfulBuild(t *testing.T) {
	cfg := testConfig(t)
	identity := testIdentity(t)
	orch := New(cfg, &fakeSyncer{}, &fakeRunner{exitCode: 0}, publish.New())

	err := orch.Run(context.Background(), "job-1", identity, "https://github.com/alice/book")
	require.NoError(t, err)

	ws := book.NewWorkspace(cfg.BuildRoot, cfg.PublishRoot, identity)
	assert.False(t, lock.Held(ws.LockPath()), "lock must be released")
	assert.FileExists(t, filepath.Join(ws.PublishPath(), "index.html"))

	st, err := status.Query(ws, cfg.PublicBaseURL)
	require.NoError(t, err)
	assert.Equal(t, status.StateComplete, st.State)
	assert.Equal(t, "https://pub.example.com/github/alice/book/", st.URL)
	assert.Contains(t, st.Log, buildlog.MarkerSuccess)
}

// Scenario: container exits 2. The failure marker carries the exit code,
// the lock is released, nothing is published.
func TestRun_BuildExitsNonZero(t *testing.T) {
	cfg := testConfig(t)
	identity := testIdentity(t)
	orch := New(cfg, &fakeSyncer{}, &fakeRunner{exitCode: 2}, publish.New())

	err := orch.Run(context.Background(), "job-1", identity, "https://github.com/alice/book")
	var buildErr *BuildError
	require.ErrorAs(t, err, &buildErr)
	assert.Equal(t, 2, buildErr.ExitCode)

	ws := book.NewWorkspace(cfg.BuildRoot, cfg.PublishRoot, identity)
	assert.False(t, lock.Held(ws.LockPath()))
	assert.NoDirExists(t, ws.PublishPath(), "failed build must not publish")

	st, err := status.Query(ws, cfg.PublicBaseURL)
	require.NoError(t, err)
	assert.Equal(t, status.StateFailed, st.State)
	assert.Contains(t, st.Log, "exited with status 2")
}

func TestRun_SyncFailure(t *testing.T) {
	cfg := testConfig(t)
	identity := testIdentity(t)
	syncErr := errors.New("remote unreachable")
	orch := New(cfg, &fakeSyncer{err: syncErr}, &fakeRunner{}, publish.New())

	err := orch.Run(context.Background(), "job-1", identity, "https://github.com/alice/book")
	require.ErrorIs(t, err, syncErr)

	ws := book.NewWorkspace(cfg.BuildRoot, cfg.PublishRoot, identity)
	assert.False(t, lock.Held(ws.LockPath()))

	snap, err := buildlog.Read(ws.LogPath())
	require.NoError(t, err)
	assert.Contains(t, snap.Text, buildlog.MarkerFailure)
	assert.Contains(t, snap.Text, "remote unreachable")
}

// A build that succeeds but leaves no output tree fails at publish.
func TestRun_MissingOutputIsPublishFailure(t *testing.T) {
	cfg := testConfig(t)
	identity := testIdentity(t)
	orch := New(cfg, &fakeSyncer{}, &noOutputRunner{}, publish.New())

	err := orch.Run(context.Background(), "job-1", identity, "https://github.com/alice/book")
	var pubErr *PublishError
	require.ErrorAs(t, err, &pubErr)

	ws := book.NewWorkspace(cfg.BuildRoot, cfg.PublishRoot, identity)
	assert.False(t, lock.Held(ws.LockPath()))

	st, qerr := status.Query(ws, cfg.PublicBaseURL)
	require.NoError(t, qerr)
	assert.Equal(t, status.StateFailed, st.State)
}

type noOutputRunner struct{}

func (noOutputRunner) Run(_ context.Context, _, _ string, log *buildlog.Writer) (int, error) {
	log.Printf("build produced nothing")
	return 0, nil
}

// Scenario: a second job arrives while the lock is held. It is rejected
// with lock contention and leaves the running build's log untouched.
func TestRun_LockContentionLeavesLogAlone(t *testing.T) {
	cfg := testConfig(t)
	identity := testIdentity(t)
	ws := book.NewWorkspace(cfg.BuildRoot, cfg.PublishRoot, identity)

	m := &lock.Manager{}
	held, err := m.Acquire(ws.LockPath())
	require.NoError(t, err)
	defer func() { _ = held.Release() }()

	w, err := buildlog.Create(ws.LogPath())
	require.NoError(t, err)
	w.Printf("the in-flight build's log")
	require.NoError(t, w.Close())

	orch := New(cfg, &fakeSyncer{}, &fakeRunner{exitCode: 0}, publish.New())
	err = orch.Run(context.Background(), "job-2", identity, "https://github.com/alice/book")
	require.ErrorIs(t, err, lock.ErrAlreadyLocked)

	snap, err := buildlog.Read(ws.LogPath())
	require.NoError(t, err)
	assert.Contains(t, snap.Text, "the in-flight build's log", "contending job must not truncate the log")
	assert.True(t, lock.Held(ws.LockPath()), "contending job must not release the owner's lock")
}

// Two sequential builds: the second truncates the first build's log.
func TestRun_SequentialBuildsTruncateLog(t *testing.T) {
	cfg := testConfig(t)
	identity := testIdentity(t)
	ws := book.NewWorkspace(cfg.BuildRoot, cfg.PublishRoot, identity)

	orch := New(cfg, &fakeSyncer{}, &fakeRunner{exitCode: 2}, publish.New())
	_ = orch.Run(context.Background(), "job-1", identity, "https://github.com/alice/book")

	orch = New(cfg, &fakeSyncer{}, &fakeRunner{exitCode: 0}, publish.New())
	require.NoError(t, orch.Run(context.Background(), "job-2", identity, "https://github.com/alice/book"))

	snap, err := buildlog.Read(ws.LogPath())
	require.NoError(t, err)
	assert.NotContains(t, snap.Text, buildlog.MarkerFailure)
	assert.Contains(t, snap.Text, buildlog.MarkerSuccess)
	assert.Contains(t, snap.Text, "job=job-2")
	assert.NotContains(t, snap.Text, "job=job-1")
}

func TestRun_RecordsHistory(t *testing.T) {
	cfg := testConfig(t)
	identity := testIdentity(t)

	hist, err := history.Open(":memory:")
	require.NoError(t, err)
	defer hist.Close()

	orch := New(cfg, &fakeSyncer{}, &fakeRunner{exitCode: 0}, publish.New(), WithHistory(hist))
	require.NoError(t, orch.Run(context.Background(), "job-1", identity, "https://github.com/alice/book"))

	recs, err := hist.ByJob(context.Background(), "job-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, history.EventStarted, recs[0].EventType)
	assert.Equal(t, history.EventSucceeded, recs[1].EventType)

	last, err := hist.LastOutcome(context.Background(), identity.Key())
	require.NoError(t, err)
	require.NotNil(t, last)
	assert.Equal(t, history.EventSucceeded, last.EventType)
}
