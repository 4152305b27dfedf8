package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"git.home.luguber.info/inful/bookpub/internal/book"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// blockingRunner holds jobs until released so tests can observe in-flight
// state deterministically.
type blockingRunner struct {
	started chan string
	release chan struct{}

	mu  sync.Mutex
	ran []string
}

func newBlockingRunner() *blockingRunner {
	return &blockingRunner{
		started: make(chan string, 16),
		release: make(chan struct{}),
	}
}

func (r *blockingRunner) Run(_ context.Context, jobID string, identity book.Identity, _ string) error {
	r.started <- identity.Key()
	<-r.release
	r.mu.Lock()
	r.ran = append(r.ran, jobID)
	r.mu.Unlock()
	return nil
}

func identity(t *testing.T, id string) book.Identity {
	t.Helper()
	ident, err := book.NewIdentity("github", id)
	require.NoError(t, err)
	return ident
}

func TestSubmit_SingleFlightPerBook(t *testing.T) {
	runner := newBlockingRunner()
	q := New(runner, 2, nil)
	q.Start(context.Background())
	defer func() {
		close(runner.release)
		q.Stop()
	}()

	ident := identity(t, "alice/book")
	job, err := q.Submit(ident, "https://github.com/alice/book")
	require.NoError(t, err)
	assert.NotEmpty(t, job.ID)

	// Wait until the worker picked the job up.
	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}

	_, err = q.Submit(ident, "https://github.com/alice/book")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.True(t, q.InFlight(ident))

	// A different book is independent.
	_, err = q.Submit(identity(t, "bob/book"), "https://github.com/bob/book")
	assert.NoError(t, err)
}

func TestSubmit_AllowedAgainAfterCompletion(t *testing.T) {
	runner := newBlockingRunner()
	q := New(runner, 1, nil)
	q.Start(context.Background())

	ident := identity(t, "alice/book")
	_, err := q.Submit(ident, "https://github.com/alice/book")
	require.NoError(t, err)

	select {
	case <-runner.started:
	case <-time.After(5 * time.Second):
		t.Fatal("job never started")
	}
	close(runner.release)
	q.Stop()

	assert.False(t, q.InFlight(ident))
	runner.mu.Lock()
	assert.Len(t, runner.ran, 1)
	runner.mu.Unlock()
}

func TestSubmit_RejectedAfterStop(t *testing.T) {
	runner := newBlockingRunner()
	close(runner.release)
	q := New(runner, 1, nil)
	q.Start(context.Background())
	q.Stop()

	_, err := q.Submit(identity(t, "alice/book"), "https://github.com/alice/book")
	assert.Error(t, err)
}

func TestParallelBuildsForDistinctBooks(t *testing.T) {
	runner := newBlockingRunner()
	q := New(runner, 4, nil)
	q.Start(context.Background())

	books := []string{"a/one", "b/two", "c/three", "d/four"}
	for _, id := range books {
		_, err := q.Submit(identity(t, id), "https://github.com/"+id)
		require.NoError(t, err)
	}

	// All four run concurrently, each holding its own single-flight slot.
	for range books {
		select {
		case <-runner.started:
		case <-time.After(5 * time.Second):
			t.Fatal("not all jobs started in parallel")
		}
	}
	close(runner.release)
	q.Stop()
}
