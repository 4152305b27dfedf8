package history

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestAppendAndByJob(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "job-1", "github/alice/book", EventStarted, ""))
	require.NoError(t, s.Append(ctx, "job-1", "github/alice/book", EventFailed, "sync: remote unreachable"))

	recs, err := s.ByJob(ctx, "job-1")
	require.NoError(t, err)
	require.Len(t, recs, 2)
	assert.Equal(t, EventStarted, recs[0].EventType)
	assert.Equal(t, EventFailed, recs[1].EventType)
	assert.Equal(t, "sync: remote unreachable", recs[1].Detail)
}

func TestLastOutcome(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	// Never built.
	rec, err := s.LastOutcome(ctx, "github/alice/book")
	require.NoError(t, err)
	assert.Nil(t, rec)

	require.NoError(t, s.Append(ctx, "job-1", "github/alice/book", EventStarted, ""))
	require.NoError(t, s.Append(ctx, "job-1", "github/alice/book", EventFailed, "exit 2"))
	require.NoError(t, s.Append(ctx, "job-2", "github/alice/book", EventStarted, ""))
	require.NoError(t, s.Append(ctx, "job-2", "github/alice/book", EventSucceeded, ""))

	rec, err = s.LastOutcome(ctx, "github/alice/book")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, EventSucceeded, rec.EventType)
	assert.Equal(t, "job-2", rec.JobID)

	// A started event without a terminal one does not change the outcome.
	require.NoError(t, s.Append(ctx, "job-3", "github/alice/book", EventStarted, ""))
	rec, err = s.LastOutcome(ctx, "github/alice/book")
	require.NoError(t, err)
	assert.Equal(t, "job-2", rec.JobID)
}

func TestPublishedBooks(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.Append(ctx, "j1", "github/alice/book", EventSucceeded, ""))
	require.NoError(t, s.Append(ctx, "j2", "github/bob/book", EventFailed, "exit 1"))
	require.NoError(t, s.Append(ctx, "j3", "github/carol/book", EventSucceeded, ""))
	require.NoError(t, s.Append(ctx, "j4", "github/alice/book", EventSucceeded, ""))

	keys, err := s.PublishedBooks(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"github/alice/book", "github/carol/book"}, keys)
}
