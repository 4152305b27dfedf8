// Package status derives a book's build status from the on-disk artifacts
// alone: the lock file's existence, the build log's contents, and the log's
// modification time. Evaluation is pure and lock-free; readers never block
// an in-flight build.
package status

import (
	"time"

	"git.home.luguber.info/inful/bookpub/internal/book"
	"git.home.luguber.info/inful/bookpub/internal/buildlog"
	"git.home.luguber.info/inful/bookpub/internal/lock"
)

// State is the reportable build state of a book.
type State string

const (
	StateInProgress State = "in-progress"
	StateComplete   State = "complete"
	StateFailed     State = "failed"
	StateUnknown    State = "unknown"
)

// BuildStatus is the full status record returned to callers. Log and
// Timestamp are zero when no log exists; URL is set only for complete
// builds.
type BuildStatus struct {
	State     State     `json:"status"`
	Log       string    `json:"log,omitempty"`
	Timestamp time.Time `json:"timestamp,omitzero"`
	URL       string    `json:"url,omitempty"`
}

// Evaluate computes the status from its three inputs. Lock presence wins
// over everything: while any lock exists the build is in progress, whatever
// the log says (the log may still belong to the previous build). Without a
// lock the log's terminal marker decides; a log with no marker means the
// build process died before finishing.
func Evaluate(lockHeld bool, log buildlog.Snapshot, publicURL string) BuildStatus {
	st := BuildStatus{}
	if log.Exists {
		st.Log = log.Text
		st.Timestamp = log.ModTime
	}

	if lockHeld {
		st.State = StateInProgress
		return st
	}
	if !log.Exists {
		st.State = StateUnknown
		return st
	}

	switch buildlog.Scan(log.Text) {
	case buildlog.OutcomeSuccess:
		st.State = StateComplete
		st.URL = publicURL
	case buildlog.OutcomeFailure:
		st.State = StateFailed
	default:
		st.State = StateUnknown
	}
	return st
}

// Query reads the current artifacts for a workspace and evaluates them.
func Query(ws book.Workspace, publicBaseURL string) (BuildStatus, error) {
	snap, err := buildlog.Read(ws.LogPath())
	if err != nil {
		return BuildStatus{}, err
	}
	return Evaluate(lock.Held(ws.LockPath()), snap, ws.PublicURL(publicBaseURL)), nil
}
