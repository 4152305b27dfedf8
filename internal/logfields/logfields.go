package logfields

import "log/slog"

// Canonical log field name constants to avoid drift across packages.
const (
	KeyService    = "service"
	KeyBook       = "book"
	KeyJobID      = "job_id"
	KeyJobStatus  = "job_status"
	KeyStage      = "stage"
	KeyPath       = "path"
	KeyURL        = "url"
	KeyDurationMS = "duration_ms"
	KeyExitCode   = "exit_code"
	KeyError      = "error"
)

// Simple helpers returning slog.Attr. Keeping each granular means callers can compose.
func Service(s string) slog.Attr      { return slog.String(KeyService, s) }
func Book(id string) slog.Attr        { return slog.String(KeyBook, id) }
func JobID(id string) slog.Attr       { return slog.String(KeyJobID, id) }
func JobStatus(s string) slog.Attr    { return slog.String(KeyJobStatus, s) }
func Stage(name string) slog.Attr     { return slog.String(KeyStage, name) }
func Path(p string) slog.Attr         { return slog.String(KeyPath, p) }
func URL(u string) slog.Attr          { return slog.String(KeyURL, u) }
func DurationMS(ms float64) slog.Attr { return slog.Float64(KeyDurationMS, ms) }
func ExitCode(c int) slog.Attr        { return slog.Int(KeyExitCode, c) }
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(KeyError, "")
	}
	return slog.String(KeyError, err.Error())
}
