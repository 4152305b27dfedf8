// Package book defines the identity of a publishable book and the on-disk
// workspace layout derived from it. The layout is the durable contract
// between the build orchestrator and the trigger/status layers: both sides
// derive the same lockfile, log, clone and output paths from the same
// identity and never exchange paths directly.
package book

import (
	"fmt"
	"path/filepath"
	"strings"
)

// Identity names one publishable unit: a source service (e.g. "github")
// plus the book id within that service (e.g. "alice/book"). Immutable;
// used only to derive filesystem locations and public URLs.
type Identity struct {
	Service string
	ID      string
}

// NewIdentity validates and constructs an Identity. Both parts must be
// non-empty, use forward slashes only as segment separators, and must not
// contain path traversal segments, so distinct identities can never collide
// on derived paths.
func NewIdentity(service, id string) (Identity, error) {
	if service == "" || id == "" {
		return Identity{}, fmt.Errorf("book identity requires service and id, got %q/%q", service, id)
	}
	if strings.ContainsAny(service, "/\\") || service == "." || service == ".." {
		return Identity{}, fmt.Errorf("service %q is not a valid path segment", service)
	}
	for _, part := range strings.Split(id, "/") {
		if part == "" || part == "." || part == ".." {
			return Identity{}, fmt.Errorf("book id %q contains invalid path segment", id)
		}
	}
	return Identity{Service: service, ID: id}, nil
}

// Key returns the canonical "<service>/<id>" form used as a map key and in
// log records.
func (i Identity) Key() string { return i.Service + "/" + i.ID }

func (i Identity) String() string { return i.Key() }

// Workspace resolves the four per-book locations from an Identity and the
// two configured roots. Pure; no directory is created until EnsureDirs.
type Workspace struct {
	buildRoot   string
	publishRoot string
	identity    Identity
}

// NewWorkspace derives the workspace for identity under the given roots.
func NewWorkspace(buildRoot, publishRoot string, identity Identity) Workspace {
	return Workspace{buildRoot: buildRoot, publishRoot: publishRoot, identity: identity}
}

// Dir is the private per-book directory holding the lockfile, the build
// log and the working copy.
func (w Workspace) Dir() string {
	return filepath.Join(w.buildRoot, w.identity.Service, filepath.FromSlash(w.identity.ID))
}

// LockPath is the exclusive build lock for this book.
func (w Workspace) LockPath() string { return filepath.Join(w.Dir(), "lockfile") }

// LogPath is the append-only build log, truncated at the start of each build.
func (w Workspace) LogPath() string { return filepath.Join(w.Dir(), "build.log") }

// ClonePath is the working copy synchronized from the remote source.
func (w Workspace) ClonePath() string { return filepath.Join(w.Dir(), "clone") }

// BuildOutputPath is where the containerized build leaves its rendered tree.
func (w Workspace) BuildOutputPath() string { return filepath.Join(w.ClonePath(), "build") }

// PublishPath is the public location the rendered tree is copied to.
func (w Workspace) PublishPath() string {
	return filepath.Join(w.publishRoot, w.identity.Service, filepath.FromSlash(w.identity.ID))
}

// PublicURL joins the configured public base URL with the book key.
func (w Workspace) PublicURL(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/" + w.identity.Key() + "/"
}

// Identity returns the identity this workspace was derived from.
func (w Workspace) Identity() Identity { return w.identity }
