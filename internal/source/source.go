// Package source abstracts the remote services books are fetched from. A
// provider resolves a book id to a cloneable URL and answers the
// existence/size questions the trigger layer validates with before
// enqueuing a build. The orchestrator itself only ever sees the resolved
// URL, so new providers slot in without touching it.
package source

import (
	"context"
	"fmt"
)

// RepoInfo is a provider's answer about one remote repository.
type RepoInfo struct {
	Exists bool
	SizeKB int
}

// Provider is the capability set of one source service.
type Provider interface {
	// Name is the service segment of a book identity, e.g. "github".
	Name() string
	// RepoURL resolves a book id to the URL the working copy syncs from.
	RepoURL(bookID string) string
	// Stat reports existence and size of the remote repository.
	Stat(ctx context.Context, bookID string) (RepoInfo, error)
}

// Registry holds the configured providers keyed by service name.
type Registry struct {
	providers map[string]Provider
}

// NewRegistry builds a registry from the given providers.
func NewRegistry(providers ...Provider) *Registry {
	r := &Registry{providers: make(map[string]Provider, len(providers))}
	for _, p := range providers {
		r.providers[p.Name()] = p
	}
	return r
}

// Lookup returns the provider for a service name.
func (r *Registry) Lookup(service string) (Provider, error) {
	p, ok := r.providers[service]
	if !ok {
		return nil, fmt.Errorf("unknown source service %q", service)
	}
	return p, nil
}
