package source

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

const (
	githubCloneBase = "https://github.com/"
	githubAPIBase   = "https://api.github.com"
)

// GithubProvider serves books hosted on GitHub. Book ids are "owner/repo".
type GithubProvider struct {
	apiBase string
	client  *http.Client
}

// NewGithubProvider constructs the provider. apiBase overrides the GitHub
// API endpoint; empty uses the public API.
func NewGithubProvider(apiBase string) *GithubProvider {
	if apiBase == "" {
		apiBase = githubAPIBase
	}
	return &GithubProvider{
		apiBase: apiBase,
		client:  &http.Client{Timeout: 15 * time.Second},
	}
}

func (p *GithubProvider) Name() string { return "github" }

func (p *GithubProvider) RepoURL(bookID string) string { return githubCloneBase + bookID }

// Stat queries the repos API for existence and size (the API reports size
// in kilobytes).
func (p *GithubProvider) Stat(ctx context.Context, bookID string) (RepoInfo, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, p.apiBase+"/repos/"+bookID, nil)
	if err != nil {
		return RepoInfo{}, fmt.Errorf("build repo request: %w", err)
	}
	req.Header.Set("Accept", "application/vnd.github+json")

	resp, err := p.client.Do(req)
	if err != nil {
		return RepoInfo{}, fmt.Errorf("query github api: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return RepoInfo{Exists: false}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return RepoInfo{}, fmt.Errorf("github api returned %s for %s", resp.Status, bookID)
	}

	var body struct {
		Size int `json:"size"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return RepoInfo{}, fmt.Errorf("decode github api response: %w", err)
	}
	return RepoInfo{Exists: true, SizeKB: body.Size}, nil
}
