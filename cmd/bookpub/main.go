package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"git.home.luguber.info/inful/bookpub/internal/book"
	"git.home.luguber.info/inful/bookpub/internal/config"
	"git.home.luguber.info/inful/bookpub/internal/container"
	"git.home.luguber.info/inful/bookpub/internal/daemon"
	"git.home.luguber.info/inful/bookpub/internal/logfields"
	"git.home.luguber.info/inful/bookpub/internal/orchestrator"
	"git.home.luguber.info/inful/bookpub/internal/publish"
	"git.home.luguber.info/inful/bookpub/internal/reposync"
	"git.home.luguber.info/inful/bookpub/internal/source"
	"git.home.luguber.info/inful/bookpub/internal/status"
	"github.com/alecthomas/kong"
	"github.com/google/uuid"
)

var CLI struct {
	Config  string `short:"c" help:"Configuration file path" default:"config.yaml"`
	Verbose bool   `short:"v" help:"Enable verbose logging"`

	Serve struct {
	} `cmd:"" help:"Run the bookpub daemon (HTTP API, build workers, scheduler)"`

	Build struct {
		Service string `arg:"" help:"Source service, e.g. github"`
		Book    string `arg:"" help:"Book id within the service, e.g. alice/book"`
	} `cmd:"" help:"Build and publish a single book, then exit"`

	Status struct {
		Service string `arg:"" help:"Source service, e.g. github"`
		Book    string `arg:"" help:"Book id within the service, e.g. alice/book"`
	} `cmd:"" help:"Print the current build status of a book as JSON"`
}

func main() {
	ctx := kong.Parse(&CLI)

	logLevel := slog.LevelInfo
	if CLI.Verbose {
		logLevel = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: logLevel}))
	slog.SetDefault(logger)

	cfg, err := config.Load(CLI.Config)
	if err != nil {
		slog.Error("Failed to load configuration", logfields.Error(err))
		os.Exit(1)
	}

	switch ctx.Command() {
	case "serve":
		if err := runServe(cfg); err != nil {
			slog.Error("Daemon failed", logfields.Error(err))
			os.Exit(1)
		}
	case "build <service> <book>":
		if err := runBuild(cfg, CLI.Build.Service, CLI.Build.Book); err != nil {
			slog.Error("Build failed", logfields.Error(err))
			os.Exit(1)
		}
	case "status <service> <book>":
		if err := runStatus(cfg, CLI.Status.Service, CLI.Status.Book); err != nil {
			slog.Error("Status query failed", logfields.Error(err))
			os.Exit(1)
		}
	}
}

func runServe(cfg *config.Config) error {
	d, err := daemon.New(cfg, CLI.Config)
	if err != nil {
		return err
	}
	return d.Run(context.Background())
}

func runBuild(cfg *config.Config, service, bookID string) error {
	identity, err := book.NewIdentity(service, bookID)
	if err != nil {
		return err
	}
	providers := source.NewRegistry(source.NewGithubProvider(cfg.Source.GithubAPIURL))
	provider, err := providers.Lookup(identity.Service)
	if err != nil {
		return err
	}
	orch := orchestrator.New(cfg, reposync.New(), container.New(cfg.Container), publish.New())
	return orch.Run(context.Background(), uuid.NewString(), identity, provider.RepoURL(identity.ID))
}

func runStatus(cfg *config.Config, service, bookID string) error {
	identity, err := book.NewIdentity(service, bookID)
	if err != nil {
		return err
	}
	ws := book.NewWorkspace(cfg.BuildRoot, cfg.PublishRoot, identity)
	st, err := status.Query(ws, cfg.PublicBaseURL)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(st); err != nil {
		return fmt.Errorf("encode status: %w", err)
	}
	return nil
}
