// Package container runs the isolated book build. One container per build,
// network disabled, the working copy bind-mounted, stdout and stderr handed
// the build log's file descriptor so output streams to disk without passing
// through this process.
package container

import (
	"context"
	"errors"
	"fmt"
	"os/exec"

	"git.home.luguber.info/inful/bookpub/internal/buildlog"
	"git.home.luguber.info/inful/bookpub/internal/config"
)

// Runner executes the containerized build.
type Runner struct {
	cfg config.ContainerConfig
}

// New returns a Runner for the given container configuration.
func New(cfg config.ContainerConfig) *Runner { return &Runner{cfg: cfg} }

// Run launches the build container against the working copy at clonePath
// and waits for it. Returns the container's exit code; a non-zero code is
// reported as (code, nil) so the caller can distinguish a failed build from
// a failure to run the build at all.
func (r *Runner) Run(ctx context.Context, clonePath, baseURL string, log *buildlog.Writer) (int, error) {
	args := []string{
		"run", "--rm", "--init",
		"--net", "none",
		"-v", clonePath + ":" + r.cfg.MountPoint,
		r.cfg.Image,
		"build",
		"--base-url", baseURL,
	}
	if r.cfg.Footer != "" {
		args = append(args, "--footer", r.cfg.Footer)
	}

	log.Command(r.cfg.Runtime, args...)

	cmd := exec.CommandContext(ctx, r.cfg.Runtime, args...)
	cmd.Dir = clonePath
	cmd.Stdout = log.File()
	cmd.Stderr = log.File()

	err := cmd.Run()
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), nil
	}
	return -1, fmt.Errorf("run build container: %w", err)
}
