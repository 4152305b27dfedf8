// Package publish copies a build's rendered output tree into the public
// publish location, replacing whatever the previous build left there.
package publish

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// Publisher copies rendered output into place.
type Publisher struct{}

// New returns a Publisher.
func New() *Publisher { return &Publisher{} }

// Publish recursively copies the tree at outputPath to publishPath,
// overwriting existing files. A missing output directory is an error: a
// build that produced nothing must be reported as failed, not published
// empty.
func (p *Publisher) Publish(outputPath, publishPath string) error {
	fi, err := os.Stat(outputPath)
	if err != nil {
		return fmt.Errorf("build output missing at %s: %w", outputPath, err)
	}
	if !fi.IsDir() {
		return fmt.Errorf("build output %s is not a directory", outputPath)
	}
	if err := os.MkdirAll(publishPath, 0o755); err != nil {
		return fmt.Errorf("create publish directory: %w", err)
	}
	if err := copyTree(outputPath, publishPath); err != nil {
		return fmt.Errorf("copy output tree: %w", err)
	}
	return nil
}

func copyTree(src, dst string) error {
	return filepath.Walk(src, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		target := filepath.Join(dst, rel)
		if info.IsDir() {
			return os.MkdirAll(target, 0o755)
		}
		return copyFile(path, target, info.Mode())
	})
}

func copyFile(src, dst string, mode os.FileMode) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode.Perm())
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}
