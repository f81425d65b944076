// Package evidence stores the screenshots captured during runs.
package evidence

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strings"

	"github.com/oklog/ulid/v2"
)

// Dir writes evidence files below a root directory, one subdirectory per
// run, and refers to them with file:// URLs.
type Dir struct {
	root string
}

// NewDir creates root if needed and returns a store writing into it.
func NewDir(root string) (*Dir, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve evidence dir: %w", err)
	}
	if err := os.MkdirAll(abs, 0o755); err != nil {
		return nil, fmt.Errorf("create evidence dir: %w", err)
	}
	return &Dir{root: abs}, nil
}

// Root returns the absolute root directory.
func (d *Dir) Root() string { return d.root }

// Save writes a PNG screenshot for run and returns its location.
// File names start with the artifact type and end with a ULID, so a run's
// files list in capture order.
func (d *Dir) Save(ctx context.Context, runID, artifactType string, png []byte) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	if runID == "" || strings.ContainsAny(runID, `/\`) || runID == "." || runID == ".." {
		return "", fmt.Errorf("invalid run id %q", runID)
	}

	dir := filepath.Join(d.root, runID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}

	name := fmt.Sprintf("%s-%s.png", strings.ToLower(ulid.Make().String()), sanitize(artifactType))
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, png, 0o644); err != nil {
		return "", fmt.Errorf("write evidence: %w", err)
	}

	u := url.URL{Scheme: "file", Path: filepath.ToSlash(path)}
	return u.String(), nil
}

// Path maps a URL returned by Save back to a file path under the root.
func (d *Dir) Path(location string) (string, error) {
	u, err := url.Parse(location)
	if err != nil {
		return "", fmt.Errorf("parse evidence url: %w", err)
	}
	if u.Scheme != "file" {
		return "", fmt.Errorf("unsupported evidence url scheme %q", u.Scheme)
	}
	path := filepath.Clean(filepath.FromSlash(u.Path))
	rel, err := filepath.Rel(d.root, path)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("evidence %s is outside %s", location, d.root)
	}
	return path, nil
}

func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
