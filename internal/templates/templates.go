// Package templates loads HTML email bodies by name.
package templates

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"strings"

	"github.com/Mutter0815/campaign-dispatch/internal/campaign"
)

// Store reads templates from the root of an fs.FS.
type Store struct {
	fsys fs.FS
}

func New(fsys fs.FS) *Store { return &Store{fsys: fsys} }

// Get returns the raw template body. Names are plain file names; anything
// that could walk outside the root is reported as not found.
func (s *Store) Get(_ context.Context, name string) (string, error) {
	if name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." || !fs.ValidPath(name) {
		return "", fmt.Errorf("%w: invalid name %q", campaign.ErrTemplateNotFound, name)
	}
	b, err := fs.ReadFile(s.fsys, name)
	if errors.Is(err, fs.ErrNotExist) {
		return "", fmt.Errorf("%w: %s", campaign.ErrTemplateNotFound, name)
	}
	if err != nil {
		return "", fmt.Errorf("%w: read %s: %v", campaign.ErrTemplateNotFound, name, err)
	}
	return string(b), nil
}
