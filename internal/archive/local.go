package archive

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
)

// DirArchive keeps batches as files in one directory. Writes go to a
// hidden temporary file first and are renamed into place, so List never
// returns a partial batch.
type DirArchive struct {
	dir string
}

// NewDirArchive creates dir if needed.
func NewDirArchive(dir string) (*DirArchive, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}
	return &DirArchive{dir: dir}, nil
}

// Dir returns the archive directory.
func (a *DirArchive) Dir() string { return a.dir }

func (a *DirArchive) path(id string) (string, error) {
	if id == "" || strings.HasPrefix(id, ".") || strings.ContainsAny(id, `/\`) {
		return "", fmt.Errorf("invalid archive id %q", id)
	}
	return filepath.Join(a.dir, id), nil
}

// Add stores data under id and returns the file path.
func (a *DirArchive) Add(_ context.Context, id string, data []byte) (string, error) {
	path, err := a.path(id)
	if err != nil {
		return "", err
	}
	tmp, err := os.CreateTemp(a.dir, ".tmp-"+id+"-*")
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", id, err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return "", fmt.Errorf("archive %s: %w", id, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("archive %s: %w", id, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return "", fmt.Errorf("archive %s: %w", id, err)
	}
	return path, nil
}

// Read returns the batch stored under id.
func (a *DirArchive) Read(_ context.Context, id string) ([]byte, error) {
	path, err := a.path(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return data, err
}

// Remove deletes the batch. Removing a missing batch is not an error.
func (a *DirArchive) Remove(_ context.Context, id string) error {
	path, err := a.path(id)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove %s: %w", id, err)
	}
	return nil
}

// List returns the ids of every stored batch in sorted order.
func (a *DirArchive) List(context.Context) ([]string, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("list archive: %w", err)
	}
	ids := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || strings.HasPrefix(e.Name(), ".") {
			continue
		}
		ids = append(ids, e.Name())
	}
	slices.Sort(ids)
	return ids, nil
}
