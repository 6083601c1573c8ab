// Package fs implements the archive store on a local directory tree. Each
// object lives at root/<key>; writes go through a temp file and rename so a
// crash never leaves a half-written archive entry. Optional metadata rides
// in a sidecar file next to the object.
package fs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"ixstudy/internal/blob/core"
)

const (
	defaultRoot = "./archive"
	metaSuffix  = ".meta.json"
)

// Store is a filesystem-backed archive.
type Store struct {
	root string
}

var _ core.Store = (*Store)(nil)

// New creates (if needed) the root directory and returns a store over it.
func New(root string) (*Store, error) {
	if root == "" {
		root = defaultRoot
	}
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, fmt.Errorf("resolve archive root: %w", err)
	}
	if err := os.MkdirAll(abs, 0o750); err != nil {
		return nil, fmt.Errorf("create archive root: %w", err)
	}
	return &Store{root: abs}, nil
}

// Root returns the resolved archive root directory.
func (s *Store) Root() string { return s.root }

// Driver identifies the backend.
func (s *Store) Driver() core.Driver { return core.DriverFilesystem }

func (s *Store) path(key string) (string, error) {
	if err := core.ValidateKey(key); err != nil {
		return "", err
	}
	if strings.HasSuffix(key, metaSuffix) {
		return "", fmt.Errorf("archive: key %q collides with metadata suffix", key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

type sidecar struct {
	ContentType string            `json:"content_type,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Put writes the object atomically, replacing any previous content.
func (s *Store) Put(ctx context.Context, key string, r io.Reader, opts core.PutOptions) (core.Info, error) {
	path, err := s.path(key)
	if err != nil {
		return core.Info{}, err
	}
	if err := ctx.Err(); err != nil {
		return core.Info{}, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return core.Info{}, fmt.Errorf("create archive dirs: %w", err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".put-*")
	if err != nil {
		return core.Info{}, fmt.Errorf("create temp file: %w", err)
	}
	_, err = io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(tmp.Name())
		return core.Info{}, fmt.Errorf("write archive object: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		_ = os.Remove(tmp.Name())
		return core.Info{}, fmt.Errorf("publish archive object: %w", err)
	}
	if err := s.writeSidecar(path, opts); err != nil {
		return core.Info{}, err
	}
	return s.stat(key, path)
}

func (s *Store) writeSidecar(path string, opts core.PutOptions) error {
	if opts.ContentType == "" && len(opts.Metadata) == 0 {
		_ = os.Remove(path + metaSuffix)
		return nil
	}
	data, err := json.Marshal(sidecar{ContentType: opts.ContentType, Metadata: opts.Metadata})
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}
	if err := os.WriteFile(path+metaSuffix, data, 0o640); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

func (s *Store) stat(key, path string) (core.Info, error) {
	fi, err := os.Stat(path)
	if errors.Is(err, os.ErrNotExist) {
		return core.Info{}, core.ErrNotFound
	}
	if err != nil {
		return core.Info{}, fmt.Errorf("stat archive object: %w", err)
	}
	info := core.Info{Key: key, Size: fi.Size(), LastModified: fi.ModTime().UTC()}
	if data, err := os.ReadFile(path + metaSuffix); err == nil {
		var sc sidecar
		if err := json.Unmarshal(data, &sc); err == nil {
			info.ContentType = sc.ContentType
			info.Metadata = sc.Metadata
		}
	}
	return info, nil
}

// Get opens the object for reading.
func (s *Store) Get(ctx context.Context, key string) (core.Info, io.ReadCloser, error) {
	path, err := s.path(key)
	if err != nil {
		return core.Info{}, nil, err
	}
	if err := ctx.Err(); err != nil {
		return core.Info{}, nil, err
	}
	info, err := s.stat(key, path)
	if err != nil {
		return core.Info{}, nil, err
	}
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return core.Info{}, nil, core.ErrNotFound
	}
	if err != nil {
		return core.Info{}, nil, fmt.Errorf("open archive object: %w", err)
	}
	return info, f, nil
}

// Head returns object metadata without opening it.
func (s *Store) Head(ctx context.Context, key string) (core.Info, error) {
	path, err := s.path(key)
	if err != nil {
		return core.Info{}, err
	}
	if err := ctx.Err(); err != nil {
		return core.Info{}, err
	}
	return s.stat(key, path)
}

// Delete removes the object and its sidecar, pruning emptied directories up
// to the root.
func (s *Store) Delete(ctx context.Context, key string) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err = os.Remove(path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("delete archive object: %w", err)
	}
	_ = os.Remove(path + metaSuffix)
	for dir := filepath.Dir(path); dir != s.root; dir = filepath.Dir(dir) {
		if os.Remove(dir) != nil {
			break
		}
	}
	return true, nil
}

// List walks the tree and returns every object whose key starts with the
// prefix, sorted by key.
func (s *Store) List(ctx context.Context, prefix string) ([]core.Info, error) {
	var out []core.Info
	err := filepath.WalkDir(s.root, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		if d.IsDir() || strings.HasSuffix(path, metaSuffix) {
			return nil
		}
		rel, rerr := filepath.Rel(s.root, path)
		if rerr != nil {
			return rerr
		}
		key := filepath.ToSlash(rel)
		if !strings.HasPrefix(key, prefix) {
			return nil
		}
		info, serr := s.stat(key, path)
		if serr != nil {
			return serr
		}
		out = append(out, info)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list archive objects: %w", err)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
