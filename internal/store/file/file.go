// Package file implements store.Repository as one JSON file per key inside a
// shared data directory. Writes go to a temp file that is renamed (Set) or
// hard-linked (Create) into place, so readers in other processes never see a
// partially written record.
package file

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/loykin/proxymgr/internal/store"
)

// File extensions for the two registry namespaces.
const (
	ServerExt = ".server"
	RefExt    = ".info"
	tmpPrefix = ".tmp-"
)

// Repository stores records as <dir>/<key><ext>.
type Repository struct {
	dir string
	ext string
	log *slog.Logger
}

var _ store.Repository = (*Repository)(nil)

// New returns a repository rooted at dir, creating it on first use.
func New(dir, ext string, log *slog.Logger) (*Repository, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, errors.New("empty registry directory")
	}
	if !strings.HasPrefix(ext, ".") {
		return nil, fmt.Errorf("invalid extension %q", ext)
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("create registry dir: %w", err)
	}
	if log == nil {
		log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Repository{dir: dir, ext: ext, log: log}, nil
}

// Dir returns the directory backing the repository.
func (r *Repository) Dir() string { return r.dir }

func (r *Repository) path(key string) (string, error) {
	if err := store.ValidateKey(key); err != nil {
		return "", err
	}
	return filepath.Join(r.dir, key+r.ext), nil
}

func (r *Repository) Get(_ context.Context, key string) (string, *store.ServerRecord, error) {
	p, err := r.path(key)
	if err != nil {
		return "", nil, err
	}
	b, err := os.ReadFile(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", nil, nil
		}
		return "", nil, fmt.Errorf("read %s: %w", p, err)
	}
	rec, err := store.Decode(b)
	if err != nil {
		return "", nil, fmt.Errorf("decode %s: %w", p, err)
	}
	return p, &rec, nil
}

func (r *Repository) Set(_ context.Context, key string, rec store.ServerRecord) error {
	p, err := r.path(key)
	if err != nil {
		return err
	}
	tmp, err := r.writeTemp(rec)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, p); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("replace %s: %w", p, err)
	}
	return nil
}

func (r *Repository) Create(_ context.Context, key string, rec store.ServerRecord) error {
	p, err := r.path(key)
	if err != nil {
		return err
	}
	tmp, err := r.writeTemp(rec)
	if err != nil {
		return err
	}
	defer func() { _ = os.Remove(tmp) }()

	// link(2) fails with EEXIST when the target exists: an atomic create-if-absent
	// that publishes the complete file in one step.
	err = os.Link(tmp, p)
	if err == nil {
		return nil
	}
	if errors.Is(err, fs.ErrExist) {
		return store.ErrExists
	}
	r.log.Debug("hard link unavailable, falling back to exclusive open", "path", p, "error", err)
	return r.createExclusive(p, rec)
}

// createExclusive is used on filesystems without hard links. The file is
// reserved with O_EXCL and written in place, so a concurrent reader may
// briefly see it empty; List and Get treat that as unreadable.
func (r *Repository) createExclusive(p string, rec store.ServerRecord) error {
	b, err := store.Encode(rec)
	if err != nil {
		return err
	}
	f, err := os.OpenFile(p, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o600)
	if err != nil {
		if errors.Is(err, fs.ErrExist) {
			return store.ErrExists
		}
		return fmt.Errorf("create %s: %w", p, err)
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(p)
		return fmt.Errorf("write %s: %w", p, err)
	}
	return f.Close()
}

func (r *Repository) Delete(_ context.Context, key string) error {
	p, err := r.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(p); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("delete %s: %w", p, err)
	}
	return nil
}

func (r *Repository) List(_ context.Context, prefix string) ([]store.Entry, error) {
	des, err := os.ReadDir(r.dir)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("list %s: %w", r.dir, err)
	}
	out := make([]store.Entry, 0, len(des))
	for _, de := range des {
		name := de.Name()
		if de.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, r.ext) {
			continue
		}
		key := strings.TrimSuffix(name, r.ext)
		if !strings.HasPrefix(key, prefix) || store.ValidateKey(key) != nil {
			continue
		}
		p := filepath.Join(r.dir, name)
		b, err := os.ReadFile(p)
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue // removed after the directory was read
			}
			return nil, fmt.Errorf("read %s: %w", p, err)
		}
		rec, err := store.Decode(b)
		if err != nil {
			r.log.Warn("skipping unreadable registry file", "path", p, "error", err)
			continue
		}
		out = append(out, store.Entry{Key: key, Location: p, Record: rec})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}

func (r *Repository) writeTemp(rec store.ServerRecord) (string, error) {
	b, err := store.Encode(rec)
	if err != nil {
		return "", fmt.Errorf("encode record: %w", err)
	}
	f, err := os.CreateTemp(r.dir, tmpPrefix+"*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	name := f.Name()
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("write temp file: %w", err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		_ = os.Remove(name)
		return "", fmt.Errorf("sync temp file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(name)
		return "", fmt.Errorf("close temp file: %w", err)
	}
	return name, nil
}
