package factory

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/loykin/proxymgr/internal/store"
	fs "github.com/loykin/proxymgr/internal/store/file"
	sq "github.com/loykin/proxymgr/internal/store/sqlite"
)

// Registry backend types.
const (
	TypeFile   = "file"
	TypeSQLite = "sqlite"
)

// Config selects and parameterizes the registry backend.
type Config struct {
	Type       string `mapstructure:"type"`        // "file" (default) or "sqlite"
	SQLitePath string `mapstructure:"sqlite_path"` // defaults to <dir>/registry.db
}

// Builder creates a registry rooted at dir.
type Builder func(ctx context.Context, dir string, cfg Config, log *slog.Logger) (store.Registry, error)

var (
	mu       sync.RWMutex
	builders = map[string]Builder{
		TypeFile:   openFile,
		TypeSQLite: openSQLite,
	}
)

// RegisterType registers an additional registry backend.
func RegisterType(name string, b Builder) {
	mu.Lock()
	defer mu.Unlock()
	builders[name] = b
}

// SupportedTypes returns the registered backend names, sorted.
func SupportedTypes() []string {
	mu.RLock()
	defer mu.RUnlock()
	out := make([]string, 0, len(builders))
	for k := range builders {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Open builds the registry described by cfg, rooted at the data directory dir.
func Open(ctx context.Context, dir string, cfg Config, log *slog.Logger) (store.Registry, error) {
	t := strings.ToLower(strings.TrimSpace(cfg.Type))
	if t == "" {
		t = TypeFile
	}
	mu.RLock()
	b, ok := builders[t]
	mu.RUnlock()
	if !ok {
		return store.Registry{}, fmt.Errorf("unsupported registry type: %s (supported: %v)", cfg.Type, SupportedTypes())
	}
	return b(ctx, dir, cfg, log)
}

func openFile(_ context.Context, dir string, _ Config, log *slog.Logger) (store.Registry, error) {
	servers, err := fs.New(dir, fs.ServerExt, log)
	if err != nil {
		return store.Registry{}, err
	}
	refs, err := fs.New(dir, fs.RefExt, log)
	if err != nil {
		return store.Registry{}, err
	}
	return store.Registry{Servers: servers, Refs: refs}, nil
}

func openSQLite(ctx context.Context, dir string, cfg Config, _ *slog.Logger) (store.Registry, error) {
	path := strings.TrimSpace(strings.TrimPrefix(cfg.SQLitePath, "sqlite://"))
	if path == "" {
		if dir == "" {
			return store.Registry{}, fmt.Errorf("sqlite registry requires a data dir or sqlite_path")
		}
		path = filepath.Join(dir, "registry.db")
	}
	if path != ":memory:" {
		if _, err := fs.New(filepath.Dir(path), fs.ServerExt, nil); err != nil {
			return store.Registry{}, err
		}
	}
	db, err := sq.Open(ctx, path)
	if err != nil {
		return store.Registry{}, err
	}
	return store.Registry{
		Servers: db.Repository("servers"),
		Refs:    db.Repository("refs"),
		Closer:  db,
	}, nil
}
