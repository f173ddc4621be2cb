package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Default rotation constants
const (
	DefaultMaxSizeMB  = 10 // MB
	DefaultMaxBackups = 3  // number of backup files
	DefaultMaxAgeDays = 7  // days
)

// Config describes rotated log destinations for a backend process.
// If StdoutPath/StderrPath are empty and Dir is set, files will be
// Dir/<name>.stdout.log and Dir/<name>.stderr.log.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string `json:"dir" mapstructure:"dir"`
	StdoutPath string `json:"stdout" mapstructure:"stdout"`
	StderrPath string `json:"stderr" mapstructure:"stderr"`
	MaxSizeMB  int    `json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `json:"compress" mapstructure:"compress"`
}

// Enabled reports whether any file destination is configured.
func (c Config) Enabled() bool {
	return c.Dir != "" || c.StdoutPath != "" || c.StderrPath != ""
}

// Writers opens the stdout and stderr files for the given backend name. A nil
// file means that stream has no destination.
//
// The files are handed to the child as plain descriptors so output keeps
// flowing after this process exits. Rotation therefore happens only here, at
// open time: a file already past MaxSizeMB is rotated before it is reopened.
func (c Config) Writers(name string) (*os.File, *os.File, error) {
	stdout := c.StdoutPath
	stderr := c.StderrPath
	if stdout == "" && c.Dir != "" {
		stdout = filepath.Join(c.Dir, fmt.Sprintf("%s.stdout.log", name))
	}
	if stderr == "" && c.Dir != "" {
		stderr = filepath.Join(c.Dir, fmt.Sprintf("%s.stderr.log", name))
	}
	if c.Dir != "" {
		if err := os.MkdirAll(c.Dir, 0o750); err != nil {
			return nil, nil, err
		}
	}
	var outW, errW *os.File
	var err error
	if stdout != "" {
		if outW, err = c.open(stdout); err != nil {
			return nil, nil, err
		}
	}
	if stderr != "" {
		if errW, err = c.open(stderr); err != nil {
			if outW != nil {
				_ = outW.Close()
			}
			return nil, nil, err
		}
	}
	return outW, errW, nil
}

func (c Config) open(path string) (*os.File, error) {
	if st, err := os.Stat(path); err == nil && st.Size() >= int64(valOr(c.MaxSizeMB, DefaultMaxSizeMB))*1024*1024 {
		l := c.rotated(path)
		if err := l.Rotate(); err != nil {
			return nil, fmt.Errorf("rotate %s: %w", path, err)
		}
		_ = l.Close()
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, err
		}
	}
	return os.OpenFile(filepath.Clean(path), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
}

func (c Config) rotated(path string) *lj.Logger {
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

// Options configures the manager's own structured logger.
type Options struct {
	Level   string `mapstructure:"level"`   // debug, info, warn, error
	Console bool   `mapstructure:"console"` // colored text to stderr
	File    string `mapstructure:"file"`    // rotated log file; empty disables
	Format  string `mapstructure:"format"`  // text or json (file output)
	Rotate  Config `mapstructure:"rotate"`  // rotation parameters for File
}

// New builds a *slog.Logger from opts. The returned closer releases the log
// file, if any, and is never nil.
func New(opts Options) (*slog.Logger, io.Closer) {
	hopts := &slog.HandlerOptions{Level: ParseLevel(opts.Level)}
	var handlers []slog.Handler
	var closer io.Closer = nopCloser{}
	if opts.File != "" {
		_ = os.MkdirAll(filepath.Dir(opts.File), 0o750)
		w := opts.Rotate.rotated(opts.File)
		closer = w
		if strings.EqualFold(opts.Format, "json") {
			handlers = append(handlers, slog.NewJSONHandler(w, hopts))
		} else {
			handlers = append(handlers, slog.NewTextHandler(w, hopts))
		}
	}
	if opts.Console {
		handlers = append(handlers, NewColorTextHandler(os.Stderr, hopts, true))
	}
	switch len(handlers) {
	case 0:
		return slog.New(slog.NewTextHandler(io.Discard, hopts)), closer
	case 1:
		return slog.New(handlers[0]), closer
	default:
		return slog.New(fanout(handlers)), closer
	}
}

// ParseLevel maps a level name to slog.Level, defaulting to info.
func ParseLevel(s string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// Nop returns a logger that discards everything; handy for tests and defaults.
func Nop() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}
