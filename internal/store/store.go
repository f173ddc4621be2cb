package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"
	"unicode"
)

var (
	// ErrExists is returned by Repository.Create when the key is already present.
	ErrExists = errors.New("store: key already exists")
	// ErrInvalidKey is returned for keys that cannot be mapped to a storage name.
	ErrInvalidKey = errors.New("store: invalid key")
)

// Kind tells whether a record may be aliased by other callers of its context.
type Kind string

const (
	KindShared   Kind = "shared"
	KindIsolated Kind = "isolated"
)

// UnmarshalJSON accepts the legacy "named" spelling of isolated records.
func (k *Kind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	switch s {
	case "named":
		*k = KindIsolated
	default:
		*k = Kind(s)
	}
	return nil
}

// ServerRecord describes one running backend.
// It is immutable once the backend was confirmed ready.
type ServerRecord struct {
	ServerURL  string            `json:"server_url"`
	BasePath   string            `json:"base_path"`
	Headers    map[string]string `json:"headers"`
	PID        int               `json:"pid"`
	ParentPID  string            `json:"parent_pid"`
	ID         string            `json:"id"`
	Kind       Kind              `json:"kind"`
	AuthSecret string            `json:"auth_secret"`
	StartedAt  int64             `json:"started_at,omitempty"` // backend create time, unix millis
	CreatedAt  time.Time         `json:"created_at,omitempty"`
}

// URL is the base address callers route requests to.
func (r ServerRecord) URL() string { return r.ServerURL + r.BasePath }

// Redacted returns a copy without the shutdown secret.
func (r ServerRecord) Redacted() ServerRecord {
	r.AuthSecret = ""
	return r
}

// Entry is one listed record together with its key and storage location.
type Entry struct {
	Key      string
	Location string
	Record   ServerRecord
}

// Repository is a durable key -> ServerRecord store shared by unrelated
// processes. Every mutation is a single atomic operation.
type Repository interface {
	// Get returns the record's location and value; a missing key yields ("", nil, nil).
	Get(ctx context.Context, key string) (string, *ServerRecord, error)
	// Set writes rec under key, replacing any previous value atomically.
	Set(ctx context.Context, key string, rec ServerRecord) error
	// Create writes rec only if key is absent, otherwise returns ErrExists.
	Create(ctx context.Context, key string, rec ServerRecord) error
	// Delete removes key; a missing key is not an error.
	Delete(ctx context.Context, key string) error
	// List returns every entry whose key starts with prefix, sorted by key.
	List(ctx context.Context, prefix string) ([]Entry, error)
}

// Registry pairs the two namespaces the orchestrator uses: slot records
// (one per {context}_{identity}) and reference markers (one per {context}_{caller}).
type Registry struct {
	Servers Repository
	Refs    Repository
	Closer  io.Closer
}

func (r Registry) Close() error {
	if r.Closer == nil {
		return nil
	}
	return r.Closer.Close()
}

// Key composes the registry key for a context and an identity.
func Key(parentID, ident string) string { return parentID + "_" + ident }

// ContextPrefix is the key prefix shared by all entries of a context.
func ContextPrefix(parentID string) string { return parentID + "_" }

// SplitKey splits key at its first '_' into context and identity.
func SplitKey(key string) (parentID, ident string, ok bool) {
	parentID, ident, ok = strings.Cut(key, "_")
	if !ok || parentID == "" || ident == "" {
		return "", "", false
	}
	return parentID, ident, true
}

// ValidateContext checks a context id. It must not contain '_' so that
// listing by ContextPrefix never matches another context.
func ValidateContext(parentID string) error {
	if err := validatePart(parentID); err != nil {
		return fmt.Errorf("context %q: %w", parentID, err)
	}
	if strings.Contains(parentID, "_") {
		return fmt.Errorf("context %q: must not contain '_': %w", parentID, ErrInvalidKey)
	}
	return nil
}

// ValidateIdentity checks a caller or slot identity.
func ValidateIdentity(ident string) error {
	if err := validatePart(ident); err != nil {
		return fmt.Errorf("identity %q: %w", ident, err)
	}
	return nil
}

// ValidateKey checks a complete key before it is mapped to storage.
func ValidateKey(key string) error {
	parentID, ident, ok := SplitKey(key)
	if !ok {
		return fmt.Errorf("key %q: %w", key, ErrInvalidKey)
	}
	if err := ValidateContext(parentID); err != nil {
		return err
	}
	return ValidateIdentity(ident)
}

func validatePart(s string) error {
	if s == "" {
		return ErrInvalidKey
	}
	if strings.Contains(s, "..") || strings.ContainsAny(s, `/\:`) || strings.HasPrefix(s, ".") {
		return ErrInvalidKey
	}
	for _, r := range s {
		if r > unicode.MaxASCII || !unicode.IsPrint(r) || unicode.IsSpace(r) {
			return ErrInvalidKey
		}
	}
	return nil
}

// Encode serializes rec in the registry's on-disk format.
func Encode(rec ServerRecord) ([]byte, error) {
	b, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(b, '\n'), nil
}

// Decode parses the registry's on-disk format. Unknown fields are ignored.
func Decode(b []byte) (ServerRecord, error) {
	var rec ServerRecord
	if err := json.Unmarshal(b, &rec); err != nil {
		return ServerRecord{}, err
	}
	return rec, nil
}
