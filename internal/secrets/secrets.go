// Package secrets provides the external secret lookup injected into the
// runner. Secret values are resolved at run time, bound into the child
// process environment, and never logged or persisted.
package secrets

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"

	yaml "go.yaml.in/yaml/v3"
)

// ErrNotFound is returned when a secret reference cannot be resolved.
// Callers treat this as "leave the variable unset", not as a placeholder.
var ErrNotFound = errors.New("secret not found")

// Store is an external key-value secret lookup.
//
// Implementations must be safe for concurrent use. Lookup failures other
// than "missing" should be returned as errors distinct from ErrNotFound.
type Store interface {
	Get(ctx context.Context, key string) (string, error)
}

// RefPrefix marks an env value as a secret reference in task config.
const RefPrefix = "secret:"

// IsRef reports whether a configured env value is a secret reference.
func IsRef(v string) bool { return strings.HasPrefix(v, RefPrefix) }

// RefKey extracts the store key from a secret reference.
func RefKey(v string) string { return strings.TrimSpace(strings.TrimPrefix(v, RefPrefix)) }

// Redacted returns a display-safe form of a secret value.
func Redacted(v string) string {
	if v == "" {
		return ""
	}
	return "***"
}

// ---- Env store ----

// EnvStore resolves secrets from the process environment, optionally under a
// prefix (key "GROQ_API" with prefix "TASKRUN_SECRET_" reads
// TASKRUN_SECRET_GROQ_API). An unset variable is ErrNotFound; an empty
// variable resolves to the empty string.
type EnvStore struct {
	Prefix string
}

func (s EnvStore) Get(ctx context.Context, key string) (string, error) {
	_ = ctx
	key = strings.TrimSpace(key)
	if key == "" {
		return "", fmt.Errorf("secret key required")
	}
	v, ok := os.LookupEnv(s.Prefix + key)
	if !ok {
		return "", fmt.Errorf("%s%s: %w", s.Prefix, key, ErrNotFound)
	}
	return v, nil
}

// ---- File store ----

// FileStore reads a flat YAML map of key: value pairs once at open time.
// The file should be mode 0600; group/world-readable files are rejected.
type FileStore struct {
	values map[string]string
}

func OpenFile(path string) (*FileStore, error) {
	fi, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	if fi.Mode().Perm()&0o077 != 0 {
		return nil, fmt.Errorf("secrets file %s: permissions %04o too open (want 0600)", path, fi.Mode().Perm())
	}

	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var m map[string]string
	if err := yaml.Unmarshal(b, &m); err != nil {
		return nil, fmt.Errorf("secrets file %s: %w", path, err)
	}
	return &FileStore{values: m}, nil
}

func (s *FileStore) Get(ctx context.Context, key string) (string, error) {
	_ = ctx
	v, ok := s.values[strings.TrimSpace(key)]
	if !ok {
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return v, nil
}

// ---- Static store (tests, embedding) ----

// StaticStore is an in-memory store. Useful for tests and one-off runs.
type StaticStore map[string]string

func (s StaticStore) Get(ctx context.Context, key string) (string, error) {
	_ = ctx
	v, ok := s[key]
	if !ok {
		return "", fmt.Errorf("%s: %w", key, ErrNotFound)
	}
	return v, nil
}
