package secrets

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestEnvStore(t *testing.T) {
	t.Setenv("TASKRUN_TEST_GROQ_API", "gsk-abc")
	t.Setenv("TASKRUN_TEST_EMPTY", "")

	s := EnvStore{Prefix: "TASKRUN_TEST_"}
	ctx := context.Background()

	v, err := s.Get(ctx, "GROQ_API")
	if err != nil || v != "gsk-abc" {
		t.Fatalf("Get = %q, %v", v, err)
	}

	// Set-but-empty resolves to empty string, not ErrNotFound.
	if v, err := s.Get(ctx, "EMPTY"); err != nil || v != "" {
		t.Fatalf("Get(EMPTY) = %q, %v", v, err)
	}

	if _, err := s.Get(ctx, "ABSENT"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Get(ABSENT) err = %v, want ErrNotFound", err)
	}
}

func TestFileStore(t *testing.T) {
	t.Parallel()
	dir := t.TempDir()
	path := filepath.Join(dir, "secrets.yaml")
	if err := os.WriteFile(path, []byte("POCKET_CONSUMER_KEY: pk-123\n"), 0o600); err != nil {
		t.Fatal(err)
	}

	s, err := OpenFile(path)
	if err != nil {
		t.Fatalf("OpenFile: %v", err)
	}
	v, err := s.Get(context.Background(), "POCKET_CONSUMER_KEY")
	if err != nil || v != "pk-123" {
		t.Fatalf("Get = %q, %v", v, err)
	}
	if _, err := s.Get(context.Background(), "NOPE"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestFileStoreRejectsOpenPerms(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "secrets.yaml")
	if err := os.WriteFile(path, []byte("K: v\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	if _, err := OpenFile(path); err == nil {
		t.Fatal("expected error for group/world-readable secrets file")
	}
}

func TestResolveBindings(t *testing.T) {
	t.Parallel()
	store := StaticStore{"GROQ_API": "gsk-abc"}
	env := map[string]string{
		"GROQ_API":            "secret:GROQ_API",
		"POCKET_CONSUMER_KEY": "secret:POCKET_CONSUMER_KEY", // absent from store
		"MODE":                "nightly",
	}

	res, err := ResolveBindings(context.Background(), store, env)
	if err != nil {
		t.Fatalf("ResolveBindings: %v", err)
	}

	// Sorted by name, missing binding absent entirely.
	want := []string{"GROQ_API=gsk-abc", "MODE=nightly"}
	if len(res.Env) != len(want) {
		t.Fatalf("Env = %v, want %v", res.Env, want)
	}
	for i := range want {
		if res.Env[i] != want[i] {
			t.Fatalf("Env[%d] = %q, want %q", i, res.Env[i], want[i])
		}
	}
	if len(res.Missing) != 1 || res.Missing[0] != "POCKET_CONSUMER_KEY" {
		t.Fatalf("Missing = %v", res.Missing)
	}
}

func TestResolveBindingsStoreFailure(t *testing.T) {
	t.Parallel()
	env := map[string]string{"K": "secret:K"}
	_, err := ResolveBindings(context.Background(), failStore{}, env)
	if err == nil {
		t.Fatal("expected store failure to abort resolution")
	}
}

type failStore struct{}

func (failStore) Get(context.Context, string) (string, error) {
	return "", errors.New("backend unavailable")
}

func TestRefHelpers(t *testing.T) {
	t.Parallel()
	if !IsRef("secret:GROQ_API") || IsRef("literal") {
		t.Fatal("IsRef misclassified")
	}
	if got := RefKey("secret: GROQ_API "); got != "GROQ_API" {
		t.Fatalf("RefKey = %q", got)
	}
	if Redacted("topsecret") != "***" || Redacted("") != "" {
		t.Fatal("Redacted mismatch")
	}
}
