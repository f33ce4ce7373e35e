package secrets

import (
	"context"
	"errors"
	"fmt"
	"sort"
)

// Resolved is the outcome of resolving one task's env bindings.
type Resolved struct {
	// Env holds "NAME=value" entries ready for exec. Bindings whose secret
	// was missing are absent entirely (unset, not a placeholder).
	Env []string

	// Missing lists env var names whose secret reference did not resolve.
	Missing []string
}

// ResolveBindings resolves a task env map against the store.
//
// Literal values pass through unchanged. References ("secret:KEY") are looked
// up; ErrNotFound drops the variable and records it in Missing, any other
// store error aborts resolution.
func ResolveBindings(ctx context.Context, store Store, env map[string]string) (Resolved, error) {
	var out Resolved

	// Deterministic order keeps logs and tests stable.
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		v := env[name]
		if !IsRef(v) {
			out.Env = append(out.Env, name+"="+v)
			continue
		}
		if store == nil {
			out.Missing = append(out.Missing, name)
			continue
		}
		val, err := store.Get(ctx, RefKey(v))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				out.Missing = append(out.Missing, name)
				continue
			}
			return Resolved{}, fmt.Errorf("resolving %s: %w", name, err)
		}
		out.Env = append(out.Env, name+"="+val)
	}
	return out, nil
}
