package history

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	logx "taskrun/pkg/logx"
)

// fileStore is a dependency-free journal backend: append-only JSON Lines.
// Reads scan the whole file; fine for the sizes a single runner produces.
type fileStore struct {
	log logx.Logger

	mu   sync.Mutex
	path string
	f    *os.File
}

type runLine struct {
	Task     string    `json:"task"`
	Trigger  string    `json:"trigger"`
	Started  time.Time `json:"started"`
	TookMS   int64     `json:"took_ms"`
	ExitCode int       `json:"exit_code"`
	Error    string    `json:"error,omitempty"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("history.path is required for file driver")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	return &fileStore{log: log, path: path, f: f}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return nil
	}
	err := s.f.Close()
	s.f = nil
	return err
}

func (s *fileStore) AppendRun(ctx context.Context, r RunRecord) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.f == nil {
		return errors.New("history file closed")
	}
	if r.Started.IsZero() {
		r.Started = time.Now()
	}
	return json.NewEncoder(s.f).Encode(runLine{
		Task:     r.Task,
		Trigger:  r.Trigger,
		Started:  r.Started,
		TookMS:   r.Duration.Milliseconds(),
		ExitCode: r.ExitCode,
		Error:    r.Error,
	})
}

func (s *fileStore) RecentRuns(ctx context.Context, taskName string, limit int) ([]RunRecord, error) {
	_ = ctx
	if limit <= 0 {
		limit = 20
	}

	s.mu.Lock()
	path := s.path
	s.mu.Unlock()

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var all []RunRecord
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var l runLine
		if err := json.Unmarshal(sc.Bytes(), &l); err != nil {
			continue // tolerate torn writes
		}
		if taskName != "" && l.Task != taskName {
			continue
		}
		all = append(all, RunRecord{
			Task:     l.Task,
			Trigger:  l.Trigger,
			Started:  l.Started,
			Duration: time.Duration(l.TookMS) * time.Millisecond,
			ExitCode: l.ExitCode,
			Error:    l.Error,
		})
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	// Newest first, bounded.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
