// Package scheduler turns cron triggers into run dispatches. It is
// trigger-only: firing a trigger hands the task to the engine, nothing is
// executed here. Manual triggers never pass through this package.
package scheduler

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	logx "taskrun/pkg/logx"
)

type Config struct {
	Enabled  bool
	Timezone string // IANA TZ, e.g. "America/Los_Angeles"
}

// def is one registered cron trigger. Dormant (disabled) triggers are kept
// in defs so they appear in the snapshot, but never get a cron entry.
type def struct {
	task    string
	spec    string
	dormant bool
	fire    func()
	entry   cron.EntryID
}

// Entry is the snapshot view of a registered trigger.
type Entry struct {
	Task    string
	Spec    string
	Dormant bool
	Next    time.Time // zero when dormant or not started
}

type Service struct {
	mu sync.Mutex

	log logx.Logger
	cfg Config
	loc *time.Location

	parser cron.Parser
	c      *cron.Cron
	defs   []*def

	// started tracks the app-level lifecycle so Apply can arm the cron
	// instance when a reload flips enabled on after Start.
	started bool
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg:    cfg,
		log:    log,
		parser: cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ValidateExpr checks a cron expression without registering it. Used by
// config validation so a bad expression is rejected before commit.
func (s *Service) ValidateExpr(expr string) error {
	_, err := s.parser.Parse(expr)
	return err
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cfg.Enabled
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()

	oldTZ := strings.TrimSpace(s.cfg.Timezone)
	newTZ := strings.TrimSpace(cfg.Timezone)
	s.cfg = cfg

	switch {
	case !cfg.Enabled:
		s.disarmLocked()
	case s.started && s.c == nil:
		s.startLocked()
	case s.c != nil && oldTZ != newTZ:
		// Restart cron with the new location and re-register definitions.
		s.restartLocked()
	}
}

// Register adds a cron trigger for task. Dormant triggers are validated and
// tracked but never scheduled. fire must not block; it should enqueue.
func (s *Service) Register(taskName, spec string, dormant bool, fire func()) error {
	if err := s.ValidateExpr(spec); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	d := &def{task: taskName, spec: spec, dormant: dormant, fire: fire}
	s.defs = append(s.defs, d)
	if s.c != nil && !dormant {
		return s.addLocked(d)
	}
	if dormant {
		s.log.Info("trigger registered dormant", logx.String("task", taskName), logx.String("spec", spec))
	}
	return nil
}

// Clear drops all registered triggers (used on config reload before
// re-registering the new task set).
func (s *Service) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		for _, d := range s.defs {
			if d.entry != 0 {
				s.c.Remove(d.entry)
			}
		}
	}
	s.defs = nil
}

// Start arms the registered triggers. It is a no-op while the scheduler is
// disabled by config; a later Apply with Enabled set arms them.
func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_ = ctx
	s.started = true
	if s.c != nil {
		return
	}
	if !s.cfg.Enabled {
		s.log.Info("scheduler disabled; cron triggers stay dormant")
		return
	}
	s.startLocked()
}

func (s *Service) startLocked() {
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))

	active := 0
	for _, d := range s.defs {
		if d.dormant {
			continue
		}
		if err := s.addLocked(d); err != nil {
			s.log.Warn("trigger registration failed", logx.String("task", d.task), logx.Err(err))
			continue
		}
		active++
	}
	s.c.Start()
	s.log.Info("scheduler started", logx.String("tz", loc.String()), logx.Int("active", active), logx.Int("dormant", len(s.defs)-active))
}

// disarmLocked stops the cron instance, leaving definitions registered so a
// re-enable arms them again.
func (s *Service) disarmLocked() {
	if s.c == nil {
		return
	}
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entry = 0
	}
	<-c.Stop().Done()
	s.log.Info("scheduler disabled; triggers disarmed")
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	s.started = false
	c := s.c
	s.c = nil
	for _, d := range s.defs {
		d.entry = 0
	}
	s.mu.Unlock()

	if c == nil {
		return
	}
	stopped := c.Stop()
	select {
	case <-stopped.Done():
	case <-ctx.Done():
	}
	s.log.Info("scheduler stopped")
}

func (s *Service) addLocked(d *def) error {
	id, err := s.c.AddFunc(d.spec, d.fire)
	if err != nil {
		return err
	}
	d.entry = id
	return nil
}

func (s *Service) restartLocked() {
	if s.c != nil {
		<-s.c.Stop().Done()
	}
	loc := s.loadLocationLocked()
	s.loc = loc
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	for _, d := range s.defs {
		if d.dormant {
			continue
		}
		_ = s.addLocked(d)
	}
	s.c.Start()
	s.log.Info("scheduler restarted", logx.String("tz", loc.String()))
}

func (s *Service) loadLocationLocked() *time.Location {
	tz := strings.TrimSpace(s.cfg.Timezone)
	if tz == "" {
		return time.Local
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		s.log.Warn("invalid timezone, falling back to Local", logx.String("tz", tz), logx.Err(err))
		return time.Local
	}
	return loc
}

// Entries returns the snapshot of registered triggers.
func (s *Service) Entries() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, 0, len(s.defs))
	for _, d := range s.defs {
		e := Entry{Task: d.task, Spec: d.spec, Dormant: d.dormant}
		if s.c != nil && d.entry != 0 {
			e.Next = s.c.Entry(d.entry).Next
		}
		out = append(out, e)
	}
	return out
}
