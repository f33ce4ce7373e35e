// Package notify pushes run outcomes to an operator channel. Delivery is
// best-effort and must never block or fail a task run: messages queue
// through a small async worker and are dropped under pressure.
package notify

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/time/rate"

	logx "taskrun/pkg/logx"
)

type Config struct {
	Enabled    bool
	QueueSize  int
	RatePerSec int
	OnSuccess  bool // also notify successful runs (failures always notify)
}

// Sender delivers one rendered message. Implemented by the Telegram adapter;
// tests plug in fakes.
type Sender interface {
	Send(ctx context.Context, text string) error
}

// Event is a run outcome to report.
type Event struct {
	Task     string
	Trigger  string
	ExitCode int
	Duration time.Duration
	Err      error
}

type Service struct {
	log    logx.Logger
	sender Sender

	mu      sync.Mutex
	cfg     Config
	limiter *rate.Limiter

	queue  chan string
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func New(cfg Config, sender Sender, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	size := cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	s := &Service{log: log, sender: sender, queue: make(chan string, size)}
	s.Apply(cfg)
	return s
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cfg = cfg
	rps := cfg.RatePerSec
	if rps <= 0 {
		rps = 1
	}
	s.limiter = rate.NewLimiter(rate.Limit(rps), rps)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		return
	}
	wctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.worker(wctx)
	}()
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	cancel := s.cancel
	s.cancel = nil
	s.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
	}
}

// Observe reports a run outcome. Never blocks.
func (s *Service) Observe(ev Event) {
	s.mu.Lock()
	cfg := s.cfg
	lim := s.limiter
	s.mu.Unlock()

	if !cfg.Enabled || s.sender == nil {
		return
	}
	if ev.Err == nil && !cfg.OnSuccess {
		return
	}
	if !lim.Allow() {
		s.log.Debug("notification rate-limited", logx.String("task", ev.Task))
		return
	}

	select {
	case s.queue <- formatEvent(ev):
	default:
		s.log.Debug("notification queue full, dropping", logx.String("task", ev.Task))
	}
}

func (s *Service) worker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-s.queue:
			sctx, cancel := context.WithTimeout(ctx, 15*time.Second)
			err := s.sender.Send(sctx, msg)
			cancel()
			if err != nil {
				s.log.Warn("notification send failed", logx.Err(err))
			}
		}
	}
}

func formatEvent(ev Event) string {
	if ev.Err != nil {
		return fmt.Sprintf("❌ task %s (%s) failed after %s: %v",
			ev.Task, ev.Trigger, ev.Duration.Round(time.Millisecond), ev.Err)
	}
	return fmt.Sprintf("✅ task %s (%s) completed in %s",
		ev.Task, ev.Trigger, ev.Duration.Round(time.Millisecond))
}
