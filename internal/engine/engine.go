// Package engine executes queued task runs on a small worker pool.
//
// The scheduler is trigger-only; everything about *running* (queueing,
// overlap gating, timeouts, history) lives here. A run failure is final:
// the failure policy for script tasks defines no retries.
package engine

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	logx "taskrun/pkg/logx"
)

var (
	ErrDisabled    = errors.New("engine disabled")
	ErrStopped     = errors.New("engine not started")
	ErrQueueFull   = errors.New("engine queue full")
	ErrOverlapSkip = errors.New("run skipped: previous run still active")
)

type Config struct {
	Enabled   bool
	Workers   int
	QueueSize int

	// DefaultTimeout applies when a run does not set its own. 0 disables
	// the global default (scripts may block for an unbounded duration).
	DefaultTimeout time.Duration

	HistorySize int
}

// Run is a unit of work submitted to the engine.
type Run struct {
	ID      string
	Task    string
	Trigger string // "manual" | "cron"
	Timeout time.Duration
	Do      func(ctx context.Context) error

	// State gates overlap when non-nil: a run is skipped if the state is
	// already held (running or still queued).
	State *RunState

	// Done, when non-nil, receives the run's final error (nil on success)
	// exactly once. Used by manual dispatch to propagate status.
	Done chan error
}

// RunState tracks whether a task is in flight. "Skip if running" also means
// "skip if already queued", which prevents queue blow-ups when a schedule
// fires faster than execution.
type RunState struct {
	mu       sync.Mutex
	inflight int
}

func (s *RunState) tryAcquire() bool {
	if s == nil {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.inflight > 0 {
		return false
	}
	s.inflight++
	return true
}

func (s *RunState) release() {
	if s == nil {
		return
	}
	s.mu.Lock()
	if s.inflight > 0 {
		s.inflight--
	}
	s.mu.Unlock()
}

type HistoryItem struct {
	ID       string
	Task     string
	Trigger  string
	Started  time.Time
	Duration time.Duration
	Error    string
}

type Snapshot struct {
	Enabled  bool
	Workers  int
	QueueLen int
	QueueCap int
	InFlight int
	Dropped  uint64
	History  []HistoryItem
}

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger

	queue    chan Run
	stopCh   chan struct{}
	workerWG sync.WaitGroup

	inFlight int32
	dropped  atomic.Uint64

	hmu     sync.Mutex
	history []HistoryItem

	seq atomic.Uint64
}

func New(cfg Config, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{cfg: cfg, log: log}
}

func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	// Worker count changes take effect on the next Start.
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopCh != nil {
		return
	}
	s.stopCh = make(chan struct{})

	workers := s.cfg.Workers
	if workers <= 0 {
		workers = 1
	}
	size := s.cfg.QueueSize
	if size <= 0 {
		size = 64
	}
	// Fresh queue per Start so a stop/start toggle never replays stale runs.
	s.queue = make(chan Run, size)

	stopCh := s.stopCh
	queue := s.queue

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in engine worker", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(ctx, stopCh, queue)
		}()
	}
	s.log.Info("engine started", logx.Int("workers", workers), logx.Int("queue", size))
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	stopCh := s.stopCh
	queue := s.queue
	s.stopCh = nil
	s.queue = nil
	s.mu.Unlock()

	close(stopCh)

	done := make(chan struct{})
	go func() {
		s.workerWG.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.drain(queue)
		s.log.Info("engine stopped")
	case <-ctx.Done():
		s.log.Warn("engine stop timed out; workers finishing in background")
	}
}

// drain rejects runs still queued at shutdown. Their overlap gates were
// acquired at enqueue and would otherwise stay held forever, skipping the
// task on every submit after a restart.
func (s *Service) drain(queue chan Run) {
	for {
		select {
		case r := <-queue:
			if r.State != nil {
				r.State.release()
			}
			_ = s.finish(r, ErrStopped)
		default:
			return
		}
	}
}

// Submit enqueues a run. It never blocks: a full queue is an error, and an
// overlap-gated run whose task is already active is skipped.
func (s *Service) Submit(r Run) error {
	s.mu.Lock()
	cfg := s.cfg
	queue := s.queue
	s.mu.Unlock()

	if !cfg.Enabled {
		return s.finish(r, ErrDisabled)
	}
	if queue == nil {
		return s.finish(r, ErrStopped)
	}
	if r.Do == nil {
		return s.finish(r, errors.New("run has no work"))
	}
	if r.ID == "" {
		r.ID = fmt.Sprintf("run-%d", s.seq.Add(1))
	}

	// Acquire overlap gating at enqueue time, so queued-but-not-started runs
	// also count as active.
	if r.State != nil && !r.State.tryAcquire() {
		s.log.Debug("run skipped (overlap)", logx.String("task", r.Task), logx.String("trigger", r.Trigger))
		return s.finish(r, ErrOverlapSkip)
	}

	select {
	case queue <- r:
		return nil
	default:
		if r.State != nil {
			r.State.release()
		}
		s.dropped.Add(1)
		s.log.Warn("engine queue full, dropping run", logx.String("task", r.Task))
		return s.finish(r, ErrQueueFull)
	}
}

// finish reports a terminal submit error on the Done channel (if any) and
// returns it.
func (s *Service) finish(r Run, err error) error {
	if r.Done != nil {
		select {
		case r.Done <- err:
		default:
		}
	}
	return err
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue chan Run) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case r, ok := <-queue:
			if !ok {
				return
			}
			atomic.AddInt32(&s.inFlight, 1)
			s.execOne(ctx, r)
			atomic.AddInt32(&s.inFlight, -1)
		}
	}
}

func (s *Service) execOne(ctx context.Context, r Run) {
	start := time.Now()

	s.mu.Lock()
	cfg := s.cfg
	s.mu.Unlock()

	timeout := r.Timeout
	if timeout <= 0 {
		timeout = cfg.DefaultTimeout
	}
	runCtx := ctx
	var cancel context.CancelFunc
	if timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, timeout)
	}

	var err error
	// Panic guard: one bad run must not take down a worker.
	func() {
		defer func() {
			if p := recover(); p != nil {
				err = fmt.Errorf("panic: %v", p)
				s.log.Error("run panicked", logx.String("task", r.Task), logx.Any("panic", p), logx.String("stack", string(debug.Stack())))
			}
		}()
		err = r.Do(runCtx)
	}()
	if cancel != nil {
		cancel()
	}
	if r.State != nil {
		r.State.release()
	}

	dur := time.Since(start)
	item := HistoryItem{ID: r.ID, Task: r.Task, Trigger: r.Trigger, Started: start, Duration: dur}
	if err != nil {
		item.Error = err.Error()
		s.log.Warn("run failed", logx.String("task", r.Task), logx.String("trigger", r.Trigger), logx.Err(err), logx.Duration("dur", dur))
	} else {
		s.log.Info("run completed", logx.String("task", r.Task), logx.String("trigger", r.Trigger), logx.Duration("dur", dur))
	}

	if r.Done != nil {
		select {
		case r.Done <- err:
		default:
		}
	}

	s.hmu.Lock()
	s.history = append(s.history, item)
	size := cfg.HistorySize
	if size <= 0 {
		size = 100
	}
	if len(s.history) > size {
		s.history = s.history[len(s.history)-size:]
	}
	s.hmu.Unlock()
}

func (s *Service) Snapshot() Snapshot {
	s.mu.Lock()
	cfg := s.cfg
	queue := s.queue
	s.mu.Unlock()

	snap := Snapshot{
		Enabled:  cfg.Enabled,
		Workers:  cfg.Workers,
		InFlight: int(atomic.LoadInt32(&s.inFlight)),
		Dropped:  s.dropped.Load(),
	}
	if queue != nil {
		snap.QueueLen = len(queue)
		snap.QueueCap = cap(queue)
	}

	s.hmu.Lock()
	snap.History = append([]HistoryItem(nil), s.history...)
	s.hmu.Unlock()
	return snap
}
