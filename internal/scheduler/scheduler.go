// Package scheduler implements the tiered task scheduler: a 30s wake
// loop that runs every due task in ascending priority, records
// outcomes, reschedules next_run, and periodically adapts per-task
// cadence based on recent results. The ticker-driven background loop
// is generalized from the teacher gateway's HealthPoller, and the
// at-most-one-concurrent-execution-per-task guarantee is adapted from
// its KeyedMutex.
package scheduler

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Outcome records the result of one task execution.
type Outcome struct {
	Success            bool
	OpportunitiesFound int
	Duration           time.Duration
	Err                error
}

// Task describes one schedulable unit of work.
type Task struct {
	ID               string
	Type             string
	Tier             string
	FrequencyMinutes int
	Priority         int // 1 (highest) .. 5 (lowest)
	Enabled          bool

	NextRun     time.Time
	LastRun     time.Time
	LastOutcome Outcome

	// runCount/avgDuration support the running-average bookkeeping
	// used by the adaptive-frequency pass.
	runCount     int
	avgDuration  time.Duration

	// Run is the task's callback, invoked with a context bound to the
	// scheduler's shutdown signal.
	Run func(ctx context.Context) (Outcome, error)
}

const (
	minFrequency = 15 * time.Minute
	maxFrequency = 1440 * time.Minute
	backoff      = 5 * time.Minute
	wakeInterval = 30 * time.Second
	adaptEvery   = 4 * time.Hour
)

// Base task IDs and default frequencies, per spec defaults.
const (
	TaskArbitrageCritical  = "arbitrage-critical"
	TaskArbitrageImportant = "arbitrage-important"
	TaskArbitrageTracking  = "arbitrage-tracking"
	TaskMetricsUpdate      = "metrics-update"
	TaskFrequencyOptimize  = "frequency-optimization"
)

// keyedMutex serializes execution per task_id so two wake cycles can
// never run the same task concurrently, adapted from the teacher's
// per-key mutex used to serialize wallet mutations.
type keyedMutex struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newKeyedMutex() *keyedMutex {
	return &keyedMutex{locks: make(map[string]*sync.Mutex)}
}

// TryLock attempts to acquire the per-key lock without blocking. A
// false return means a prior execution of that task is still running.
func (k *keyedMutex) TryLock(key string) bool {
	k.mu.Lock()
	l, ok := k.locks[key]
	if !ok {
		l = &sync.Mutex{}
		k.locks[key] = l
	}
	k.mu.Unlock()
	return l.TryLock()
}

func (k *keyedMutex) Unlock(key string) {
	k.mu.Lock()
	l := k.locks[key]
	k.mu.Unlock()
	if l != nil {
		l.Unlock()
	}
}

// MetricsSink records each task run's outcome and duration.
type MetricsSink interface {
	RecordSchedulerRun(taskID, outcome string, seconds float64)
}

type noopMetrics struct{}

func (noopMetrics) RecordSchedulerRun(string, string, float64) {}

// Scheduler owns the task table and the wake/adapt loops.
type Scheduler struct {
	mu      sync.Mutex
	tasks   map[string]*Task
	locks   *keyedMutex
	log     zerolog.Logger
	now     func() time.Time
	metrics MetricsSink

	wakeInterval time.Duration
	adaptEvery   time.Duration

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock overrides the wall-clock source, for deterministic tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithWakeInterval overrides the default 30s wake loop period.
func WithWakeInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.wakeInterval = d }
}

// WithAdaptInterval overrides the default 4h adaptive-frequency period.
func WithAdaptInterval(d time.Duration) Option {
	return func(s *Scheduler) { s.adaptEvery = d }
}

// WithMetrics attaches a sink recording each task run's outcome.
func WithMetrics(m MetricsSink) Option {
	return func(s *Scheduler) { s.metrics = m }
}

// New builds a Scheduler with no tasks registered.
func New(log zerolog.Logger, opts ...Option) *Scheduler {
	s := &Scheduler{
		tasks:        make(map[string]*Task),
		locks:        newKeyedMutex(),
		log:          log.With().Str("component", "scheduler").Logger(),
		now:          time.Now,
		metrics:      noopMetrics{},
		wakeInterval: wakeInterval,
		adaptEvery:   adaptEvery,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register adds a task. If NextRun is zero it is scheduled to run
// immediately on the next wake.
func (s *Scheduler) Register(t *Task) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.NextRun.IsZero() {
		t.NextRun = s.now()
	}
	s.tasks[t.ID] = t
}

// Task returns a snapshot of the named task, or nil if unknown.
func (s *Scheduler) Task(id string) *Task {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil
	}
	cp := *t
	return &cp
}

// Start launches the wake loop and the adaptive-frequency loop as
// background goroutines.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel

	s.wg.Add(2)
	go s.wakeLoop(ctx)
	go s.adaptLoop(ctx)
}

// Stop cancels both loops and waits for them to exit.
func (s *Scheduler) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
}

func (s *Scheduler) wakeLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.wakeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.RunDue(ctx)
		}
	}
}

func (s *Scheduler) adaptLoop(ctx context.Context) {
	defer s.wg.Done()
	ticker := time.NewTicker(s.adaptEvery)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.AdaptFrequencies()
		}
	}
}

// RunDue executes every enabled task whose next_run has elapsed, in
// ascending priority order. Tasks already running (per the keyed
// mutex) are skipped for this tick.
func (s *Scheduler) RunDue(ctx context.Context) {
	now := s.now()

	s.mu.Lock()
	var due []*Task
	for _, t := range s.tasks {
		if t.Enabled && !t.NextRun.After(now) {
			due = append(due, t)
		}
	}
	s.mu.Unlock()

	sort.Slice(due, func(i, j int) bool { return due[i].Priority < due[j].Priority })

	for _, t := range due {
		s.runOne(ctx, t)
	}
}

func (s *Scheduler) runOne(ctx context.Context, t *Task) {
	if !s.locks.TryLock(t.ID) {
		s.log.Debug().Str("task_id", t.ID).Msg("skipping tick: previous execution still running")
		return
	}
	defer s.locks.Unlock(t.ID)

	start := s.now()
	outcome, err := t.Run(ctx)
	duration := s.now().Sub(start)
	outcome.Duration = duration
	if err != nil {
		outcome.Success = false
		outcome.Err = err
	}

	outcomeLabel := "success"
	if !outcome.Success {
		outcomeLabel = "failure"
	}
	s.metrics.RecordSchedulerRun(t.ID, outcomeLabel, duration.Seconds())

	s.recordOutcome(t.ID, outcome)
}

func (s *Scheduler) recordOutcome(id string, outcome Outcome) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return
	}

	now := s.now()
	t.LastRun = now
	t.LastOutcome = outcome
	t.runCount++
	if t.runCount == 1 {
		t.avgDuration = outcome.Duration
	} else {
		t.avgDuration += (outcome.Duration - t.avgDuration) / time.Duration(t.runCount)
	}

	if outcome.Success {
		t.NextRun = now.Add(time.Duration(t.FrequencyMinutes) * time.Minute)
	} else {
		t.NextRun = now.Add(backoff)
		s.log.Warn().Str("task_id", id).Err(outcome.Err).Msg("task failed, backing off")
	}
}

// AdaptFrequencies applies the 4h adaptive-frequency pass described in
// spec §4.10 to every registered task.
func (s *Scheduler) AdaptFrequencies() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, t := range s.tasks {
		if t.runCount == 0 {
			continue
		}
		t.FrequencyMinutes = adaptedFrequency(t.FrequencyMinutes, t.LastOutcome, t.avgDuration)
	}
}

// adaptedFrequency applies one step of the multiplier rules, clamped
// to [minFrequency, maxFrequency] and to the per-step minute caps.
func adaptedFrequency(currentMinutes int, last Outcome, avgDuration time.Duration) int {
	current := time.Duration(currentMinutes) * time.Minute
	next := current

	switch {
	case !last.Success:
		next = current + capDelta(current, 1.5, 60*time.Minute)
	case last.OpportunitiesFound > 5:
		next = current - capDelta(current, 0.8, 30*time.Minute)
	case last.Success && last.OpportunitiesFound == 0 && avgDuration < 10*time.Second:
		next = current + capDelta(current, 1.2, 60*time.Minute)
	}

	if next < minFrequency {
		next = minFrequency
	}
	if next > maxFrequency {
		next = maxFrequency
	}
	return int(next / time.Minute)
}

// capDelta returns the magnitude of the change implied by multiplying
// current by factor, capped at maxDelta.
func capDelta(current time.Duration, factor float64, maxDelta time.Duration) time.Duration {
	scaled := time.Duration(float64(current) * factor)
	delta := scaled - current
	if delta < 0 {
		delta = -delta
	}
	if delta > maxDelta {
		delta = maxDelta
	}
	return delta
}

// BaseTasks returns the five default tasks from spec §4.10, wired to
// the given callbacks. Callers register each returned task via
// Register after filling in any callback they want to override.
func BaseTasks(run func(ctx context.Context) (Outcome, error)) []*Task {
	return []*Task{
		{ID: TaskArbitrageCritical, Type: "arbitrage_cycle", Tier: "critical", FrequencyMinutes: 30, Priority: 1, Enabled: true, Run: run},
		{ID: TaskArbitrageImportant, Type: "arbitrage_cycle", Tier: "important", FrequencyMinutes: 120, Priority: 2, Enabled: true, Run: run},
		{ID: TaskArbitrageTracking, Type: "arbitrage_cycle", Tier: "tracking", FrequencyMinutes: 360, Priority: 3, Enabled: true, Run: run},
		{ID: TaskMetricsUpdate, Type: "metrics_update", Tier: "", FrequencyMinutes: 60, Priority: 4, Enabled: true, Run: run},
		{ID: TaskFrequencyOptimize, Type: "frequency_optimization", Tier: "", FrequencyMinutes: 240, Priority: 5, Enabled: true, Run: run},
	}
}
