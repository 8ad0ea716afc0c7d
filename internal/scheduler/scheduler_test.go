package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRunDue_ExecutesOnlyDueTasks(t *testing.T) {
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := New(zerolog.Nop(), WithClock(func() time.Time { return clock }))

	var ranDue, ranNotDue int32
	s.Register(&Task{
		ID: "due", Priority: 1, Enabled: true, FrequencyMinutes: 30, NextRun: clock,
		Run: func(context.Context) (Outcome, error) { atomic.AddInt32(&ranDue, 1); return Outcome{Success: true}, nil },
	})
	s.Register(&Task{
		ID: "not-due", Priority: 1, Enabled: true, FrequencyMinutes: 30, NextRun: clock.Add(time.Hour),
		Run: func(context.Context) (Outcome, error) { atomic.AddInt32(&ranNotDue, 1); return Outcome{Success: true}, nil },
	})

	s.RunDue(context.Background())

	assert.EqualValues(t, 1, ranDue)
	assert.EqualValues(t, 0, ranNotDue)
}

type fakeMetrics struct {
	runs []string // taskID:outcome
}

func (f *fakeMetrics) RecordSchedulerRun(taskID, outcome string, _ float64) {
	f.runs = append(f.runs, taskID+":"+outcome)
}

func TestRunDue_RecordsMetrics(t *testing.T) {
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	metrics := &fakeMetrics{}
	s := New(zerolog.Nop(), WithClock(func() time.Time { return clock }), WithMetrics(metrics))

	s.Register(&Task{
		ID: "ok", Priority: 1, Enabled: true, FrequencyMinutes: 30, NextRun: clock,
		Run: func(context.Context) (Outcome, error) { return Outcome{Success: true}, nil },
	})
	s.RunDue(context.Background())

	require.Contains(t, metrics.runs, "ok:success")
}

func TestRunDue_RunsInAscendingPriority(t *testing.T) {
	clock := time.Now()
	s := New(zerolog.Nop(), WithClock(func() time.Time { return clock }))

	var order []string
	s.Register(&Task{ID: "low", Priority: 5, Enabled: true, FrequencyMinutes: 30, NextRun: clock,
		Run: func(context.Context) (Outcome, error) { order = append(order, "low"); return Outcome{Success: true}, nil }})
	s.Register(&Task{ID: "high", Priority: 1, Enabled: true, FrequencyMinutes: 30, NextRun: clock,
		Run: func(context.Context) (Outcome, error) { order = append(order, "high"); return Outcome{Success: true}, nil }})

	s.RunDue(context.Background())

	require.Len(t, order, 2)
	assert.Equal(t, "high", order[0])
	assert.Equal(t, "low", order[1])
}

func TestRunOne_SuccessSchedulesNextRunByFrequency(t *testing.T) {
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := New(zerolog.Nop(), WithClock(func() time.Time { return clock }))

	s.Register(&Task{ID: "t", Priority: 1, Enabled: true, FrequencyMinutes: 30, NextRun: clock,
		Run: func(context.Context) (Outcome, error) { return Outcome{Success: true, OpportunitiesFound: 2}, nil }})

	s.RunDue(context.Background())

	got := s.Task("t")
	assert.Equal(t, clock.Add(30*time.Minute), got.NextRun)
	assert.True(t, got.LastOutcome.Success)
}

func TestRunOne_FailureBacksOffFiveMinutes(t *testing.T) {
	clock := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	s := New(zerolog.Nop(), WithClock(func() time.Time { return clock }))

	s.Register(&Task{ID: "t", Priority: 1, Enabled: true, FrequencyMinutes: 30, NextRun: clock,
		Run: func(context.Context) (Outcome, error) { return Outcome{Success: false}, assertErr }})

	s.RunDue(context.Background())

	got := s.Task("t")
	assert.Equal(t, clock.Add(backoff), got.NextRun)
	assert.False(t, got.LastOutcome.Success)
}

var assertErr = errTest("boom")

type errTest string

func (e errTest) Error() string { return string(e) }

func TestRunDue_SkipsTaskAlreadyRunning(t *testing.T) {
	clock := time.Now()
	s := New(zerolog.Nop(), WithClock(func() time.Time { return clock }))

	started := make(chan struct{})
	release := make(chan struct{})
	var calls int32

	s.Register(&Task{ID: "slow", Priority: 1, Enabled: true, FrequencyMinutes: 30, NextRun: clock,
		Run: func(context.Context) (Outcome, error) {
			atomic.AddInt32(&calls, 1)
			close(started)
			<-release
			return Outcome{Success: true}, nil
		}})

	go s.RunDue(context.Background())
	<-started

	// Second tick while the first is still running: the keyed mutex
	// should skip it rather than run concurrently.
	s.RunDue(context.Background())
	close(release)

	time.Sleep(20 * time.Millisecond)
	assert.EqualValues(t, 1, calls)
}

func TestAdaptedFrequency_FailureIncreasesInterval(t *testing.T) {
	// 30 * 1.5 = 45; delta of 15 min is under the 60 min cap.
	next := adaptedFrequency(30, Outcome{Success: false}, time.Second)
	assert.Equal(t, 45, next)
}

func TestAdaptedFrequency_ManyOpportunitiesDecreasesInterval(t *testing.T) {
	next := adaptedFrequency(120, Outcome{Success: true, OpportunitiesFound: 10}, time.Second)
	assert.Less(t, next, 120)
}

func TestAdaptedFrequency_QuietSuccessIncreasesInterval(t *testing.T) {
	next := adaptedFrequency(60, Outcome{Success: true, OpportunitiesFound: 0}, 2*time.Second)
	assert.Greater(t, next, 60)
}

func TestAdaptedFrequency_ClampedToBounds(t *testing.T) {
	// Many consecutive failures should never push past the 1440 min ceiling.
	freq := 1000
	for i := 0; i < 20; i++ {
		freq = adaptedFrequency(freq, Outcome{Success: false}, time.Second)
	}
	assert.LessOrEqual(t, freq, 1440)

	freq = 20
	for i := 0; i < 20; i++ {
		freq = adaptedFrequency(freq, Outcome{Success: true, OpportunitiesFound: 10}, time.Second)
	}
	assert.GreaterOrEqual(t, freq, 15)
}

func TestAdaptFrequencies_UpdatesRegisteredTask(t *testing.T) {
	clock := time.Now()
	s := New(zerolog.Nop(), WithClock(func() time.Time { return clock }))
	s.Register(&Task{ID: "t", Priority: 1, Enabled: true, FrequencyMinutes: 120, NextRun: clock,
		Run: func(context.Context) (Outcome, error) { return Outcome{Success: true, OpportunitiesFound: 10}, nil }})

	s.RunDue(context.Background())
	s.AdaptFrequencies()

	got := s.Task("t")
	assert.Less(t, got.FrequencyMinutes, 120)
}

func TestBaseTasks_CoversSpecDefaults(t *testing.T) {
	tasks := BaseTasks(func(context.Context) (Outcome, error) { return Outcome{Success: true}, nil })
	byID := make(map[string]*Task)
	for _, tk := range tasks {
		byID[tk.ID] = tk
	}
	require.Contains(t, byID, TaskArbitrageCritical)
	assert.Equal(t, 30, byID[TaskArbitrageCritical].FrequencyMinutes)
	assert.Equal(t, 120, byID[TaskArbitrageImportant].FrequencyMinutes)
	assert.Equal(t, 360, byID[TaskArbitrageTracking].FrequencyMinutes)
	assert.Equal(t, 60, byID[TaskMetricsUpdate].FrequencyMinutes)
	assert.Equal(t, 240, byID[TaskFrequencyOptimize].FrequencyMinutes)
}
