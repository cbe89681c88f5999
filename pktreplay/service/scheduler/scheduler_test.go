package scheduler

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-appsec/pktreplay/pktreplay/service/capture"
	"github.com/go-appsec/pktreplay/pktreplay/service/replay"
)

// fakeClock fires timers only from Advance, in deadline order.
type fakeClock struct {
	mu     sync.Mutex
	now    time.Time
	timers []*fakeTimer
}

type fakeTimer struct {
	clock   *fakeClock
	at      time.Time
	f       func()
	stopped bool
	fired   bool
}

func newFakeClock(now time.Time) *fakeClock {
	return &fakeClock{now: now}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) AfterFunc(d time.Duration, f func()) Timer {
	c.mu.Lock()
	defer c.mu.Unlock()

	t := &fakeTimer{clock: c, at: c.now.Add(d), f: f}
	c.timers = append(c.timers, t)
	return t
}

func (t *fakeTimer) Stop() bool {
	t.clock.mu.Lock()
	defer t.clock.mu.Unlock()

	if t.fired || t.stopped {
		return false
	}
	t.stopped = true
	return true
}

// Advance moves time forward, running every timer that comes due.
func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	target := c.now.Add(d)
	c.mu.Unlock()

	for {
		c.mu.Lock()
		var next *fakeTimer
		for _, t := range c.timers {
			if t.fired || t.stopped || t.at.After(target) {
				continue
			}
			if next == nil || t.at.Before(next.at) {
				next = t
			}
		}
		if next == nil {
			c.now = target
			c.mu.Unlock()
			return
		}
		next.fired = true
		if next.at.After(c.now) {
			c.now = next.at
		}
		c.mu.Unlock()

		next.f()
	}
}

// live returns timers that have neither fired nor been stopped.
func (c *fakeClock) live() []*fakeTimer {
	c.mu.Lock()
	defer c.mu.Unlock()

	var out []*fakeTimer
	for _, t := range c.timers {
		if !t.fired && !t.stopped {
			out = append(out, t)
		}
	}
	return out
}

type fakeReplayer struct {
	mu      sync.Mutex
	calls   []time.Time
	clock   Clock
	outcome replay.Outcome
}

func (r *fakeReplayer) Replay(_ context.Context, _ capture.CapturedRecord) replay.Outcome {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls = append(r.calls, r.clock.Now())
	return r.outcome
}

// blockingReplayer holds each replay until release is closed.
type blockingReplayer struct {
	entered chan struct{}
	release chan struct{}
}

func (r *blockingReplayer) Replay(_ context.Context, _ capture.CapturedRecord) replay.Outcome {
	r.entered <- struct{}{}
	<-r.release
	return replay.Outcome{Success: true, Message: "sent 4 bytes"}
}

func (r *fakeReplayer) Calls() []time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]time.Time(nil), r.calls...)
}

type memRepo struct {
	mu      sync.Mutex
	tasks   []ReplayTask
	saves   int
	loadErr error
}

func (m *memRepo) LoadTasks() ([]ReplayTask, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ReplayTask(nil), m.tasks...), m.loadErr
}

func (m *memRepo) SaveTasks(tasks []ReplayTask) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.tasks = append([]ReplayTask(nil), tasks...)
	m.saves++
	return nil
}

func (m *memRepo) Saved() []ReplayTask {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ReplayTask(nil), m.tasks...)
}

var baseTime = time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)

type harness struct {
	clock    *fakeClock
	replayer *fakeReplayer
	repo     *memRepo
	sched    *Scheduler
}

func newHarness(t *testing.T, preload ...ReplayTask) *harness {
	t.Helper()

	clock := newFakeClock(baseTime)
	h := &harness{
		clock:    clock,
		replayer: &fakeReplayer{clock: clock, outcome: replay.Outcome{Success: true, Message: "sent 4 bytes"}},
		repo:     &memRepo{tasks: preload},
	}
	h.sched = New(h.replayer, h.repo, clock)
	t.Cleanup(h.sched.Close)
	return h
}

func testRecord() capture.CapturedRecord {
	return capture.CapturedRecord{
		ID:              uuid.New(),
		Timestamp:       baseTime,
		DestinationIP:   "127.0.0.1",
		DestinationPort: 9000,
		Protocol:        capture.ProtocolTCP,
		Payload:         []byte("ping"),
		ProcessName:     "test",
	}
}

func TestFiring(t *testing.T) {
	t.Parallel()

	t.Run("past_once_never_fires", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		task, err := h.sched.AddTask(NewTask(testRecord(), baseTime.Add(-time.Minute), RepeatOnce))
		require.NoError(t, err)
		assert.Zero(t, h.sched.Pending())

		h.clock.Advance(72 * time.Hour)
		assert.Empty(t, h.replayer.Calls())
		_, ok := h.sched.GetTask(task.ID)
		assert.True(t, ok)
	})

	t.Run("hourly_past_advances_whole_hours", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		original := baseTime.Add(-90 * time.Minute)
		task, err := h.sched.AddTask(NewTask(testRecord(), original, RepeatHourly))
		require.NoError(t, err)
		require.Equal(t, 1, h.sched.Pending())

		h.clock.Advance(29 * time.Minute)
		assert.Empty(t, h.replayer.Calls())

		h.clock.Advance(time.Minute)
		calls := h.replayer.Calls()
		require.Len(t, calls, 1)
		assert.Equal(t, original.Add(2*time.Hour), calls[0])

		got, ok := h.sched.GetTask(task.ID)
		require.True(t, ok)
		assert.Equal(t, original.Add(3*time.Hour), got.ScheduledTime)
		assert.Equal(t, 1, h.sched.Pending())

		h.clock.Advance(time.Hour)
		calls = h.replayer.Calls()
		require.Len(t, calls, 2)
		assert.Equal(t, original.Add(3*time.Hour), calls[1])
	})

	t.Run("daily_interval", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		_, err := h.sched.AddTask(NewTask(testRecord(), baseTime.Add(time.Hour), RepeatDaily))
		require.NoError(t, err)

		h.clock.Advance(time.Hour)
		h.clock.Advance(24 * time.Hour)
		h.clock.Advance(24 * time.Hour)
		assert.Equal(t, []time.Time{
			baseTime.Add(time.Hour),
			baseTime.Add(25 * time.Hour),
			baseTime.Add(49 * time.Hour),
		}, h.replayer.Calls())
	})

	t.Run("once_removed_after_fire", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		var mu sync.Mutex
		var executed []bool
		var messages []string
		h.sched.OnTaskExecuted(func(_ ReplayTask, success bool, message string) {
			mu.Lock()
			defer mu.Unlock()
			executed = append(executed, success)
			messages = append(messages, message)
		})

		task, err := h.sched.AddTask(NewTask(testRecord(), baseTime.Add(time.Minute), RepeatOnce))
		require.NoError(t, err)
		h.clock.Advance(time.Minute)

		require.Len(t, h.replayer.Calls(), 1)
		_, ok := h.sched.GetTask(task.ID)
		assert.False(t, ok)
		assert.Empty(t, h.repo.Saved())
		assert.Zero(t, h.sched.Pending())

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, []bool{true}, executed)
		assert.Equal(t, []string{"sent 4 bytes"}, messages)
	})

	t.Run("once_removed_after_failure", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.replayer.outcome = replay.Outcome{Message: "connection refused", Err: errors.New("refused")}

		var success *bool
		h.sched.OnTaskExecuted(func(_ ReplayTask, ok bool, _ string) { success = &ok })

		task, err := h.sched.AddTask(NewTask(testRecord(), baseTime.Add(time.Minute), RepeatOnce))
		require.NoError(t, err)
		h.clock.Advance(time.Minute)

		_, ok := h.sched.GetTask(task.ID)
		assert.False(t, ok)
		require.NotNil(t, success)
		assert.False(t, *success)
	})

	t.Run("recurring_rearms_after_failure", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)
		h.replayer.outcome = replay.Outcome{Message: "refused", Err: errors.New("refused")}

		task, err := h.sched.AddTask(NewTask(testRecord(), baseTime.Add(time.Minute), RepeatHourly))
		require.NoError(t, err)
		h.clock.Advance(time.Minute)

		got, ok := h.sched.GetTask(task.ID)
		require.True(t, ok)
		assert.Equal(t, baseTime.Add(time.Minute+time.Hour), got.ScheduledTime)
		assert.Equal(t, 1, h.sched.Pending())

		saved := h.repo.Saved()
		require.Len(t, saved, 1)
		assert.Equal(t, got.ScheduledTime, saved[0].ScheduledTime)
	})

	t.Run("stale_fire_discarded", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		task, err := h.sched.AddTask(NewTask(testRecord(), baseTime.Add(time.Minute), RepeatOnce))
		require.NoError(t, err)
		live := h.clock.live()
		require.Len(t, live, 1)

		require.NoError(t, h.sched.RemoveTask(task.ID))
		live[0].f() // callback that lost the race with Stop

		assert.Empty(t, h.replayer.Calls())
	})

	t.Run("update_during_replay_wins", func(t *testing.T) {
		t.Parallel()

		for _, repeat := range []RepeatMode{RepeatOnce, RepeatHourly} {
			t.Run(string(repeat), func(t *testing.T) {
				t.Parallel()

				clock := newFakeClock(baseTime)
				replayer := &blockingReplayer{entered: make(chan struct{}), release: make(chan struct{})}
				repo := &memRepo{}
				sched := New(replayer, repo, clock)
				t.Cleanup(sched.Close)

				task, err := sched.AddTask(NewTask(testRecord(), baseTime.Add(time.Minute), repeat))
				require.NoError(t, err)

				advanced := make(chan struct{})
				go func() {
					defer close(advanced)
					clock.Advance(time.Minute)
				}()
				select {
				case <-replayer.entered:
				case <-time.After(5 * time.Second):
					t.Fatal("replay not started")
				}

				task.Enabled = false
				task.ScheduledTime = baseTime.Add(5 * time.Hour)
				require.NoError(t, sched.UpdateTask(task))
				close(replayer.release)
				select {
				case <-advanced:
				case <-time.After(5 * time.Second):
					t.Fatal("fire did not finish")
				}

				got, ok := sched.GetTask(task.ID)
				require.True(t, ok)
				assert.False(t, got.Enabled)
				assert.Equal(t, baseTime.Add(5*time.Hour), got.ScheduledTime)
				assert.Zero(t, sched.Pending())

				saved := repo.Saved()
				require.Len(t, saved, 1)
				assert.Equal(t, baseTime.Add(5*time.Hour), saved[0].ScheduledTime)
			})
		}
	})

	t.Run("rearm_invalidates_old_generation", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		task, err := h.sched.AddTask(NewTask(testRecord(), baseTime.Add(time.Minute), RepeatOnce))
		require.NoError(t, err)
		first := h.clock.live()
		require.Len(t, first, 1)

		task.ScheduledTime = baseTime.Add(time.Hour)
		require.NoError(t, h.sched.UpdateTask(task))
		first[0].f()
		assert.Empty(t, h.replayer.Calls())
		assert.Equal(t, 1, h.sched.Pending())
	})
}

func TestTaskLifecycle(t *testing.T) {
	t.Parallel()

	t.Run("add_get_remove", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		var updates [][]ReplayTask
		h.sched.OnTasksUpdated(func(tasks []ReplayTask) { updates = append(updates, tasks) })

		task, err := h.sched.AddTask(NewTask(testRecord(), baseTime.Add(time.Hour), RepeatOnce))
		require.NoError(t, err)

		got, ok := h.sched.GetTask(task.ID)
		require.True(t, ok)
		assert.Equal(t, task.ScheduledTime, got.ScheduledTime)
		assert.Len(t, h.sched.GetAllTasks(), 1)
		assert.Len(t, h.repo.Saved(), 1)

		require.NoError(t, h.sched.RemoveTask(task.ID))
		_, ok = h.sched.GetTask(task.ID)
		assert.False(t, ok)
		assert.Zero(t, h.sched.Pending())
		assert.Empty(t, h.repo.Saved())

		h.clock.Advance(2 * time.Hour)
		assert.Empty(t, h.replayer.Calls())

		require.ErrorIs(t, h.sched.RemoveTask(task.ID), ErrTaskNotFound)

		require.Len(t, updates, 2)
		assert.Len(t, updates[0], 1)
		assert.Empty(t, updates[1])
	})

	t.Run("add_assigns_id_and_defaults_repeat", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		task, err := h.sched.AddTask(ReplayTask{Record: testRecord(), ScheduledTime: baseTime.Add(time.Hour), Enabled: true})
		require.NoError(t, err)
		assert.NotEqual(t, uuid.Nil, task.ID)
		assert.Equal(t, RepeatOnce, task.Repeat)
	})

	t.Run("add_rejects_duplicate_and_bad_repeat", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		task, err := h.sched.AddTask(NewTask(testRecord(), baseTime.Add(time.Hour), RepeatOnce))
		require.NoError(t, err)
		_, err = h.sched.AddTask(task)
		require.ErrorIs(t, err, ErrDuplicateTask)

		bad := NewTask(testRecord(), baseTime, "weekly")
		_, err = h.sched.AddTask(bad)
		require.Error(t, err)
		assert.Len(t, h.sched.GetAllTasks(), 1)
	})

	t.Run("update_reschedules", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		task, err := h.sched.AddTask(NewTask(testRecord(), baseTime.Add(time.Hour), RepeatOnce))
		require.NoError(t, err)

		task.ScheduledTime = baseTime.Add(2 * time.Hour)
		require.NoError(t, h.sched.UpdateTask(task))
		assert.Equal(t, 1, h.sched.Pending())

		h.clock.Advance(time.Hour)
		assert.Empty(t, h.replayer.Calls())
		h.clock.Advance(time.Hour)
		assert.Len(t, h.replayer.Calls(), 1)
	})

	t.Run("update_disable_cancels", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		task, err := h.sched.AddTask(NewTask(testRecord(), baseTime.Add(time.Hour), RepeatHourly))
		require.NoError(t, err)

		task.Enabled = false
		require.NoError(t, h.sched.UpdateTask(task))
		assert.Zero(t, h.sched.Pending())

		h.clock.Advance(3 * time.Hour)
		assert.Empty(t, h.replayer.Calls())

		got, ok := h.sched.GetTask(task.ID)
		require.True(t, ok)
		assert.False(t, got.Enabled)
	})

	t.Run("update_unknown", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		err := h.sched.UpdateTask(NewTask(testRecord(), baseTime, RepeatOnce))
		require.ErrorIs(t, err, ErrTaskNotFound)
	})

	t.Run("get_returns_copy", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		task, err := h.sched.AddTask(NewTask(testRecord(), baseTime.Add(time.Hour), RepeatOnce))
		require.NoError(t, err)

		got, _ := h.sched.GetTask(task.ID)
		got.Record.Payload[0] = 'X'
		again, _ := h.sched.GetTask(task.ID)
		assert.Equal(t, "ping", string(again.Record.Payload))
	})
}

func TestStartStop(t *testing.T) {
	t.Parallel()

	t.Run("start_arms_loaded_enabled", func(t *testing.T) {
		t.Parallel()

		enabled := NewTask(testRecord(), baseTime.Add(time.Hour), RepeatOnce)
		disabled := NewTask(testRecord(), baseTime.Add(time.Hour), RepeatOnce)
		disabled.Enabled = false
		pastOnce := NewTask(testRecord(), baseTime.Add(-time.Hour), RepeatOnce)
		pastDaily := NewTask(testRecord(), baseTime.Add(-time.Hour), RepeatDaily)

		h := newHarness(t, enabled, disabled, pastOnce, pastDaily)
		assert.Len(t, h.sched.GetAllTasks(), 4)
		assert.Zero(t, h.sched.Pending())

		h.sched.StartAllScheduledTasks()
		assert.Equal(t, 2, h.sched.Pending())

		h.sched.StartAllScheduledTasks() // idempotent
		assert.Equal(t, 2, h.sched.Pending())
		assert.Len(t, h.clock.live(), 2)
	})

	t.Run("stop_keeps_tasks", func(t *testing.T) {
		t.Parallel()
		h := newHarness(t)

		_, err := h.sched.AddTask(NewTask(testRecord(), baseTime.Add(time.Hour), RepeatOnce))
		require.NoError(t, err)
		_, err = h.sched.AddTask(NewTask(testRecord(), baseTime.Add(time.Hour), RepeatHourly))
		require.NoError(t, err)
		saves := h.repo.saves

		h.sched.StopAllTasks()
		assert.Zero(t, h.sched.Pending())
		assert.Len(t, h.sched.GetAllTasks(), 2)
		assert.Equal(t, saves, h.repo.saves)

		h.clock.Advance(2 * time.Hour)
		assert.Empty(t, h.replayer.Calls())

		h.sched.StartAllScheduledTasks()
		assert.Equal(t, 2, h.sched.Pending())
	})

	t.Run("load_error_starts_empty", func(t *testing.T) {
		t.Parallel()

		repo := &memRepo{loadErr: errors.New("corrupt")}
		s := New(&fakeReplayer{clock: RealClock{}}, repo, newFakeClock(baseTime))
		t.Cleanup(s.Close)
		assert.Empty(t, s.GetAllTasks())
	})
}

func TestNextFireTime(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		at     time.Time
		repeat RepeatMode
		want   time.Time
		ok     bool
	}{
		{name: "future_once", at: baseTime.Add(time.Minute), repeat: RepeatOnce, want: baseTime.Add(time.Minute), ok: true},
		{name: "now_once", at: baseTime, repeat: RepeatOnce, want: baseTime, ok: true},
		{name: "past_once", at: baseTime.Add(-time.Second), repeat: RepeatOnce},
		{name: "past_hourly", at: baseTime.Add(-90 * time.Minute), repeat: RepeatHourly, want: baseTime.Add(30 * time.Minute), ok: true},
		{name: "past_hourly_exact", at: baseTime.Add(-2 * time.Hour), repeat: RepeatHourly, want: baseTime, ok: true},
		{name: "past_daily", at: baseTime.Add(-50 * time.Hour), repeat: RepeatDaily, want: baseTime.Add(22 * time.Hour), ok: true},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			got, ok := NextFireTime(ReplayTask{ScheduledTime: tc.at, Repeat: tc.repeat}, baseTime)
			assert.Equal(t, tc.ok, ok)
			assert.Equal(t, tc.want, got)
		})
	}
}
