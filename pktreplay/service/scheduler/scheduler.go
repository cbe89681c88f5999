package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log"
	"slices"
	"sync"
	"time"

	"github.com/go-analyze/bulk"
	"github.com/google/uuid"

	"github.com/go-appsec/pktreplay/pktreplay/service/capture"
	"github.com/go-appsec/pktreplay/pktreplay/service/replay"
)

var (
	ErrTaskNotFound  = errors.New("task not found")
	ErrDuplicateTask = errors.New("task already exists")
)

// Replayer sends a record once. *replay.Engine satisfies it.
type Replayer interface {
	Replay(ctx context.Context, rec capture.CapturedRecord) replay.Outcome
}

// Repository persists the task list. Format is owned by the implementation.
type Repository interface {
	LoadTasks() ([]ReplayTask, error)
	SaveTasks([]ReplayTask) error
}

// armed is the pending timer for one task. gen identifies the arming so a
// callback that lost a race with Stop can recognize itself as stale.
type armed struct {
	timer  Timer
	gen    uint64
	fireAt time.Time
}

// Scheduler owns replay tasks and their pending timers. Thread-safe.
type Scheduler struct {
	replayer Replayer
	repo     Repository // optional
	clock    Clock

	ctx    context.Context
	cancel context.CancelFunc
	fireWg sync.WaitGroup

	mu      sync.Mutex
	tasks   []ReplayTask // insertion order
	timers  map[uuid.UUID]armed
	edits   map[uuid.UUID]uint64 // last add or update, from nextGen
	nextGen uint64
	stopped bool

	subMu      sync.RWMutex
	onExecuted []func(task ReplayTask, success bool, message string)
	onUpdated  []func(tasks []ReplayTask)
}

// New creates a scheduler holding the tasks saved in repo. Loaded tasks are
// not armed until StartAllScheduledTasks.
func New(replayer Replayer, repo Repository, clock Clock) *Scheduler {
	if clock == nil {
		clock = RealClock{}
	}
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		replayer: replayer,
		repo:     repo,
		clock:    clock,
		ctx:      ctx,
		cancel:   cancel,
		timers:   make(map[uuid.UUID]armed),
		edits:    make(map[uuid.UUID]uint64),
	}

	if repo != nil {
		if loaded, err := repo.LoadTasks(); err != nil {
			log.Printf("scheduler: failed to load tasks: %v", err)
		} else {
			s.tasks = loaded
		}
	}
	return s
}

// OnTaskExecuted registers fn to receive the outcome of every fired task.
func (s *Scheduler) OnTaskExecuted(fn func(task ReplayTask, success bool, message string)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.onExecuted = append(s.onExecuted, fn)
}

// OnTasksUpdated registers fn to receive the full task list after each mutation.
func (s *Scheduler) OnTasksUpdated(fn func(tasks []ReplayTask)) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	s.onUpdated = append(s.onUpdated, fn)
}

// AddTask stores task and arms it. A nil ID is replaced with a new one.
func (s *Scheduler) AddTask(task ReplayTask) (ReplayTask, error) {
	repeat, err := ParseRepeatMode(string(task.Repeat))
	if err != nil {
		return ReplayTask{}, err
	}
	task = task.Clone()
	task.Repeat = repeat
	if task.ID == uuid.Nil {
		task.ID = uuid.New()
	}

	s.mu.Lock()
	if s.indexLocked(task.ID) >= 0 {
		s.mu.Unlock()
		return ReplayTask{}, fmt.Errorf("%w: %s", ErrDuplicateTask, task.ID)
	}
	s.tasks = append(s.tasks, task)
	s.markEditedLocked(task.ID)
	s.persistLocked()
	s.armLocked(task)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	log.Printf("scheduler: added task %s (%s) at %s", task.ID, task.Record.DisplayName(), task.ScheduledTime.Format(time.RFC3339))
	s.notifyUpdated(snapshot)
	return task.Clone(), nil
}

// RemoveTask cancels the pending timer for id, then deletes the task.
func (s *Scheduler) RemoveTask(id uuid.UUID) error {
	s.mu.Lock()
	s.disarmLocked(id)
	idx := s.indexLocked(id)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, id)
	}
	s.tasks = slices.Delete(s.tasks, idx, idx+1)
	delete(s.edits, id)
	s.persistLocked()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.notifyUpdated(snapshot)
	return nil
}

// UpdateTask replaces the stored task with the same ID, cancelling its pending
// timer first and re-arming it when enabled.
func (s *Scheduler) UpdateTask(task ReplayTask) error {
	repeat, err := ParseRepeatMode(string(task.Repeat))
	if err != nil {
		return err
	}
	task = task.Clone()
	task.Repeat = repeat

	s.mu.Lock()
	s.disarmLocked(task.ID)
	idx := s.indexLocked(task.ID)
	if idx < 0 {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrTaskNotFound, task.ID)
	}
	s.tasks[idx] = task
	s.markEditedLocked(task.ID)
	s.persistLocked()
	s.armLocked(task)
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.notifyUpdated(snapshot)
	return nil
}

// GetAllTasks returns a copy of every task in insertion order.
func (s *Scheduler) GetAllTasks() []ReplayTask {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshotLocked()
}

// GetTask returns a copy of the task with the given id.
func (s *Scheduler) GetTask(id uuid.UUID) (ReplayTask, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if idx := s.indexLocked(id); idx >= 0 {
		return s.tasks[idx].Clone(), true
	}
	return ReplayTask{}, false
}

// Pending returns the number of armed timers.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.timers)
}

// StartAllScheduledTasks arms every enabled task. Already armed tasks are re-armed.
func (s *Scheduler) StartAllScheduledTasks() {
	s.mu.Lock()
	s.stopped = false
	enabled := bulk.SliceFilter(func(t ReplayTask) bool { return t.Enabled }, s.tasks)
	for _, task := range enabled {
		s.armLocked(task)
	}
	armedCount := len(s.timers)
	s.mu.Unlock()

	log.Printf("scheduler: started %d of %d enabled tasks", armedCount, len(enabled))
}

// StopAllTasks cancels every pending timer. Tasks remain stored and persisted;
// nothing is armed again until StartAllScheduledTasks.
func (s *Scheduler) StopAllTasks() {
	s.mu.Lock()
	s.stopped = true
	for id := range s.timers {
		s.disarmLocked(id)
	}
	s.mu.Unlock()

	log.Printf("scheduler: stopped all tasks")
}

// Close stops all tasks, cancels in-flight replays and waits for them.
func (s *Scheduler) Close() {
	s.StopAllTasks()
	s.cancel()
	s.fireWg.Wait()
}

// NextFireTime returns when task would fire if armed at now. A past
// once-task never fires; recurring tasks advance by whole intervals until
// they are not before now.
func NextFireTime(task ReplayTask, now time.Time) (time.Time, bool) {
	at := task.ScheduledTime
	if !at.Before(now) {
		return at, true
	}
	interval := task.Repeat.Interval()
	if interval <= 0 {
		return time.Time{}, false
	}

	at = at.Add(now.Sub(at) / interval * interval)
	if at.Before(now) {
		at = at.Add(interval)
	}
	return at, true
}

func (s *Scheduler) armLocked(task ReplayTask) {
	s.disarmLocked(task.ID)
	if !task.Enabled || s.stopped {
		return
	}

	now := s.clock.Now()
	fireAt, ok := NextFireTime(task, now)
	if !ok {
		log.Printf("scheduler: task %s scheduled in the past, not armed", task.ID)
		return
	}

	s.nextGen++
	id, gen := task.ID, s.nextGen
	s.timers[id] = armed{
		timer:  s.clock.AfterFunc(fireAt.Sub(now), func() { s.fire(id, gen) }),
		gen:    gen,
		fireAt: fireAt,
	}
}

func (s *Scheduler) markEditedLocked(id uuid.UUID) {
	s.nextGen++
	s.edits[id] = s.nextGen
}

func (s *Scheduler) disarmLocked(id uuid.UUID) {
	if a, ok := s.timers[id]; ok {
		a.timer.Stop()
		delete(s.timers, id)
	}
}

// fire runs on the timer goroutine.
func (s *Scheduler) fire(id uuid.UUID, gen uint64) {
	s.mu.Lock()
	a, ok := s.timers[id]
	idx := s.indexLocked(id)
	if !ok || a.gen != gen || idx < 0 {
		s.mu.Unlock()
		return // removed, updated or stopped after this timer was armed
	}
	delete(s.timers, id)
	task := s.tasks[idx].Clone()
	edit := s.edits[id]
	s.fireWg.Add(1)
	s.mu.Unlock()
	defer s.fireWg.Done()

	out := s.replayer.Replay(s.ctx, task.Record)
	log.Printf("scheduler: task %s fired: success=%t %s", id, out.Success, out.Message)
	s.notifyExecuted(task, out.Success, out.Message)

	s.mu.Lock()
	idx = s.indexLocked(id)
	if _, rearmed := s.timers[id]; rearmed || idx < 0 || s.edits[id] != edit {
		// changed while the replay was in flight, the newer state wins
		s.mu.Unlock()
		return
	}
	if task.Repeat == RepeatOnce {
		s.tasks = slices.Delete(s.tasks, idx, idx+1)
	} else {
		s.tasks[idx].ScheduledTime = a.fireAt.Add(task.Repeat.Interval())
		s.armLocked(s.tasks[idx])
	}
	s.persistLocked()
	snapshot := s.snapshotLocked()
	s.mu.Unlock()

	s.notifyUpdated(snapshot)
}

func (s *Scheduler) indexLocked(id uuid.UUID) int {
	return slices.IndexFunc(s.tasks, func(t ReplayTask) bool { return t.ID == id })
}

func (s *Scheduler) snapshotLocked() []ReplayTask {
	out := make([]ReplayTask, len(s.tasks))
	for i, t := range s.tasks {
		out[i] = t.Clone()
	}
	return out
}

func (s *Scheduler) persistLocked() {
	if s.repo == nil {
		return
	}
	if err := s.repo.SaveTasks(s.snapshotLocked()); err != nil {
		log.Printf("scheduler: failed to save tasks: %v", err)
	}
}

func (s *Scheduler) notifyExecuted(task ReplayTask, success bool, message string) {
	s.subMu.RLock()
	subs := slices.Clone(s.onExecuted)
	s.subMu.RUnlock()

	for _, fn := range subs {
		fn(task.Clone(), success, message)
	}
}

func (s *Scheduler) notifyUpdated(tasks []ReplayTask) {
	s.subMu.RLock()
	subs := slices.Clone(s.onUpdated)
	s.subMu.RUnlock()

	for _, fn := range subs {
		fn(slices.Clone(tasks))
	}
}
