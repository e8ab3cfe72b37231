// Package heartbeat runs the pending tasks of HEARTBEAT.md on a fixed interval,
// restricted to a daily active-hours window.
package heartbeat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/starford/mimir/internal/parser"
	"github.com/starford/mimir/internal/session"
	"github.com/starford/mimir/internal/workspace"
)

// DefaultInterval is used when Config.Interval is zero.
const DefaultInterval = 30 * time.Minute

// State of the scheduler loop.
type State int32

const (
	StateIdle State = iota
	StateWaiting
	StateRunning
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateWaiting:
		return "waiting"
	case StateRunning:
		return "running"
	case StateStopped:
		return "stopped"
	default:
		return "idle"
	}
}

// TaskRunner executes one task goal. session.Manager implements it.
type TaskRunner interface {
	RunTask(ctx context.Context, goal string) (*session.Reply, error)
}

// Config controls when the scheduler fires.
type Config struct {
	Interval time.Duration
	// ActiveHours restricts execution to a daily window; nil means always.
	ActiveHours *ActiveHours
}

// Event reports scheduler progress to observers.
type Event struct {
	Type string
	Data any
}

// Event types.
const (
	EventSkipped  = "heartbeat.skipped"
	EventStarted  = "heartbeat.started"
	EventTask     = "heartbeat.task"
	EventFinished = "heartbeat.finished"
)

// TaskError records why one task failed.
type TaskError struct {
	Task string
	Line int
	Err  error
}

func (e *TaskError) Error() string {
	return fmt.Sprintf("heartbeat: task %q (line %d): %v", e.Task, e.Line+1, e.Err)
}

func (e *TaskError) Unwrap() error { return e.Err }

// TaskResult is the outcome of one task.
type TaskResult struct {
	Description string        `json:"description"`
	Line        int           `json:"line"`
	Status      parser.Status `json:"status"`
	Output      string        `json:"output,omitempty"`
	Err         error         `json:"-"`
	Error       string        `json:"error,omitempty"`
	Warnings    []string      `json:"warnings,omitempty"`
}

// TickResult is the outcome of one tick.
type TickResult struct {
	RunID      string       `json:"run_id"`
	StartedAt  time.Time    `json:"started_at"`
	FinishedAt time.Time    `json:"finished_at"`
	Skipped    bool         `json:"skipped"`
	Reason     string       `json:"reason,omitempty"`
	Tasks      []TaskResult `json:"tasks"`
}

// Failed counts the tasks marked failed.
func (r *TickResult) Failed() int {
	n := 0
	for _, t := range r.Tasks {
		if t.Status == parser.Failed {
			n++
		}
	}
	return n
}

// Snapshot is the observable scheduler state.
type Snapshot struct {
	State       string      `json:"state"`
	Interval    string      `json:"interval"`
	ActiveHours string      `json:"active_hours"`
	NextTick    time.Time   `json:"next_tick,omitzero"`
	LastRun     *TickResult `json:"last_run,omitempty"`
}

// Scheduler drives HEARTBEAT.md tasks through a TaskRunner.
type Scheduler struct {
	cfg     Config
	ws      *workspace.Workspace
	runner  TaskRunner
	logger  *slog.Logger
	now     func() time.Time
	onEvent func(Event)

	state atomic.Int32

	// batch serialises task batches; a tick arriving mid-batch waits for it.
	batch sync.Mutex

	mu   sync.Mutex
	next time.Time
	last *TickResult
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the time source used for active-hours checks and timestamps.
func WithClock(now func() time.Time) Option {
	return func(s *Scheduler) { s.now = now }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// WithEvents registers fn to receive progress events. fn must not block.
func WithEvents(fn func(Event)) Option {
	return func(s *Scheduler) { s.onEvent = fn }
}

// New returns an idle Scheduler.
func New(cfg Config, ws *workspace.Workspace, runner TaskRunner, opts ...Option) *Scheduler {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	s := &Scheduler{
		cfg:    cfg,
		ws:     ws,
		runner: runner,
		logger: slog.Default(),
		now:    time.Now,
	}
	for _, o := range opts {
		o(s)
	}
	return s
}

// State returns the loop state.
func (s *Scheduler) State() State { return State(s.state.Load()) }

// Snapshot returns the current state, next tick and last result.
func (s *Scheduler) Snapshot() Snapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Snapshot{
		State:       s.State().String(),
		Interval:    s.cfg.Interval.String(),
		ActiveHours: s.cfg.ActiveHours.String(),
		NextTick:    s.next,
		LastRun:     s.last,
	}
}

// Run ticks every interval until ctx is cancelled. Ticks are never caught up: a
// skipped or late tick is followed by the next one a full interval later.
func (s *Scheduler) Run(ctx context.Context) error {
	s.logger.Info("heartbeat: started",
		slog.Duration("interval", s.cfg.Interval),
		slog.String("active_hours", s.cfg.ActiveHours.String()))
	defer func() {
		s.state.Store(int32(StateStopped))
		s.logger.Info("heartbeat: stopped")
	}()

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()
	for {
		s.setNext(s.now().Add(s.cfg.Interval))
		s.state.Store(int32(StateWaiting))

		select {
		case <-ctx.Done():
			return nil
		case <-timer.C:
		}

		if _, err := s.RunOnce(ctx, false); err != nil && ctx.Err() == nil {
			s.logger.Error("heartbeat: tick failed", slog.String("error", err.Error()))
		}
		timer.Reset(s.cfg.Interval)
	}
}

func (s *Scheduler) setNext(t time.Time) {
	s.mu.Lock()
	s.next = t
	s.mu.Unlock()
}

// RunOnce executes one tick. Outside active hours nothing runs unless force is set.
// It blocks while another batch is in progress. A task failure is recorded in the
// result and never stops the batch; the returned error covers reading the task
// list and cancellation.
func (s *Scheduler) RunOnce(ctx context.Context, force bool) (*TickResult, error) {
	s.batch.Lock()
	defer s.batch.Unlock()

	res := &TickResult{RunID: uuid.NewString(), StartedAt: s.now()}
	logger := s.logger.With(slog.String("run", res.RunID))

	if !force && !s.cfg.ActiveHours.Contains(res.StartedAt) {
		res.Skipped = true
		res.Reason = "outside active hours " + s.cfg.ActiveHours.String()
		res.FinishedAt = res.StartedAt
		logger.Debug("heartbeat: tick skipped", slog.String("reason", res.Reason))
		s.finish(res)
		s.emit(EventSkipped, res)
		return res, nil
	}

	doc, err := s.ws.ReadTasks()
	if err != nil {
		return nil, err
	}
	pending := doc.Pending()
	if len(pending) == 0 {
		res.FinishedAt = s.now()
		logger.Debug("heartbeat: no pending tasks")
		s.finish(res)
		return res, nil
	}

	prev := s.State()
	s.state.Store(int32(StateRunning))
	defer s.state.Store(int32(prev))

	logger.Info("heartbeat: running tasks", slog.Int("pending", len(pending)))
	s.emit(EventStarted, res)

	var runErr error
	for _, task := range pending {
		if err := ctx.Err(); err != nil {
			runErr = err
			break
		}
		tr, cancelled := s.runTask(ctx, logger, task)
		if cancelled {
			runErr = ctx.Err()
			break
		}
		res.Tasks = append(res.Tasks, tr)
		s.emit(EventTask, tr)
	}

	res.FinishedAt = s.now()
	s.finish(res)
	s.emit(EventFinished, res)
	logger.Info("heartbeat: tasks done",
		slog.Int("ran", len(res.Tasks)),
		slog.Int("failed", res.Failed()),
		slog.Duration("took", res.FinishedAt.Sub(res.StartedAt)))
	return res, runErr
}

// runTask executes one task and records its outcome in HEARTBEAT.md and the daily
// log. cancelled is true when ctx ended during the run; the task is left pending.
func (s *Scheduler) runTask(ctx context.Context, logger *slog.Logger, task parser.Task) (TaskResult, bool) {
	tr := TaskResult{Description: task.Description, Line: task.Line}

	reply, err := s.runner.RunTask(ctx, task.Description)
	if err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
		logger.Info("heartbeat: task interrupted", slog.String("task", task.Description))
		return tr, true
	}

	heading := "Heartbeat: " + task.Description
	var body string
	if err != nil {
		tr.Err = &TaskError{Task: task.Description, Line: task.Line, Err: err}
		tr.Error = tr.Err.Error()
		tr.Status = parser.Failed
		body = "Failed: " + err.Error()
		logger.Warn("heartbeat: task failed", slog.String("task", task.Description), slog.String("error", err.Error()))
	} else {
		tr.Status = parser.Done
		tr.Output = reply.Content
		tr.Warnings = append(tr.Warnings, reply.Warnings...)
		body = reply.Content
		logger.Info("heartbeat: task done", slog.String("task", task.Description))
	}

	if err := s.ws.SetTaskStatus(task, tr.Status); err != nil {
		tr.Warnings = append(tr.Warnings, "status not updated: "+err.Error())
		logger.Warn("heartbeat: mark task failed", slog.String("task", task.Description), slog.String("error", err.Error()))
	}
	if _, err := s.ws.AppendDailyLog(heading, body); err != nil {
		tr.Warnings = append(tr.Warnings, "result not logged: "+err.Error())
		logger.Warn("heartbeat: log result failed", slog.String("task", task.Description), slog.String("error", err.Error()))
	}
	return tr, false
}

func (s *Scheduler) finish(res *TickResult) {
	s.mu.Lock()
	s.last = res
	s.mu.Unlock()
}

func (s *Scheduler) emit(typ string, data any) {
	if s.onEvent != nil {
		s.onEvent(Event{Type: typ, Data: data})
	}
}
