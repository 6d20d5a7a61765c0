package registry

import (
	"context"
	"fmt"
	"log/slog"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/spachava753/dcbothub/internal/models"
)

// taskIDWidth keeps ids lexically sorted in creation order up to 10^8 tasks.
const taskIDWidth = 8

// Task is a maintenance subprocess and what it was started for.
type Task struct {
	ID     string
	Bot    string
	Kind   models.TaskKind
	Serial uint64
	Proc   *Process
}

// Tasks maps task ids to maintenance subprocesses.
//
// Tasks is not safe for concurrent use; the dispatch loop owns it.
type Tasks struct {
	next    uint64
	records map[string]*Task
}

// NewTasks creates an empty task registry.
func NewTasks() *Tasks {
	return &Tasks{records: make(map[string]*Task)}
}

// FormatTaskID renders a serial number as a task id.
func FormatTaskID(serial uint64) string {
	return fmt.Sprintf("%0*d", taskIDWidth, serial)
}

// Create spawns spec as a task for bot and returns the new task id. A spawn
// failure still consumes an id and is recorded.
func (r *Tasks) Create(bot string, kind models.TaskKind, spec models.CommandSpec) string {
	serial := r.next
	r.next++

	t := &Task{
		ID:     FormatTaskID(serial),
		Bot:    bot,
		Kind:   kind,
		Serial: serial,
		Proc:   Spawn(spec),
	}
	if st := t.Proc.Status(); st.State == StateSpawnFailed {
		slog.Warn("task failed to spawn", "task", t.ID, "bot", bot, "kind", kind.String(), "command", spec.String(), "error", st.Message)
	} else {
		slog.Info("task spawned", "task", t.ID, "bot", bot, "kind", kind.String(), "pid", t.Proc.Pid())
	}
	r.records[t.ID] = t
	return t.ID
}

// Get returns the task with the given id.
func (r *Tasks) Get(id string) (*Task, bool) {
	t, ok := r.records[id]
	return t, ok
}

// List returns all tasks ordered by id, which is creation order.
func (r *Tasks) List() []*Task {
	tasks := make([]*Task, 0, len(r.records))
	for _, t := range r.records {
		tasks = append(tasks, t)
	}
	slices.SortFunc(tasks, func(a, b *Task) int {
		switch {
		case a.Serial < b.Serial:
			return -1
		case a.Serial > b.Serial:
			return 1
		}
		return 0
	})
	return tasks
}

// Status polls the task with the given id.
func (r *Tasks) Status(id string) (Status, bool) {
	t, ok := r.records[id]
	if !ok {
		return Status{}, false
	}
	return t.Proc.Status(), true
}

// Terminate sends SIGKILL to the task's process.
func (r *Tasks) Terminate(id string) error {
	t, ok := r.records[id]
	if !ok {
		return models.ErrNotFound
	}
	if err := t.Proc.Kill(); err != nil {
		return err
	}
	slog.Info("task terminated", "task", id, "pid", t.Proc.Pid())
	return nil
}

// Wait blocks until the task's process exits. The record stays in place for
// a later Finish.
func (r *Tasks) Wait(ctx context.Context, id string) (alreadyExited bool, err error) {
	t, ok := r.records[id]
	if !ok {
		return false, models.ErrNotFound
	}
	return t.Proc.Wait(ctx)
}

// Finish returns the exit code and captured output of an exited task and
// removes it. ErrNotFound and ErrStillRunning are distinct outcomes.
func (r *Tasks) Finish(id string) (Output, error) {
	t, ok := r.records[id]
	if !ok {
		return Output{}, models.ErrNotFound
	}
	out, err := t.Proc.Collect()
	switch {
	case err == nil, t.Proc.Status().State == StateSpawnFailed:
		t.Proc.Close()
		delete(r.records, id)
		return out, err
	default:
		return Output{}, fmt.Errorf("finishing task %s: %w", id, err)
	}
}

// KillAll force-kills every running task, waits for it to be reaped and
// discards all records.
func (r *Tasks) KillAll() {
	procs := make(map[string]*Process, len(r.records))
	for id, t := range r.records {
		procs[id] = t.Proc
	}
	teardown(procs, "task")
	r.records = make(map[string]*Task)
}

// teardown kills and reaps all running processes in parallel.
func teardown(procs map[string]*Process, kind string) {
	var g errgroup.Group
	for key, p := range procs {
		g.Go(func() error {
			if p.Status().State == StateRunning {
				slog.Info("killing on shutdown", kind, key, "pid", p.Pid())
			}
			p.terminate()
			return nil
		})
	}
	_ = g.Wait()
}
