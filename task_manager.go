package printmutex

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/robfig/cron"
)

// CriticalSection runs a function while holding the distributed critical
// section. Peer implements this interface.
type CriticalSection interface {
	WithCriticalSection(ctx context.Context, fn func(ctx context.Context) error) error
}

// ExecTaskFunc defines the function signature for executing a task.
// TaskManager will call this function inside the critical section.
type ExecTaskFunc func(ctx context.Context, execTime time.Time, taskID string) error

// Task represents a scheduled task in the TaskManager.
type Task struct {
	// Name identifies the task in logs.
	Name string
	// Function to execute the task.
	ExecFn ExecTaskFunc
	// Timeout bounds both the wait for the critical section and the
	// execution itself.
	Timeout time.Duration
	// Cron with special support for seconds if needed.
	// Ex: "* * * * * *" for every second
	// Normal format also supported.
	Cron string
}

// TaskManager runs scheduled print jobs, each one inside the critical section.
type TaskManager struct {
	cs          CriticalSection
	tasks       []*Task
	cronManager *cron.Cron
	logg        *slog.Logger
}

func NewTaskManager(cs CriticalSection, logg *slog.Logger) *TaskManager {
	return &TaskManager{
		cs:          cs,
		cronManager: cron.New(),
		tasks:       make([]*Task, 0),
		logg:        logg.With("component", "printmutex_task_manager"),
	}
}

// RegisterTasks registers new tasks to be managed by the TaskManager.
func (tm *TaskManager) RegisterTasks(tasks []*Task) error {
	for _, task := range tasks {
		err := tm.cronManager.AddFunc(task.Cron, func() {
			tm.handleTask(task)
		})

		if err != nil {
			tm.logg.Error("Failed to register task", "task", task.Name, "error", err)
			return err
		}

		tm.tasks = append(tm.tasks, task)
	}

	tm.logg.Debug("Tasks registered", "count", len(tasks))

	return nil
}

// Start initializes and starts the TaskManager.
func (tm *TaskManager) Start() {
	tm.cronManager.Start()
	tm.logg.Info("TaskManager started")
}

// Stop stops the TaskManager. Running tasks are not interrupted.
func (tm *TaskManager) Stop() {
	tm.cronManager.Stop()
	tm.logg.Info("TaskManager stopped")
}

func (tm *TaskManager) handleTask(task *Task) {
	ctx, cancel := context.WithTimeout(context.Background(), task.Timeout)
	defer cancel()

	err := tm.cs.WithCriticalSection(ctx, func(ctx context.Context) error {
		tm.logg.Info("Executing task", "task", task.Name)

		return task.ExecFn(ctx, time.Now(), task.Name)
	})

	switch {
	case err == nil:
		tm.logg.Info("Task executed successfully", "task", task.Name)
	case errors.Is(err, ErrInvalidState):
		// the previous firing still holds or awaits the section
		tm.logg.Warn("Skipping task, critical section busy", "task", task.Name)
	case errors.Is(err, context.DeadlineExceeded):
		tm.logg.Error("Task execution timed out", "task", task.Name, "timeout", task.Timeout)
	default:
		tm.logg.Error("Failed to execute task", "task", task.Name, "error", err)
	}
}
