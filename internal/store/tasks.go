package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kale-workflow/kale/internal/model"
)

const taskSchema = `
CREATE TABLE IF NOT EXISTS tasks (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	target BLOB,
	call TEXT NOT NULL,
	args BLOB,
	kwargs BLOB,
	name TEXT NOT NULL DEFAULT '',
	pid INTEGER NOT NULL DEFAULT -1
);
`

const taskColumns = `id, target, call, args, kwargs, name, pid`

// TaskStore is the task registry of a single worker.
type TaskStore struct {
	db *sql.DB
}

func NewTaskStore(ctx context.Context) (*TaskStore, error) {
	db, err := openMemory(ctx, taskSchema)
	if err != nil {
		return nil, fmt.Errorf("task store: %w", err)
	}
	return &TaskStore{db: db}, nil
}

func (s *TaskStore) Close() error {
	return s.db.Close()
}

// Add stores the task as-is and returns its new id. ID and PID of the
// argument are ignored.
func (s *TaskStore) Add(ctx context.Context, task model.Task) (int64, error) {
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (target, call, args, kwargs, name, pid) VALUES (?, ?, ?, ?, ?, ?)`,
		[]byte(task.Target), task.Call, []byte(task.Args), []byte(task.Kwargs), task.Name, model.NoPID,
	)
	if err != nil {
		return 0, fmt.Errorf("adding task: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("adding task: %w", err)
	}
	return id, nil
}

func (s *TaskStore) Find(ctx context.Context, id int64) (model.Task, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Task{}, fmt.Errorf("task %d: %w", id, model.ErrTaskNotFound)
	}
	if err != nil {
		return model.Task{}, fmt.Errorf("finding task %d: %w", id, err)
	}
	return task, nil
}

func (s *TaskStore) List(ctx context.Context) ([]model.Task, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	tasks := []model.Task{}
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("listing tasks: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

func (s *TaskStore) UpdatePID(ctx context.Context, id int64, pid int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET pid = ? WHERE id = ?`, pid, id)
	if err != nil {
		return fmt.Errorf("updating task %d: %w", id, err)
	}
	if err := affected(res, model.ErrTaskNotFound); err != nil {
		return fmt.Errorf("task %d: %w", id, err)
	}
	return nil
}

func (s *TaskStore) Remove(ctx context.Context, id int64) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("removing task %d: %w", id, err)
	}
	if err := affected(res, model.ErrTaskNotFound); err != nil {
		return fmt.Errorf("task %d: %w", id, err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(row scanner) (model.Task, error) {
	var t model.Task
	var target, args, kwargs []byte
	if err := row.Scan(&t.ID, &target, &t.Call, &args, &kwargs, &t.Name, &t.PID); err != nil {
		return model.Task{}, err
	}
	t.Target, t.Args, t.Kwargs = target, args, kwargs
	return t, nil
}
