package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/kale-workflow/kale/internal/model"
	"github.com/mattn/go-sqlite3"
)

const workerSchema = `
CREATE TABLE IF NOT EXISTS workers (
	id TEXT PRIMARY KEY,
	protocol TEXT NOT NULL,
	host TEXT NOT NULL,
	port INTEGER NOT NULL
);
`

// WorkerStore is the manager's registry of live workers.
type WorkerStore struct {
	db *sql.DB
}

func NewWorkerStore(ctx context.Context) (*WorkerStore, error) {
	db, err := openMemory(ctx, workerSchema)
	if err != nil {
		return nil, fmt.Errorf("worker store: %w", err)
	}
	return &WorkerStore{db: db}, nil
}

func (s *WorkerStore) Close() error {
	return s.db.Close()
}

// Add registers a worker. A worker id already present is rejected with
// model.ErrWorkerExists.
func (s *WorkerStore) Add(ctx context.Context, w model.Worker) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO workers (id, protocol, host, port) VALUES (?, ?, ?, ?)`,
		w.ID, w.Protocol, w.Host, w.Port,
	)
	var serr sqlite3.Error
	if errors.As(err, &serr) && serr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey {
		return fmt.Errorf("worker %s: %w", w.ID, model.ErrWorkerExists)
	}
	if err != nil {
		return fmt.Errorf("adding worker %s: %w", w.ID, err)
	}
	return nil
}

func (s *WorkerStore) Find(ctx context.Context, id string) (model.Worker, error) {
	var w model.Worker
	err := s.db.QueryRowContext(ctx,
		`SELECT id, protocol, host, port FROM workers WHERE id = ?`, id,
	).Scan(&w.ID, &w.Protocol, &w.Host, &w.Port)
	if errors.Is(err, sql.ErrNoRows) {
		return model.Worker{}, fmt.Errorf("worker %s: %w", id, model.ErrWorkerNotFound)
	}
	if err != nil {
		return model.Worker{}, fmt.Errorf("finding worker %s: %w", id, err)
	}
	return w, nil
}

func (s *WorkerStore) List(ctx context.Context) ([]model.Worker, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, protocol, host, port FROM workers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("listing workers: %w", err)
	}
	defer rows.Close()

	workers := []model.Worker{}
	for rows.Next() {
		var w model.Worker
		if err := rows.Scan(&w.ID, &w.Protocol, &w.Host, &w.Port); err != nil {
			return nil, fmt.Errorf("listing workers: %w", err)
		}
		workers = append(workers, w)
	}
	return workers, rows.Err()
}

func (s *WorkerStore) Remove(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM workers WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("removing worker %s: %w", id, err)
	}
	if err := affected(res, model.ErrWorkerNotFound); err != nil {
		return fmt.Errorf("worker %s: %w", id, err)
	}
	return nil
}

func (s *WorkerStore) Count(ctx context.Context) (int, error) {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM workers`).Scan(&n); err != nil {
		return 0, fmt.Errorf("counting workers: %w", err)
	}
	return n, nil
}
