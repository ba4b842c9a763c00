package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// ErrWorkerNotFound is returned when no worker has the requested name.
var ErrWorkerNotFound = errors.New("worker not found")

// BlockRepository handles found-block records
type BlockRepository struct {
	db *sql.DB
}

// NewBlockRepository creates a new block repository
func NewBlockRepository(db *sql.DB) *BlockRepository {
	return &BlockRepository{db: db}
}

// CreateBlock inserts a block record. A block already recorded under the
// same hash is left untouched.
func (r *BlockRepository) CreateBlock(ctx context.Context, block *Block) error {
	query := `
		INSERT INTO blocks (height, hash, prev_hash, bits, nonce, share_id, job_id, worker_name,
		                    coinbase_value, status, error_message, latency_ms, found_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)
		ON CONFLICT (hash) DO NOTHING
		RETURNING id`

	err := r.db.QueryRowContext(ctx, query,
		block.Height, block.Hash, block.PrevHash, block.Bits, block.Nonce,
		block.ShareID, block.JobID, block.WorkerName, block.CoinbaseValue,
		block.Status, block.ErrorMessage, block.LatencyMs, block.FoundAt,
	).Scan(&block.ID)

	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("failed to create block: %w", err)
	}

	return nil
}

// WorkerRepository handles worker credential lookups
type WorkerRepository struct {
	db *sql.DB
}

// NewWorkerRepository creates a new worker repository
func NewWorkerRepository(db *sql.DB) *WorkerRepository {
	return &WorkerRepository{db: db}
}

// GetWorkerByName retrieves a worker by its full name
func (r *WorkerRepository) GetWorkerByName(ctx context.Context, name string) (*Worker, error) {
	query := `
		SELECT id, name, password, is_active, created_at, updated_at, last_seen_at
		FROM workers
		WHERE name = $1`

	worker := &Worker{}
	err := r.db.QueryRowContext(ctx, query, name).Scan(
		&worker.ID, &worker.Name, &worker.Password, &worker.IsActive,
		&worker.CreatedAt, &worker.UpdatedAt, &worker.LastSeenAt,
	)

	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrWorkerNotFound
		}
		return nil, fmt.Errorf("failed to get worker: %w", err)
	}

	return worker, nil
}

// UpdateWorkerLastSeen updates the worker's last seen timestamp
func (r *WorkerRepository) UpdateWorkerLastSeen(ctx context.Context, workerID int64) error {
	query := `UPDATE workers SET last_seen_at = $1, updated_at = $2 WHERE id = $3`
	now := time.Now()

	_, err := r.db.ExecContext(ctx, query, now, now, workerID)
	if err != nil {
		return fmt.Errorf("failed to update worker last seen: %w", err)
	}

	return nil
}
