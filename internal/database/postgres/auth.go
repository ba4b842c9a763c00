package postgres

import (
	"context"
	"crypto/subtle"
	"errors"
	"strings"

	"github.com/bardlex/scashpool/pkg/log"
)

// WorkerStore finds workers by name and records when they were last seen.
type WorkerStore interface {
	GetWorkerByName(ctx context.Context, name string) (*Worker, error)
	UpdateWorkerLastSeen(ctx context.Context, workerID int64) error
}

// Authenticator authorizes Stratum workers registered in the workers table.
// A "account.rig" login that has no row of its own falls back to the
// account row. An empty stored password accepts any password. A successful
// login stamps the matched row's last_seen_at.
type Authenticator struct {
	workers WorkerStore
	logger  *log.Logger
}

// NewAuthenticator creates an authenticator over workers.
func NewAuthenticator(workers WorkerStore, logger *log.Logger) *Authenticator {
	return &Authenticator{workers: workers, logger: logger}
}

// Authenticate reports whether username and password match an active
// worker. Lookup failures other than a missing worker are returned.
func (a *Authenticator) Authenticate(ctx context.Context, username, password string) (bool, error) {
	if username == "" {
		return false, nil
	}

	worker, err := a.lookup(ctx, username)
	if errors.Is(err, ErrWorkerNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}

	if !worker.IsActive {
		return false, nil
	}
	if worker.Password != "" && subtle.ConstantTimeCompare([]byte(worker.Password), []byte(password)) != 1 {
		return false, nil
	}

	// Last-seen is bookkeeping; a failed update does not refuse the miner.
	if err := a.workers.UpdateWorkerLastSeen(ctx, worker.ID); err != nil {
		a.logger.WithError(err).Warn("failed to update worker last seen", "worker", worker.Name)
	}
	return true, nil
}

func (a *Authenticator) lookup(ctx context.Context, username string) (*Worker, error) {
	worker, err := a.workers.GetWorkerByName(ctx, username)
	if !errors.Is(err, ErrWorkerNotFound) {
		return worker, err
	}

	account, _, found := strings.Cut(username, ".")
	if !found || account == "" {
		return nil, ErrWorkerNotFound
	}
	return a.workers.GetWorkerByName(ctx, account)
}
