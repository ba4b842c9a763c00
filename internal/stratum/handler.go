package stratum

import (
	"context"
	"time"

	"github.com/bardlex/scashpool/internal/jobs"
	"github.com/bardlex/scashpool/internal/validation"
)

// Authenticator checks worker credentials on mining.authorize.
type Authenticator interface {
	Authenticate(ctx context.Context, username, password string) (bool, error)
}

// AcceptAll authorizes every worker.
type AcceptAll struct{}

// Authenticate always succeeds.
func (AcceptAll) Authenticate(context.Context, string, string) (bool, error) {
	return true, nil
}

// ShareHandler validates and accounts a submitted share. A nil error means
// the share was accepted; a *validation.ShareError is a rejection.
type ShareHandler interface {
	HandleShare(ctx context.Context, share *validation.Share) error
}

// JobSource provides the job sent to newly subscribed sessions.
type JobSource interface {
	Current() *jobs.Job
}

// ExtranonceAllocator hands out extranonce1 values unique among open
// sessions.
type ExtranonceAllocator interface {
	Allocate() (string, error)
	Release(extranonce1 string)
}

// Settings is the pool-wide configuration a session reads. It is copied
// into each session and never changes.
type Settings struct {
	Difficulty      float64
	Extranonce2Size int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	SendBufferSize  int
	MaxLineSize     int
}

// Deps are the collaborators a session calls into.
type Deps struct {
	Auth        Authenticator
	Shares      ShareHandler
	Jobs        JobSource
	Extranonces ExtranonceAllocator
	// OnClose runs once when the session ends.
	OnClose func(*Session)
}
