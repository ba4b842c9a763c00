package validation

import (
	stderrors "errors"
	"fmt"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/scashpool/internal/jobs"
	"github.com/bardlex/scashpool/internal/pow"
	"github.com/bardlex/scashpool/internal/scash"
)

// Share is one mining.submit, tagged with the submitting session's data.
type Share struct {
	JobID       string
	WorkerName  string
	Extranonce1 string
	Extranonce2 string
	NTime       string
	Nonce       string
	Difficulty  float64

	SessionID   string
	RemoteAddr  string
	SubmittedAt time.Time
}

// ErrorKind classifies a rejected share.
type ErrorKind string

// Rejection kinds.
const (
	KindStaleJob        ErrorKind = "STALE_JOB"
	KindTimeTooNew      ErrorKind = "TIME_TOO_NEW"
	KindNonceOutOfRange ErrorKind = "NONCE_OUT_OF_RANGE"
	KindMalformed       ErrorKind = "MALFORMED"
	KindDuplicate       ErrorKind = "DUPLICATE"
	KindVerifierInvalid ErrorKind = "VERIFIER_INVALID"
)

// ShareError is a share rejection. Every kind maps to Stratum error 20.
type ShareError struct {
	Kind    ErrorKind
	Message string
}

func (e *ShareError) Error() string {
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func reject(kind ErrorKind, format string, args ...any) *ShareError {
	return &ShareError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the rejection kind of err, if it is a ShareError.
func KindOf(err error) (ErrorKind, bool) {
	var se *ShareError
	if stderrors.As(err, &se) {
		return se.Kind, true
	}
	return "", false
}

// Result describes an accepted share.
type Result struct {
	Job            *jobs.Job
	Header         [scash.HeaderSize]byte
	Hash           chainhash.Hash
	NetworkVerdict pow.Verdict

	// BlockCandidate is set when the share also meets the network target.
	// BlockHex then holds the serialized block.
	BlockCandidate bool
	BlockHex       string

	// BlockError is set when the share met the network target but the block
	// could not be assembled. The share itself stays valid.
	BlockError error
}

// JobSource provides the job shares are validated against.
type JobSource interface {
	Current() *jobs.Job
}
