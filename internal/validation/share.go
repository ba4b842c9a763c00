// Package validation implements the share admission pipeline: freshness,
// field bounds, duplicate detection, header assembly and proof-of-work
// verification against the pool and network targets.
package validation

import (
	"encoding/hex"
	stderrors "errors"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/patrickmn/go-cache"

	"github.com/bardlex/scashpool/internal/jobs"
	"github.com/bardlex/scashpool/internal/pow"
	"github.com/bardlex/scashpool/internal/scash"
)

// Config configures the validator.
type Config struct {
	PoolTarget      scash.Target
	Extranonce1Size int
	Extranonce2Size int
	MaxTimeDrift    time.Duration
	DuplicateWindow time.Duration
}

// ShareValidator checks submitted shares against the current job.
type ShareValidator struct {
	jobs     JobSource
	verifier pow.Verifier

	poolTarget      scash.Target
	extranonce1Size int
	extranonce2Size int
	maxTimeDrift    time.Duration

	seen *cache.Cache
	now  func() time.Time
}

// NewShareValidator creates a validator.
func NewShareValidator(cfg Config, source JobSource, verifier pow.Verifier) *ShareValidator {
	if cfg.MaxTimeDrift <= 0 {
		cfg.MaxTimeDrift = 2 * time.Hour
	}
	if cfg.DuplicateWindow <= 0 {
		cfg.DuplicateWindow = 10 * time.Minute
	}
	if cfg.Extranonce1Size <= 0 {
		cfg.Extranonce1Size = 4
	}

	return &ShareValidator{
		jobs:            source,
		verifier:        verifier,
		poolTarget:      cfg.PoolTarget,
		extranonce1Size: cfg.Extranonce1Size,
		extranonce2Size: cfg.Extranonce2Size,
		maxTimeDrift:    cfg.MaxTimeDrift,
		seen:            cache.New(cfg.DuplicateWindow, 2*cfg.DuplicateWindow),
		now:             time.Now,
	}
}

// PoolTarget returns the share target.
func (v *ShareValidator) PoolTarget() scash.Target {
	return v.poolTarget
}

// ValidateShare runs the pipeline and stops at the first failure. Rejections
// are returned as *ShareError.
func (v *ShareValidator) ValidateShare(share *Share) (*Result, error) {
	job := v.jobs.Current()
	if err := v.validateJob(share, job); err != nil {
		return nil, err
	}

	ntime, err := v.validateTime(share)
	if err != nil {
		return nil, err
	}

	nonce, err := validateNonce(share.Nonce)
	if err != nil {
		return nil, err
	}

	en1, en2, err := v.validateExtranonce(share)
	if err != nil {
		return nil, err
	}

	if err := v.checkDuplicate(share); err != nil {
		return nil, err
	}

	return v.validateProofOfWork(job, en1, en2, ntime, nonce)
}

// validateJob checks the share references the current job.
func (v *ShareValidator) validateJob(share *Share, job *jobs.Job) error {
	if job == nil {
		return reject(KindStaleJob, "no current job")
	}
	if share.JobID != job.ID {
		return reject(KindStaleJob, "job %s is not current", share.JobID)
	}
	return nil
}

// validateTime parses ntime as a big-endian hex number and rejects values
// beyond the allowed drift. There is no lower bound.
func (v *ShareValidator) validateTime(share *Share) (uint32, error) {
	ntime, err := parseHexUint(share.NTime)
	if err != nil {
		if stderrors.Is(err, strconv.ErrRange) {
			return 0, reject(KindTimeTooNew, "ntime %s out of range", share.NTime)
		}
		return 0, reject(KindMalformed, "invalid ntime %q", share.NTime)
	}

	limit := v.now().Add(v.maxTimeDrift).Unix()
	if int64(ntime) > limit || ntime > math.MaxUint32 {
		return 0, reject(KindTimeTooNew, "ntime %d exceeds %d", ntime, limit)
	}
	return uint32(ntime), nil
}

func validateNonce(s string) (uint32, error) {
	nonce, err := parseHexUint(s)
	if err != nil {
		if stderrors.Is(err, strconv.ErrRange) {
			return 0, reject(KindNonceOutOfRange, "nonce %s out of range", s)
		}
		return 0, reject(KindMalformed, "invalid nonce %q", s)
	}
	if nonce > math.MaxUint32 {
		return 0, reject(KindNonceOutOfRange, "nonce %s exceeds 32 bits", s)
	}
	return uint32(nonce), nil
}

func (v *ShareValidator) validateExtranonce(share *Share) ([]byte, []byte, error) {
	en1, err := hex.DecodeString(share.Extranonce1)
	if err != nil {
		return nil, nil, reject(KindMalformed, "invalid extranonce1")
	}
	if len(en1) != v.extranonce1Size {
		return nil, nil, reject(KindMalformed, "extranonce1 is %d bytes, want %d", len(en1), v.extranonce1Size)
	}
	en2, err := hex.DecodeString(share.Extranonce2)
	if err != nil {
		return nil, nil, reject(KindMalformed, "invalid extranonce2 %q", share.Extranonce2)
	}
	if len(en2) != v.extranonce2Size {
		return nil, nil, reject(KindMalformed, "extranonce2 is %d bytes, want %d", len(en2), v.extranonce2Size)
	}
	return en1, en2, nil
}

// checkDuplicate records the share's work and rejects a resubmission within
// the duplicate window.
func (v *ShareValidator) checkDuplicate(share *Share) error {
	key := strings.ToLower(strings.Join([]string{
		share.JobID, share.Extranonce1, share.Extranonce2, share.NTime, share.Nonce,
	}, ":"))
	if err := v.seen.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
		return reject(KindDuplicate, "share already submitted")
	}
	return nil
}

// validateProofOfWork assembles the header and verifies it against the pool
// target, then the network target.
func (v *ShareValidator) validateProofOfWork(job *jobs.Job, en1, en2 []byte, ntime, nonce uint32) (*Result, error) {
	coinbase := job.Coinbase.Assemble(en1, en2)
	root := scash.MerkleRootFromBranch(chainhash.DoubleHashH(coinbase), job.MerkleBranch)

	header := scash.Header{
		Version:    job.Version,
		PrevBlock:  job.PrevBlock,
		MerkleRoot: root,
		Time:       ntime,
		Bits:       job.Bits,
		Nonce:      nonce,
	}
	preimage := header.EncodePreimage()

	aux, err := v.verifier.Hash(preimage[:], job.EpochDuration)
	if err != nil {
		return nil, reject(KindVerifierInvalid, "RandomX hash failed: %v", err)
	}
	header.HashRandomX = aux
	full := header.Encode()

	if v.verifier.Verify(full[:], v.poolTarget, job.EpochDuration) == pow.Invalid {
		return nil, reject(KindVerifierInvalid, "proof of work rejected")
	}

	result := &Result{
		Job:            job,
		Header:         full,
		Hash:           header.BlockHash(),
		NetworkVerdict: v.verifier.Verify(full[:], job.NetworkTarget, job.EpochDuration),
	}

	if result.NetworkVerdict == pow.MeetsDifficulty {
		block, err := buildBlock(job, full, coinbase)
		if err != nil {
			result.BlockError = err
			return result, nil
		}
		result.BlockCandidate = true
		result.BlockHex = hex.EncodeToString(block)
	}

	return result, nil
}

func buildBlock(job *jobs.Job, header [scash.HeaderSize]byte, coinbase []byte) ([]byte, error) {
	if job.Witness {
		var err error
		coinbase, err = scash.WithWitnessReserved(coinbase)
		if err != nil {
			return nil, err
		}
	}
	return scash.AssembleBlock(header, coinbase, job.Transactions), nil
}

func parseHexUint(s string) (uint64, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	if s == "" {
		return 0, strconv.ErrSyntax
	}
	return strconv.ParseUint(s, 16, 64)
}
