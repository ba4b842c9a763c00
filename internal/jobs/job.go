// Package jobs turns node block templates into immutable Stratum jobs and
// keeps the current one.
package jobs

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/scashpool/internal/scash"
	"github.com/bardlex/scashpool/pkg/errors"
)

// Job is one unit of work. It is never modified after it is published.
type Job struct {
	ID            string
	PrevBlock     chainhash.Hash
	Coinbase      scash.Coinbase
	MerkleBranch  []chainhash.Hash
	Version       int32
	Bits          uint32
	NTime         uint32
	CleanJobs     bool
	Height        int64
	NetworkTarget scash.Target
	EpochDuration uint32

	CoinbaseValue int64
	Transactions  [][]byte
	Witness       bool
	CreatedAt     time.Time
}

// PrevHashHex is the previous block hash in wire byte order.
func (j *Job) PrevHashHex() string {
	return hex.EncodeToString(j.PrevBlock[:])
}

// Coinbase1Hex returns the first coinbase fragment.
func (j *Job) Coinbase1Hex() string {
	return hex.EncodeToString(j.Coinbase.Coinbase1)
}

// Coinbase2Hex returns the second coinbase fragment.
func (j *Job) Coinbase2Hex() string {
	return hex.EncodeToString(j.Coinbase.Coinbase2)
}

// MerkleBranchHex returns the branch hashes in internal byte order.
func (j *Job) MerkleBranchHex() []string {
	branch := make([]string, len(j.MerkleBranch))
	for i := range j.MerkleBranch {
		branch[i] = hex.EncodeToString(j.MerkleBranch[i][:])
	}
	return branch
}

// VersionHex returns the block version as 8 hex digits.
func (j *Job) VersionHex() string {
	return fmt.Sprintf("%08x", uint32(j.Version))
}

// BitsHex returns the compact target as 8 hex digits.
func (j *Job) BitsHex() string {
	return fmt.Sprintf("%08x", j.Bits)
}

// NTimeHex returns the job time as 8 hex digits.
func (j *Job) NTimeHex() string {
	return fmt.Sprintf("%08x", j.NTime)
}

// BuildParams holds the pool-side inputs for turning a template into a job.
type BuildParams struct {
	PayoutScript   []byte
	Tag            string
	ExtranonceSize int
	EpochDuration  uint32
}

// Build converts a template into a job with the given id.
func Build(id string, tmpl *scash.BlockTemplate, p BuildParams) (*Job, error) {
	const op = "build_job"

	prev, err := chainhash.NewHashFromStr(tmpl.PreviousBlockHash)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, op, "invalid previous block hash")
	}

	bits, err := strconv.ParseUint(tmpl.Bits, 16, 32)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, op, "invalid bits").
			WithContext("bits", tmpl.Bits)
	}
	target, err := scash.CompactToTarget(uint32(bits))
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, op, "invalid network target")
	}

	var commitment []byte
	if tmpl.DefaultWitnessCommitment != "" {
		commitment, err = hex.DecodeString(tmpl.DefaultWitnessCommitment)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, op, "invalid witness commitment")
		}
	}

	coinbase, err := scash.BuildCoinbase(scash.CoinbaseParams{
		Height:            tmpl.Height,
		Value:             tmpl.CoinbaseValue,
		PayoutScript:      p.PayoutScript,
		Tag:               p.Tag,
		ExtranonceSize:    p.ExtranonceSize,
		WitnessCommitment: commitment,
	})
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeValidation, op, "failed to build coinbase")
	}

	txs := make([][]byte, len(tmpl.Transactions))
	txids := make([]chainhash.Hash, len(tmpl.Transactions))
	for i, tx := range tmpl.Transactions {
		raw, err := hex.DecodeString(tx.Data)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, op, "invalid transaction data").
				WithContext("index", i)
		}
		txid, err := scash.TxID(raw)
		if err != nil {
			return nil, errors.Wrap(err, errors.ErrorTypeValidation, op, "undecodable template transaction").
				WithContext("index", i)
		}
		txs[i] = raw
		txids[i] = txid
	}

	epoch := tmpl.RXEpochDuration
	if epoch == 0 {
		epoch = p.EpochDuration
	}

	return &Job{
		ID:            id,
		PrevBlock:     *prev,
		Coinbase:      *coinbase,
		MerkleBranch:  scash.MerkleBranch(txids),
		Version:       tmpl.Version,
		Bits:          uint32(bits),
		NTime:         uint32(tmpl.CurTime),
		CleanJobs:     true,
		Height:        tmpl.Height,
		NetworkTarget: target,
		EpochDuration: epoch,
		CoinbaseValue: tmpl.CoinbaseValue,
		Transactions:  txs,
		Witness:       len(commitment) > 0,
		CreatedAt:     time.Now(),
	}, nil
}
