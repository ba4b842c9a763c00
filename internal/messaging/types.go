package messaging

import (
	"time"

	"github.com/bardlex/scashpool/internal/jobs"
)

// Share and block status values.
const (
	StatusValid    = "valid"
	StatusInvalid  = "invalid"
	StatusAccepted = "accepted"
	StatusRejected = "rejected"
)

// JobMessage is the published form of a job.
type JobMessage struct {
	JobID         string    `json:"job_id"`
	PrevHash      string    `json:"prev_hash"`
	Coinb1        string    `json:"coinb1"`
	Coinb2        string    `json:"coinb2"`
	MerkleBranch  []string  `json:"merkle_branch"`
	Version       string    `json:"version"`
	NBits         string    `json:"nbits"`
	NTime         string    `json:"ntime"`
	CleanJobs     bool      `json:"clean_jobs"`
	BlockHeight   int64     `json:"block_height"`
	NetworkTarget string    `json:"network_target"`
	EpochDuration uint32    `json:"epoch_duration"`
	CoinbaseValue int64     `json:"coinbase_value"`
	CreatedAt     time.Time `json:"created_at"`
}

// NewJobMessage renders job for publishing.
func NewJobMessage(job *jobs.Job) *JobMessage {
	return &JobMessage{
		JobID:         job.ID,
		PrevHash:      job.PrevHashHex(),
		Coinb1:        job.Coinbase1Hex(),
		Coinb2:        job.Coinbase2Hex(),
		MerkleBranch:  job.MerkleBranchHex(),
		Version:       job.VersionHex(),
		NBits:         job.BitsHex(),
		NTime:         job.NTimeHex(),
		CleanJobs:     job.CleanJobs,
		BlockHeight:   job.Height,
		NetworkTarget: job.NetworkTarget.String(),
		EpochDuration: job.EpochDuration,
		CoinbaseValue: job.CoinbaseValue,
		CreatedAt:     job.CreatedAt,
	}
}

// ShareMessage records the outcome of one submitted share.
type ShareMessage struct {
	ShareID          string    `json:"share_id"`
	JobID            string    `json:"job_id"`
	WorkerName       string    `json:"worker_name"`
	ExtraNonce1      string    `json:"extra_nonce1"`
	ExtraNonce2      string    `json:"extra_nonce2"`
	Ntime            string    `json:"ntime"`
	Nonce            string    `json:"nonce"`
	Difficulty       float64   `json:"difficulty"`
	BlockHeight      int64     `json:"block_height"`
	SessionID        string    `json:"session_id"`
	RemoteAddr       string    `json:"remote_addr"`
	Status           string    `json:"status"`
	Reason           string    `json:"reason,omitempty"`
	Hash             string    `json:"hash,omitempty"`
	IsBlockCandidate bool      `json:"is_block_candidate"`
	SubmittedAt      time.Time `json:"submitted_at"`
	ProcessingTimeMs float64   `json:"processing_time_ms"`
}

// BlockMessage records a block candidate and the node's verdict on it.
type BlockMessage struct {
	ShareID       string    `json:"share_id"`
	JobID         string    `json:"job_id"`
	BlockHash     string    `json:"block_hash"`
	BlockHeight   int64     `json:"block_height"`
	PrevHash      string    `json:"prev_hash"`
	Bits          string    `json:"bits"`
	Nonce         string    `json:"nonce"`
	WorkerName    string    `json:"worker_name"`
	CoinbaseValue int64     `json:"coinbase_value"`
	Status        string    `json:"status"`
	ErrorMessage  string    `json:"error_message,omitempty"`
	FoundAt       time.Time `json:"found_at"`
	LatencyMs     float64   `json:"latency_ms"`
}

// PoolStatsMessage is a periodic snapshot of pool counters.
type PoolStatsMessage struct {
	TotalShares     uint64        `json:"total_shares"`
	ValidShares     uint64        `json:"valid_shares"`
	InvalidShares   uint64        `json:"invalid_shares"`
	BlocksFound     uint64        `json:"blocks_found"`
	BlocksRejected  uint64        `json:"blocks_rejected"`
	LastBlockHeight int64         `json:"last_block_height"`
	Hashrate        float64       `json:"hashrate"`
	Sessions        int           `json:"sessions"`
	Uptime          time.Duration `json:"uptime"`
	Timestamp       time.Time     `json:"timestamp"`
}
