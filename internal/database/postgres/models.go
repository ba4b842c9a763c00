package postgres

import (
	"time"

	"github.com/bardlex/scashpool/internal/messaging"
)

// Worker is a registered mining worker
type Worker struct {
	ID         int64      `db:"id"`
	Name       string     `db:"name"`
	Password   string     `db:"password"`
	IsActive   bool       `db:"is_active"`
	CreatedAt  time.Time  `db:"created_at"`
	UpdatedAt  time.Time  `db:"updated_at"`
	LastSeenAt *time.Time `db:"last_seen_at"`
}

// Block is a found block and its submission outcome
type Block struct {
	ID            int64     `db:"id"`
	Height        int64     `db:"height"`
	Hash          string    `db:"hash"`
	PrevHash      string    `db:"prev_hash"`
	Bits          string    `db:"bits"`
	Nonce         string    `db:"nonce"`
	ShareID       string    `db:"share_id"`
	JobID         string    `db:"job_id"`
	WorkerName    string    `db:"worker_name"`
	CoinbaseValue int64     `db:"coinbase_value"`
	Status        string    `db:"status"` // accepted, rejected
	ErrorMessage  string    `db:"error_message"`
	LatencyMs     float64   `db:"latency_ms"`
	FoundAt       time.Time `db:"found_at"`
}

// BlockFromMessage converts a block event into a row.
func BlockFromMessage(msg *messaging.BlockMessage) *Block {
	return &Block{
		Height:        msg.BlockHeight,
		Hash:          msg.BlockHash,
		PrevHash:      msg.PrevHash,
		Bits:          msg.Bits,
		Nonce:         msg.Nonce,
		ShareID:       msg.ShareID,
		JobID:         msg.JobID,
		WorkerName:    msg.WorkerName,
		CoinbaseValue: msg.CoinbaseValue,
		Status:        msg.Status,
		ErrorMessage:  msg.ErrorMessage,
		LatencyMs:     msg.LatencyMs,
		FoundAt:       msg.FoundAt,
	}
}
