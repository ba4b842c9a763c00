// Package scash talks to a Scash full node and implements the Scash block
// formats the pool needs: compact targets, the 112-byte RandomX header,
// coinbase construction and merkle branches.
package scash

import (
	"encoding/json"

	"github.com/btcsuite/btcd/btcjson"
)

// RPCRequest is a JSON-RPC 2.0 request.
type RPCRequest struct {
	JSONRPC string `json:"jsonrpc"`
	ID      uint64 `json:"id"`
	Method  string `json:"method"`
	Params  []any  `json:"params"`
}

// RPCResponse is a JSON-RPC response. A non-nil Error means the call failed
// regardless of Result.
type RPCResponse struct {
	JSONRPC string            `json:"jsonrpc,omitempty"`
	ID      json.RawMessage   `json:"id"`
	Result  json.RawMessage   `json:"result"`
	Error   *btcjson.RPCError `json:"error"`
}

// BlockTemplate is the subset of getblocktemplate the pool uses, including
// the Scash-specific RandomX epoch duration.
type BlockTemplate struct {
	Version           int32        `json:"version"`
	PreviousBlockHash string       `json:"previousblockhash"`
	Transactions      []TemplateTx `json:"transactions"`
	CoinbaseValue     int64        `json:"coinbasevalue"`
	Target            string       `json:"target"`
	MinTime           int64        `json:"mintime"`
	CurTime           int64        `json:"curtime"`
	Bits              string       `json:"bits"`
	Height            int64        `json:"height"`
	RXEpochDuration   uint32       `json:"rx_epoch_duration"`

	DefaultWitnessCommitment string `json:"default_witness_commitment,omitempty"`
}

// TemplateTx is one non-coinbase transaction of a block template.
type TemplateTx struct {
	Data string `json:"data"`
	TxID string `json:"txid"`
	Hash string `json:"hash"`
	Fee  int64  `json:"fee"`
}

// BlockInfo is the verbose getblock result trimmed to the fields the pool
// reads after submitting a block.
type BlockInfo struct {
	Hash          string `json:"hash"`
	Confirmations int64  `json:"confirmations"`
	Height        int64  `json:"height"`
	Time          int64  `json:"time"`
	Bits          string `json:"bits"`
	NTx           int    `json:"nTx"`
}

// MiningInfo is the getmininginfo result.
type MiningInfo struct {
	Blocks        int64   `json:"blocks"`
	Difficulty    float64 `json:"difficulty"`
	NetworkHashPS float64 `json:"networkhashps"`
	PooledTx      int64   `json:"pooledtx"`
	Chain         string  `json:"chain"`
	Warnings      any     `json:"warnings"`
}

// NetworkInfo is the getnetworkinfo result.
type NetworkInfo struct {
	Version         int32   `json:"version"`
	SubVersion      string  `json:"subversion"`
	ProtocolVersion int32   `json:"protocolversion"`
	Connections     int32   `json:"connections"`
	NetworkActive   bool    `json:"networkactive"`
	RelayFee        float64 `json:"relayfee"`
}

// BlockchainInfo is the getblockchaininfo result.
type BlockchainInfo struct {
	Chain                string  `json:"chain"`
	Blocks               int64   `json:"blocks"`
	Headers              int64   `json:"headers"`
	BestBlockHash        string  `json:"bestblockhash"`
	Difficulty           float64 `json:"difficulty"`
	MedianTime           int64   `json:"mediantime"`
	VerificationProgress float64 `json:"verificationprogress"`
	InitialBlockDownload bool    `json:"initialblockdownload"`
}
