package jobs

import (
	"bytes"
	"context"
	"encoding/hex"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"

	"github.com/bardlex/scashpool/internal/scash"
)

var testPayoutScript, _ = hex.DecodeString("76a91462e907b15cbf27d5425399ebf6f0fb50ebb88f1888ac")

const testPrevHash = "00000fa1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d"

// mockTemplateSource returns a fixed template, or an error when failing is set.
type mockTemplateSource struct {
	mu       sync.Mutex
	template *scash.BlockTemplate
	failing  bool
	calls    atomic.Int32
}

func (m *mockTemplateSource) GetBlockTemplate(_ context.Context) (*scash.BlockTemplate, error) {
	m.calls.Add(1)
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failing {
		return nil, errors.New("node unavailable")
	}
	tmpl := *m.template
	return &tmpl, nil
}

func (m *mockTemplateSource) setFailing(v bool) {
	m.mu.Lock()
	m.failing = v
	m.mu.Unlock()
}

func testTemplate() *scash.BlockTemplate {
	return &scash.BlockTemplate{
		Version:           0x20000000,
		PreviousBlockHash: testPrevHash,
		CoinbaseValue:     5_000_000_000,
		CurTime:           1_700_000_100,
		MinTime:           1_700_000_000,
		Bits:              "1e0fffff",
		Height:            1201,
		RXEpochDuration:   604800,
	}
}

// testTx builds a serialized non-coinbase transaction distinguished by n.
func testTx(t *testing.T, n byte) ([]byte, chainhash.Hash) {
	t.Helper()
	tx := wire.NewMsgTx(wire.TxVersion)
	tx.AddTxIn(wire.NewTxIn(wire.NewOutPoint(&chainhash.Hash{n}, 0), nil, nil))
	tx.AddTxOut(wire.NewTxOut(int64(n)*1000, testPayoutScript))

	var buf bytes.Buffer
	if err := tx.Serialize(&buf); err != nil {
		t.Fatalf("serialize tx: %v", err)
	}
	return buf.Bytes(), tx.TxHash()
}
