package validation

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"sync"
	"testing"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/scashpool/internal/jobs"
	"github.com/bardlex/scashpool/internal/pow"
	"github.com/bardlex/scashpool/internal/scash"
)

var testPayoutScript = []byte{0x76, 0xa9, 0x14,
	0x62, 0xe9, 0x07, 0xb1, 0x5c, 0xbf, 0x27, 0xd5, 0x42, 0x53,
	0x99, 0xeb, 0xf6, 0xf0, 0xfb, 0x50, 0xeb, 0xb8, 0x8f, 0x18,
	0x88, 0xac}

// mockVerifier hashes with SHA-256 and returns configured verdicts: poolVerdict
// for the pool target, networkVerdict for anything else.
type mockVerifier struct {
	mu             sync.Mutex
	poolTarget     scash.Target
	poolVerdict    pow.Verdict
	networkVerdict pow.Verdict
	hashErr        error
	targets        []scash.Target
}

func (m *mockVerifier) Hash(preimage []byte, _ uint32) (chainhash.Hash, error) {
	if m.hashErr != nil {
		return chainhash.Hash{}, m.hashErr
	}
	return sha256.Sum256(preimage), nil
}

func (m *mockVerifier) Verify(header []byte, target scash.Target, _ uint32) pow.Verdict {
	m.mu.Lock()
	m.targets = append(m.targets, target)
	m.mu.Unlock()

	aux := sha256.Sum256(header[:scash.PreimageSize])
	if !bytes.Equal(aux[:], header[scash.PreimageSize:]) {
		return pow.Invalid
	}
	if target == m.poolTarget {
		return m.poolVerdict
	}
	return m.networkVerdict
}

func (m *mockVerifier) verifyTargets() []scash.Target {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]scash.Target(nil), m.targets...)
}

// staticJobs serves a fixed job.
type staticJobs struct {
	job *jobs.Job
}

func (s *staticJobs) Current() *jobs.Job { return s.job }

func testJob(t *testing.T, txs ...[]byte) *jobs.Job {
	t.Helper()
	tmpl := &scash.BlockTemplate{
		Version:           0x20000000,
		PreviousBlockHash: "00000fa1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d",
		CoinbaseValue:     5_000_000_000,
		CurTime:           1_700_000_100,
		Bits:              "1e0fffff",
		Height:            1201,
		RXEpochDuration:   604800,
	}
	for _, tx := range txs {
		tmpl.Transactions = append(tmpl.Transactions, scash.TemplateTx{Data: hex.EncodeToString(tx)})
	}
	job, err := jobs.Build("2a", tmpl, jobs.BuildParams{
		PayoutScript:   testPayoutScript,
		Tag:            "/test/",
		ExtranonceSize: 8,
	})
	if err != nil {
		t.Fatalf("jobs.Build() error = %v", err)
	}
	return job
}
