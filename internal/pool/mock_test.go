package pool

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/json"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/scashpool/internal/jobs"
	"github.com/bardlex/scashpool/internal/messaging"
	"github.com/bardlex/scashpool/internal/pow"
	"github.com/bardlex/scashpool/internal/scash"
	"github.com/bardlex/scashpool/internal/stratum"
	"github.com/bardlex/scashpool/internal/validation"
)

var testPayoutScript = []byte{0x76, 0xa9, 0x14,
	0x62, 0xe9, 0x07, 0xb1, 0x5c, 0xbf, 0x27, 0xd5, 0x42, 0x53,
	0x99, 0xeb, 0xf6, 0xf0, 0xfb, 0x50, 0xeb, 0xb8, 0x8f, 0x18,
	0x88, 0xac}

type mockValidator struct {
	mu     sync.Mutex
	result *validation.Result
	err    error
	calls  int
}

func (m *mockValidator) ValidateShare(*validation.Share) (*validation.Result, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	return m.result, m.err
}

type mockJobs struct {
	job      atomic.Pointer[jobs.Job]
	triggers atomic.Int32
}

func (m *mockJobs) Current() *jobs.Job { return m.job.Load() }
func (m *mockJobs) Trigger()           { m.triggers.Add(1) }

type mockSubmitter struct {
	mu        sync.Mutex
	submitErr error
	known     *scash.BlockInfo
	submitted []string
}

func (m *mockSubmitter) SubmitBlock(_ context.Context, blockHex string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.submitted = append(m.submitted, blockHex)
	return m.submitErr
}

func (m *mockSubmitter) GetBlock(_ context.Context, hash string) (*scash.BlockInfo, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.known == nil || m.known.Hash != hash {
		return nil, context.DeadlineExceeded
	}
	return m.known, nil
}

func (m *mockSubmitter) blocks() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.submitted...)
}

// recordingSink keeps every event it receives.
type recordingSink struct {
	mu     sync.Mutex
	jobs   []*jobs.Job
	shares []*messaging.ShareMessage
	blocks []*messaging.BlockMessage
	stats  []*messaging.PoolStatsMessage
}

func (s *recordingSink) PublishJob(_ context.Context, job *jobs.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs = append(s.jobs, job)
	return nil
}

func (s *recordingSink) RecordShare(_ context.Context, msg *messaging.ShareMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.shares = append(s.shares, msg)
	return nil
}

func (s *recordingSink) RecordBlock(_ context.Context, msg *messaging.BlockMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = append(s.blocks, msg)
	return nil
}

func (s *recordingSink) RecordStats(_ context.Context, msg *messaging.PoolStatsMessage) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats = append(s.stats, msg)
	return nil
}

// hashVerifier stands in for RandomX with SHA-256. Every correctly hashed
// header meets the pool target; verdict decides the network target.
type hashVerifier struct {
	poolTarget scash.Target
	verdict    pow.Verdict
}

func (v *hashVerifier) Hash(preimage []byte, _ uint32) (chainhash.Hash, error) {
	return sha256.Sum256(preimage), nil
}

func (v *hashVerifier) Verify(header []byte, target scash.Target, _ uint32) pow.Verdict {
	aux := sha256.Sum256(header[:scash.PreimageSize])
	if !bytes.Equal(aux[:], header[scash.PreimageSize:]) {
		return pow.Invalid
	}
	if target == v.poolTarget {
		return pow.BelowDifficulty
	}
	return v.verdict
}

func testJob(t *testing.T, id string) *jobs.Job {
	t.Helper()
	job, err := jobs.Build(id, &scash.BlockTemplate{
		Version:           0x20000000,
		PreviousBlockHash: "00000fa1b2c3d4e5f60718293a4b5c6d7e8f90a1b2c3d4e5f60718293a4b5c6d",
		CoinbaseValue:     5_000_000_000,
		CurTime:           1_700_000_100,
		Bits:              "1e0fffff",
		Height:            1201,
		RXEpochDuration:   604800,
	}, jobs.BuildParams{
		PayoutScript:   testPayoutScript,
		Tag:            "/scashpool/",
		ExtranonceSize: ExtranonceSize + 4,
	})
	if err != nil {
		t.Fatalf("jobs.Build() error = %v", err)
	}
	return job
}

func testConfig() Config {
	return Config{
		Difficulty:      1,
		Extranonce2Size: 4,
		WriteTimeout:    2 * time.Second,
		StatsInterval:   time.Hour,
	}
}

// frame is any server message as a miner sees it.
type frame struct {
	ID     json.RawMessage `json:"id"`
	Method string          `json:"method"`
	Params []any           `json:"params"`
	Result any             `json:"result"`
	Error  *stratum.Error  `json:"error"`
}

type miner struct {
	t    *testing.T
	conn net.Conn
	r    *bufio.Reader
}

func newMiner(t *testing.T, conn net.Conn) *miner {
	return &miner{t: t, conn: conn, r: bufio.NewReader(conn)}
}

func (m *miner) send(line string) {
	m.t.Helper()
	_ = m.conn.SetWriteDeadline(time.Now().Add(2 * time.Second))
	if _, err := m.conn.Write([]byte(line + "\n")); err != nil {
		m.t.Fatalf("write failed: %v", err)
	}
}

func (m *miner) read() frame {
	m.t.Helper()
	f, err := m.tryRead()
	if err != nil {
		m.t.Fatalf("read failed: %v", err)
	}
	return f
}

func (m *miner) tryRead() (frame, error) {
	_ = m.conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	line, err := m.r.ReadBytes('\n')
	if err != nil {
		return frame{}, err
	}
	var f frame
	err = json.Unmarshal(line, &f)
	return f, err
}

// readUntil skips frames until one matches.
func (m *miner) readUntil(match func(frame) bool) frame {
	m.t.Helper()
	for i := 0; i < 10; i++ {
		if f := m.read(); match(f) {
			return f
		}
	}
	m.t.Fatal("expected frame not received")
	return frame{}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
