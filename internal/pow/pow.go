// Package pow adapts the RandomX primitive to the pool: epoch and seed
// derivation, the auxiliary header hash, and three-way share verification.
package pow

import (
	"bytes"
	"fmt"
	"slices"

	"github.com/btcsuite/btcd/chaincfg/chainhash"

	"github.com/bardlex/scashpool/internal/scash"
	"github.com/bardlex/scashpool/pkg/errors"
)

// DefaultEpochDuration is the seed rotation period used until the node
// reports its own.
const DefaultEpochDuration uint32 = 604800

// Verdict is the outcome of verifying a header against a target.
type Verdict int

// Verdicts.
const (
	Invalid         Verdict = -1
	BelowDifficulty Verdict = 0
	MeetsDifficulty Verdict = 1
)

func (v Verdict) String() string {
	switch v {
	case Invalid:
		return "invalid"
	case BelowDifficulty:
		return "below_difficulty"
	case MeetsDifficulty:
		return "meets_difficulty"
	default:
		return fmt.Sprintf("verdict(%d)", int(v))
	}
}

// ErrVerifierUnavailable is returned by Open when the binary was built
// without the RandomX engine.
var ErrVerifierUnavailable = errors.New(errors.ErrorTypeVerifier, "pow_open",
	"RandomX engine not available (build with -tags randomx)")

// Verifier computes and checks the RandomX proof of work of a header.
type Verifier interface {
	// Hash returns the auxiliary hash for an 80-byte pre-image.
	Hash(preimage []byte, epochDuration uint32) (chainhash.Hash, error)
	// Verify checks a 112-byte header against target.
	Verify(header []byte, target scash.Target, epochDuration uint32) Verdict
}

// Engine is the native RandomX primitive. Implementations must be safe for
// concurrent use.
type Engine interface {
	Hash(seed chainhash.Hash, input []byte) ([32]byte, error)
	Commitment(input []byte, hash [32]byte) [32]byte
	Close()
}

// EpochOf returns the seed epoch a timestamp falls in.
func EpochOf(timestamp, epochDuration uint32) uint32 {
	if epochDuration == 0 {
		epochDuration = DefaultEpochDuration
	}
	return timestamp / epochDuration
}

// SeedOf returns the RandomX key for an epoch.
func SeedOf(epoch uint32) chainhash.Hash {
	return chainhash.DoubleHashH(fmt.Appendf(nil, "Scash/RandomX/Epoch/%d", epoch))
}

// Adapter implements Verifier on top of an Engine.
type Adapter struct {
	engine Engine
}

var _ Verifier = (*Adapter)(nil)

// NewAdapter wraps engine.
func NewAdapter(engine Engine) *Adapter {
	return &Adapter{engine: engine}
}

// Open loads the RandomX engine linked into this binary.
func Open() (*Adapter, error) {
	engine, err := openEngine()
	if err != nil {
		return nil, err
	}
	return NewAdapter(engine), nil
}

// Close releases the engine's native resources.
func (a *Adapter) Close() {
	a.engine.Close()
}

// hashInput is the header with its RandomX field zeroed.
func hashInput(preimage []byte) []byte {
	input := make([]byte, scash.HeaderSize)
	copy(input, preimage[:scash.PreimageSize])
	return input
}

func (a *Adapter) hash(input []byte, epochDuration uint32) ([32]byte, error) {
	ts, err := scash.HeaderTime(input)
	if err != nil {
		return [32]byte{}, err
	}
	return a.engine.Hash(SeedOf(EpochOf(ts, epochDuration)), input)
}

// Hash computes the auxiliary hash of a pre-image.
func (a *Adapter) Hash(preimage []byte, epochDuration uint32) (chainhash.Hash, error) {
	if len(preimage) != scash.PreimageSize {
		return chainhash.Hash{}, errors.Newf(errors.ErrorTypeVerifier, "pow_hash",
			"pre-image must be %d bytes, got %d", scash.PreimageSize, len(preimage))
	}
	sum, err := a.hash(hashInput(preimage), epochDuration)
	if err != nil {
		return chainhash.Hash{}, errors.Wrap(err, errors.ErrorTypeVerifier, "pow_hash", "RandomX hash failed")
	}
	return chainhash.Hash(sum), nil
}

// Verify recomputes the RandomX hash of header and compares its commitment,
// read as a little-endian 256-bit integer, with target.
func (a *Adapter) Verify(header []byte, target scash.Target, epochDuration uint32) Verdict {
	if len(header) != scash.HeaderSize {
		return Invalid
	}

	input := hashInput(header)
	sum, err := a.hash(input, epochDuration)
	if err != nil {
		return Invalid
	}
	if !bytes.Equal(sum[:], header[scash.PreimageSize:]) {
		return Invalid
	}

	commitment := a.engine.Commitment(input, sum)
	if meetsTarget(commitment, target) {
		return MeetsDifficulty
	}
	return BelowDifficulty
}

func meetsTarget(commitment [32]byte, target scash.Target) bool {
	be := commitment
	slices.Reverse(be[:])
	return bytes.Compare(be[:], target[:]) <= 0
}
