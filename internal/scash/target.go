package scash

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math"
	"math/big"
)

// Target is a 256-bit unsigned proof-of-work target, stored big-endian.
type Target [32]byte

// PowLimitHex is the Scash maximum target (difficulty 1).
const PowLimitHex = "00007fffff000000000000000000000000000000000000000000000000000000"

var (
	// PowLimit is the Scash maximum target.
	PowLimit = MustTargetFromHex(PowLimitHex)

	powLimitBig = PowLimit.Big()
	two256      = new(big.Int).Lsh(big.NewInt(1), 256)

	// ErrTargetOverflow is returned when a compact value does not fit 256 bits.
	ErrTargetOverflow = errors.New("target exceeds 256 bits")
)

// TargetFromBig converts a non-negative integer below 2^256 to a Target.
func TargetFromBig(v *big.Int) (Target, error) {
	var t Target
	if v.Sign() < 0 || v.BitLen() > 256 {
		return t, ErrTargetOverflow
	}
	v.FillBytes(t[:])
	return t, nil
}

// TargetFromHex parses a target of at most 64 hex digits.
func TargetFromHex(s string) (Target, error) {
	var t Target
	if len(s) > 64 {
		return t, fmt.Errorf("target hex %q longer than 64 digits", s)
	}
	if len(s)%2 == 1 {
		s = "0" + s
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return t, fmt.Errorf("invalid target hex: %w", err)
	}
	copy(t[32-len(b):], b)
	return t, nil
}

// MustTargetFromHex is TargetFromHex for constants.
func MustTargetFromHex(s string) Target {
	t, err := TargetFromHex(s)
	if err != nil {
		panic(err)
	}
	return t
}

// Hex returns the target as 64 lowercase hex digits.
func (t Target) Hex() string {
	return hex.EncodeToString(t[:])
}

// String implements fmt.Stringer.
func (t Target) String() string {
	return t.Hex()
}

// Big returns the target as a big integer.
func (t Target) Big() *big.Int {
	return new(big.Int).SetBytes(t[:])
}

// CompactToTarget decodes compact difficulty bits: one exponent byte and a
// 23-bit mantissa. The sign bit is ignored.
func CompactToTarget(bits uint32) (Target, error) {
	exponent := uint(bits >> 24)
	mantissa := big.NewInt(int64(bits & 0x007fffff))

	if exponent <= 3 {
		mantissa.Rsh(mantissa, 8*(3-exponent))
	} else {
		mantissa.Lsh(mantissa, 8*(exponent-3))
	}
	return TargetFromBig(mantissa)
}

// DifficultyToTarget returns PowLimit / floor(difficulty). Difficulties
// below one are treated as one.
func DifficultyToTarget(difficulty float64) Target {
	d := math.Floor(difficulty)
	if d < 1 || math.IsNaN(d) {
		d = 1
	}
	if math.IsInf(d, 1) {
		return Target{}
	}

	divisor, _ := new(big.Float).SetFloat64(d).Int(nil)
	if divisor.Sign() == 0 {
		divisor.SetInt64(1)
	}

	t, _ := TargetFromBig(new(big.Int).Quo(powLimitBig, divisor))
	return t
}

// TargetToDifficulty returns PowLimit / target as a float.
func TargetToDifficulty(t Target) float64 {
	tb := t.Big()
	if tb.Sign() == 0 {
		return math.Inf(1)
	}
	d, _ := new(big.Float).Quo(new(big.Float).SetInt(powLimitBig), new(big.Float).SetInt(tb)).Float64()
	return d
}

// CompareTargets compares a and b as unsigned 256-bit integers and
// returns -1, 0 or 1.
func CompareTargets(a, b Target) int {
	for i := range a {
		switch {
		case a[i] < b[i]:
			return -1
		case a[i] > b[i]:
			return 1
		}
	}
	return 0
}

// WorkForTarget returns the expected number of hashes to find a value at or
// below t, 2^256 / (t+1).
func WorkForTarget(t Target) float64 {
	denom := new(big.Int).Add(t.Big(), big.NewInt(1))
	w, _ := new(big.Float).Quo(new(big.Float).SetInt(two256), new(big.Float).SetInt(denom)).Float64()
	return w
}

// WorkForDifficulty is WorkForTarget(DifficultyToTarget(d)).
func WorkForDifficulty(d float64) float64 {
	return WorkForTarget(DifficultyToTarget(d))
}
