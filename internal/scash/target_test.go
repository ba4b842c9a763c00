package scash

import (
	"errors"
	"math"
	"strings"
	"testing"
)

func TestCompactToTarget(t *testing.T) {
	tests := []struct {
		name string
		bits uint32
		want string
	}{
		{"scash genesis style", 0x1e0fffff, "00000fffff" + strings.Repeat("0", 54)},
		{"bitcoin difficulty one", 0x1d00ffff, "00000000ffff" + strings.Repeat("0", 52)},
		{"pow limit", 0x1e7fffff, PowLimitHex},
		{"exponent three", 0x03123456, strings.Repeat("0", 58) + "123456"},
		{"exponent two", 0x02123456, strings.Repeat("0", 60) + "1234"},
		{"exponent one", 0x01123456, strings.Repeat("0", 62) + "12"},
		{"exponent zero", 0x00123456, strings.Repeat("0", 64)},
		{"sign bit ignored", 0x04923456, strings.Repeat("0", 56) + "12345600"},
		{"exponent thirty-two", 0x20000001, "000001" + strings.Repeat("0", 58)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := CompactToTarget(tt.bits)
			if err != nil {
				t.Fatalf("CompactToTarget(%#08x) error = %v", tt.bits, err)
			}
			if got.Hex() != tt.want {
				t.Errorf("CompactToTarget(%#08x) = %s, want %s", tt.bits, got.Hex(), tt.want)
			}
			if len(got.Hex()) != 64 {
				t.Errorf("hex length = %d, want 64", len(got.Hex()))
			}
		})
	}
}

func TestCompactToTarget_Deterministic(t *testing.T) {
	for _, bits := range []uint32{0x1e0fffff, 0x1d00ffff, 0x1b0404cb} {
		first, _ := CompactToTarget(bits)
		for range 10 {
			again, _ := CompactToTarget(bits)
			if again != first {
				t.Fatalf("CompactToTarget(%#08x) not deterministic", bits)
			}
		}
	}
}

func TestCompactToTarget_Overflow(t *testing.T) {
	for _, bits := range []uint32{0x21010000, 0x23000001, 0xff7fffff} {
		if _, err := CompactToTarget(bits); !errors.Is(err, ErrTargetOverflow) {
			t.Errorf("CompactToTarget(%#08x) error = %v, want ErrTargetOverflow", bits, err)
		}
	}
}

func TestDifficultyToTarget(t *testing.T) {
	half := "00003fffff8" + strings.Repeat("0", 53)

	tests := []struct {
		name       string
		difficulty float64
		want       string
	}{
		{"difficulty one is pow limit", 1.0, PowLimitHex},
		{"below one clamps", 0.25, PowLimitHex},
		{"zero clamps", 0, PowLimitHex},
		{"negative clamps", -5, PowLimitHex},
		{"two halves", 2.0, half},
		{"fraction truncated", 2.9, half},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := DifficultyToTarget(tt.difficulty)
			if got.Hex() != tt.want {
				t.Errorf("DifficultyToTarget(%v) = %s, want %s", tt.difficulty, got.Hex(), tt.want)
			}
		})
	}
}

func TestDifficultyToTarget_Monotonic(t *testing.T) {
	prev := DifficultyToTarget(1)
	for _, d := range []float64{2, 16, 1024, 65536, 1e9} {
		cur := DifficultyToTarget(d)
		if CompareTargets(cur, prev) >= 0 {
			t.Errorf("DifficultyToTarget(%v) = %s not below previous %s", d, cur, prev)
		}
		prev = cur
	}
}

func TestTargetToDifficulty(t *testing.T) {
	if got := TargetToDifficulty(PowLimit); got != 1 {
		t.Errorf("TargetToDifficulty(PowLimit) = %v, want 1", got)
	}
	if got := TargetToDifficulty(DifficultyToTarget(256)); math.Abs(got-256) > 1e-6 {
		t.Errorf("TargetToDifficulty(256) = %v", got)
	}
	if got := TargetToDifficulty(Target{}); !math.IsInf(got, 1) {
		t.Errorf("TargetToDifficulty(0) = %v, want +Inf", got)
	}
}

func TestCompareTargets(t *testing.T) {
	low := MustTargetFromHex("01")
	high := MustTargetFromHex("0100")

	tests := []struct {
		name string
		a, b Target
		want int
	}{
		{"less", low, high, -1},
		{"greater", high, low, 1},
		{"equal", PowLimit, PowLimit, 0},
		{"high byte dominates", MustTargetFromHex("ff" + strings.Repeat("0", 62)), MustTargetFromHex(strings.Repeat("f", 62)), 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CompareTargets(tt.a, tt.b); got != tt.want {
				t.Errorf("CompareTargets() = %d, want %d", got, tt.want)
			}
		})
	}
}

func TestTargetFromHex(t *testing.T) {
	got, err := TargetFromHex("fff")
	if err != nil {
		t.Fatalf("TargetFromHex() error = %v", err)
	}
	if got.Hex() != strings.Repeat("0", 61)+"fff" {
		t.Errorf("TargetFromHex(fff) = %s", got.Hex())
	}

	if _, err := TargetFromHex(strings.Repeat("0", 66)); err == nil {
		t.Error("expected error for 66 digits")
	}
	if _, err := TargetFromHex("zz"); err == nil {
		t.Error("expected error for non-hex input")
	}
}

func TestWorkForTarget(t *testing.T) {
	w := WorkForTarget(PowLimit)
	if w < 131072 || w > 131073 {
		t.Errorf("WorkForTarget(PowLimit) = %v, want about 2^17", w)
	}
	if w2 := WorkForDifficulty(2); math.Abs(w2/w-2) > 1e-6 {
		t.Errorf("WorkForDifficulty(2)/WorkForDifficulty(1) = %v, want 2", w2/w)
	}
}
