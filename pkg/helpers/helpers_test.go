package helpers

import (
	"math/big"
	"testing"
)

func TestHexAlign(t *testing.T) {
	tests := []struct {
		name   string
		in     string
		digits int
		want   string
	}{
		{"pads short value", "0x1", 64, "0x" + zeros(63) + "1"},
		{"keeps full width", "0x" + zeros(64), 64, "0x" + zeros(64)},
		{"lower-cases", "0xAB", 4, "0x00ab"},
		{"adds missing prefix", "ff", 4, "0x00ff"},
		{"trims whitespace", "  0x2  ", 2, "0x02"},
		{"public key width", "0x2" + zeros(64), 66, "0x0" + "2" + zeros(64)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := HexAlign(tt.in, tt.digits); got != tt.want {
				t.Errorf("HexAlign(%q, %d) = %q, want %q", tt.in, tt.digits, got, tt.want)
			}
		})
	}
}

// Alignment must not change the numeric value: both swap parties compare
// ledger fields numerically after normalizing through HexAlign.
func TestHexAlignPreservesValue(t *testing.T) {
	for _, in := range []string{"0x1", "0xdeadbeef", "ff", "0xAB12"} {
		aligned := HexAlign(in, 64)
		if HexToBigInt(aligned).Cmp(HexToBigInt(in)) != 0 {
			t.Errorf("HexAlign(%q) changed the value to %s", in, aligned)
		}
	}
}

func TestHexBigIntRoundTrip(t *testing.T) {
	tests := []struct {
		hex string
		val int64
	}{
		{"0x0", 0},
		{"0x1", 1},
		{"0x3b9aca00", 1_000_000_000},
		{"0x7a120", 500_000},
	}

	for _, tt := range tests {
		if got := HexToBigInt(tt.hex); got.Int64() != tt.val {
			t.Errorf("HexToBigInt(%q) = %s, want %d", tt.hex, got, tt.val)
		}
		if got := BigIntToHex(big.NewInt(tt.val)); got != tt.hex {
			t.Errorf("BigIntToHex(%d) = %q, want %q", tt.val, got, tt.hex)
		}
	}
}

func TestHexToBigIntGarbage(t *testing.T) {
	for _, in := range []string{"", "0x", "zz", "0xzz"} {
		if got := HexToBigInt(in); got.Sign() != 0 {
			t.Errorf("HexToBigInt(%q) = %s, want 0", in, got)
		}
	}
}

func TestHexToInt64(t *testing.T) {
	if got := HexToInt64("0x64d9f5c0"); got != 1_692_005_824 {
		t.Errorf("HexToInt64 = %d", got)
	}
	if got := HexToInt64(""); got != 0 {
		t.Errorf("HexToInt64(empty) = %d", got)
	}
}

func TestIsZeroHex(t *testing.T) {
	tests := []struct {
		in   string
		want bool
	}{
		{"", true},
		{"0x0", true},
		{"0x" + zeros(64), true},
		{"0x1", false},
		{"0x" + zeros(63) + "1", false},
	}

	for _, tt := range tests {
		if got := IsZeroHex(tt.in); got != tt.want {
			t.Errorf("IsZeroHex(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestHexBytesRoundTrip(t *testing.T) {
	raw := []byte{0x00, 0xde, 0xad, 0xbe, 0xef}
	hexed := BytesToHex(raw)
	if hexed != "0x00deadbeef" {
		t.Errorf("BytesToHex = %q", hexed)
	}

	back, err := HexToBytes(hexed)
	if err != nil {
		t.Fatalf("HexToBytes: %v", err)
	}
	if string(back) != string(raw) {
		t.Errorf("round trip mismatch: %x", back)
	}

	if _, err := HexToBytes("0xzz"); err == nil {
		t.Error("expected error for invalid hex")
	}
}

func TestFormatAmount(t *testing.T) {
	tests := []struct {
		amount   uint64
		decimals uint8
		want     string
	}{
		{100000000, 8, "1"},
		{50000000, 8, "0.5"},
		{12345678, 8, "0.12345678"},
		{1, 8, "0.00000001"},
		{0, 8, "0"},
		{1500000000, 9, "1.5"}, // nanotons
		{123, 0, "123"},
	}

	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			got := FormatAmount(tt.amount, tt.decimals)
			if got != tt.want {
				t.Errorf("FormatAmount(%d, %d) = %s, want %s", tt.amount, tt.decimals, got, tt.want)
			}
		})
	}
}

func TestGenerateSecureRandom(t *testing.T) {
	a, err := GenerateSecureRandom(32)
	if err != nil {
		t.Fatalf("GenerateSecureRandom: %v", err)
	}
	if len(a) != 32 {
		t.Fatalf("length = %d, want 32", len(a))
	}

	b, err := GenerateSecureRandom(32)
	if err != nil {
		t.Fatal(err)
	}
	if string(a) == string(b) {
		t.Error("two draws returned identical bytes")
	}
}

func TestConstantTimeCompare(t *testing.T) {
	a := []byte{1, 2, 3}
	if !ConstantTimeCompare(a, []byte{1, 2, 3}) {
		t.Error("equal slices reported unequal")
	}
	if ConstantTimeCompare(a, []byte{1, 2, 4}) {
		t.Error("unequal slices reported equal")
	}
	if ConstantTimeCompare(a, []byte{1, 2}) {
		t.Error("different lengths reported equal")
	}
}

func zeros(n int) string {
	s := make([]byte, n)
	for i := range s {
		s[i] = '0'
	}
	return string(s)
}
