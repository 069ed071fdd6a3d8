package model

import (
	"errors"
	"math"
	"testing"

	"github.com/shopspring/decimal"
)

func TestDecimalToMicro(t *testing.T) {
	tests := []struct {
		in   string
		want int64
	}{
		{"1", 1_000_000},
		{"0.0000019", 1},
		{"-2.5", -2_500_000},
		{"9223372036854.775807", math.MaxInt64},
		{"-9223372036854.775808", math.MinInt64},
	}
	for _, tt := range tests {
		got, err := DecimalToMicro(decimal.RequireFromString(tt.in))
		if err != nil {
			t.Errorf("%s: unexpected error %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("%s: got %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestDecimalToMicro_RejectsOutOfRange(t *testing.T) {
	for _, in := range []string{
		"9223372036854.775808",
		"-9223372036854.775809",
		"18446744073708.551616",
		"18446744073710.551616",
	} {
		got, err := DecimalToMicro(decimal.RequireFromString(in))
		if !errors.Is(err, ErrOutOfRange) {
			t.Errorf("%s: expected ErrOutOfRange, got %d, %v", in, got, err)
		}
	}
}
