package constraints

import (
	"errors"
	"testing"
	"time"

	"github.com/shopspring/decimal"
)

// ----------------------------------------------------------------------------
// Dates
// ----------------------------------------------------------------------------

func TestNormalizeDate(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"2024-01-15", "2024-01-15", false},
		{" 2024-01-15 ", "2024-01-15", false},
		{"2024-01-15T10:30:00", "2024-01-15", false},
		{"15.01.2024", "2024-01-15", false},
		{"2024/01/15", "2024-01-15", false},
		{"20240115", "2024-01-15", false},
		{"45306", "2024-01-15", false},
		{"45306.75", "2024-01-15", false},
		{"/Date(1705276800000)/", "2024-01-15", false},
		{"2024-02-29", "2024-02-29", false},
		{"2023-02-29", "", true},
		{"2024-02-30", "", true},
		{"20241341", "", true},
		{"tomorrow", "", true},
		{"0", "", true},
	}

	for _, tt := range tests {
		got, err := NormalizeDate(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NormalizeDate(%q) = %q, want error", tt.in, got)
			} else if !errors.Is(err, ErrInvalidDate) {
				t.Errorf("NormalizeDate(%q) error = %v, want ErrInvalidDate", tt.in, err)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeDate(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeDate(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

// ----------------------------------------------------------------------------
// Decimals
// ----------------------------------------------------------------------------

func TestNormalizeDecimal(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"1234.56", "1234.56", false},
		{"1,234.56", "1234.56", false},
		{"1.234,56", "1234.56", false},
		{"1,234,567", "1234567", false},
		{"12,5", "12.5", false},
		{"100-", "-100", false},
		{"1.50", "1.5", false},
		{"12345678901234.1234", "12345678901234.1234", false},
		{"0.000", "0", false},
		{"1e3", "1000", false},
		{"2.5E-2", "0.025", false},
		{"1e100000000", "", true},
		{"-1E-100000000", "", true},
		{"abc", "", true},
		{"NaN", "", true},
		{"", "", true},
	}

	for _, tt := range tests {
		got, err := NormalizeDecimal(tt.in)
		if tt.wantErr {
			if err == nil {
				t.Errorf("NormalizeDecimal(%q) = %q, want error", tt.in, got)
			}
			continue
		}
		if err != nil {
			t.Errorf("NormalizeDecimal(%q) error = %v", tt.in, err)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeDecimal(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestDecimalDigits(t *testing.T) {
	tests := []struct {
		in       string
		wantInt  int
		wantFrac int
	}{
		{"12345678901234.1234", 14, 4},
		{"1.50", 1, 1},
		{"100", 3, 0},
		{"0.05", 0, 2},
		{"-12.345", 2, 3},
		{"0", 0, 0},
		{"1e3", 4, 0},
		{"120.000", 3, 0},
	}

	for _, tt := range tests {
		d := decimal.RequireFromString(tt.in)
		gotInt, gotFrac := DecimalDigits(d)
		if gotInt != tt.wantInt || gotFrac != tt.wantFrac {
			t.Errorf("DecimalDigits(%s) = (%d, %d), want (%d, %d)",
				tt.in, gotInt, gotFrac, tt.wantInt, tt.wantFrac)
		}
	}
}

// ----------------------------------------------------------------------------
// Booleans and dispatch
// ----------------------------------------------------------------------------

func TestNormalizeBool(t *testing.T) {
	tests := []struct {
		in      string
		want    string
		wantErr bool
	}{
		{"X", "true", false},
		{"x", "true", false},
		{"true", "true", false},
		{"", "false", false},
		{"no", "false", false},
		{"maybe", "", true},
	}

	for _, tt := range tests {
		got, err := NormalizeBool(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("NormalizeBool(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("NormalizeBool(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestNormalizeValue_HugeExponentFailsFast(t *testing.T) {
	done := make(chan error, 1)
	go func() {
		_, err := NormalizeValue(TypeDecimal, "1e100000000")
		done <- err
	}()

	select {
	case err := <-done:
		if !errors.Is(err, ErrInvalidDecimal) {
			t.Errorf("NormalizeValue() error = %v, want ErrInvalidDecimal", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("NormalizeValue() did not return")
	}
}

func TestNormalizeValue_BlankStaysBlank(t *testing.T) {
	for _, ft := range []FieldType{TypeString, TypeDate, TypeDecimal, TypeBoolean} {
		got, err := NormalizeValue(ft, "  ")
		if err != nil || got != "" {
			t.Errorf("NormalizeValue(%s, blank) = %q, %v", ft, got, err)
		}
	}
}
