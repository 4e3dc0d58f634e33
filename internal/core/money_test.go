package core

import (
	"encoding/json"
	"testing"
)

func TestParseAmount(t *testing.T) {
	cases := []struct {
		in  string
		out string
		ok  bool
	}{
		{"1", "1", true},
		{"1.0", "1", true},
		{"1.23", "1.23", true},
		{"1,23", "1.23", true},
		{"0.01", "0.01", true},
		{" 2.50 ", "2.5", true},
		{"1000", "1000", true},
		{"-1", "", false},
		{"+1", "", false},
		{"0", "", false},
		{"0.00", "", false},
		{"abc", "", false},
		{"1e3", "", false},
		{"1.2.3", "", false},
		{"", "", false},
	}
	for _, tc := range cases {
		got, err := ParseAmount(tc.in)
		if tc.ok {
			if err != nil || got.String() != tc.out {
				t.Fatalf("%q expected %s, got %s (err=%v)", tc.in, tc.out, got, err)
			}
		} else {
			if err == nil {
				t.Fatalf("%q expected error", tc.in)
			}
		}
	}
}

func TestAmountValidate(t *testing.T) {
	if err := AmountFromInt(1).Validate(); err != nil {
		t.Fatalf("expected ok, got %v", err)
	}
	if err := (Amount{}).Validate(); err != ErrInvalidAmount {
		t.Fatalf("expected ErrInvalidAmount for zero, got %v", err)
	}
	if err := AmountFromInt(-5).Validate(); err != ErrInvalidAmount {
		t.Fatalf("expected ErrInvalidAmount for negative, got %v", err)
	}
}

func TestAmountJSON(t *testing.T) {
	data, err := json.Marshal(AmountFromFloat(12.5))
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if string(data) != "12.5" {
		t.Fatalf("expected bare number, got %s", data)
	}

	for _, in := range []string{`12.5`, `"12.5"`} {
		var a Amount
		if err := json.Unmarshal([]byte(in), &a); err != nil {
			t.Fatalf("unmarshal %s: %v", in, err)
		}
		if !a.Equal(AmountFromFloat(12.5)) {
			t.Fatalf("unmarshal %s: got %s", in, a)
		}
	}

	var a Amount
	if err := json.Unmarshal([]byte(`"twelve"`), &a); err == nil {
		t.Fatalf("expected error for non-numeric amount")
	}
}

func TestFormatAmount(t *testing.T) {
	if got := FormatAmount("Rs.", AmountFromInt(1000)); got != "Rs. 1000.00" {
		t.Fatalf("unexpected format: %q", got)
	}
	if got := FormatAmount("", AmountFromFloat(3.456)); got != "3.46" {
		t.Fatalf("unexpected format without symbol: %q", got)
	}
}
