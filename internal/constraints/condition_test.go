package constraints

import "testing"

func TestCondition_Eval(t *testing.T) {
	fields := map[string]string{
		"AccountAssignmentCategory": "K",
		"Amount":                    "1500.50",
		"PolicyNumber":              "A12345",
		"Empty":                     "  ",
	}

	tests := []struct {
		expr string
		want bool
	}{
		{"AccountAssignmentCategory == 'K'", true},
		{"if AccountAssignmentCategory == 'P'", false},
		{"AccountAssignmentCategory != 'P'", true},
		{"Amount > 1000", true},
		{"Amount < 1000", false},
		{"Amount >= 1500.50", true},
		{"Amount <= 1500.4", false},
		{"Amount == 1500.5", true},
		{"PolicyNumber > 10", false},
		{"PolicyNumber starts_with 'A'", true},
		{"PolicyNumber ends_with '45'", true},
		{"PolicyNumber contains '234'", true},
		{"Empty is_empty", true},
		{"Missing is_empty", true},
		{"Amount is_not_empty", true},
		{"Empty is_not_empty", false},
	}

	for _, tt := range tests {
		c, err := ParseCondition(tt.expr)
		if err != nil {
			t.Errorf("ParseCondition(%q) error = %v", tt.expr, err)
			continue
		}
		if got := c.Eval(fields); got != tt.want {
			t.Errorf("%q.Eval() = %v, want %v", tt.expr, got, tt.want)
		}
	}
}

func TestParseCondition_Invalid(t *testing.T) {
	for _, expr := range []string{"", "Amount", "Amount ~= 3", "Amount == K"} {
		if _, err := ParseCondition(expr); err == nil {
			t.Errorf("ParseCondition(%q) expected error", expr)
		}
	}
}

func TestCondition_String(t *testing.T) {
	for _, expr := range []string{"A == 'x'", "A > 10", "A is_not_empty", "A contains 'b'"} {
		c := MustParseCondition(expr)
		if got := c.String(); got != expr {
			t.Errorf("String() = %q, want %q", got, expr)
		}
	}
}
