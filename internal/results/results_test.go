package results

import (
	"reflect"
	"testing"

	"github.com/ginjaninja78/odata-bulk-upload/internal/types"
)

func rowWith(seq string, status types.Status) *types.CanonicalRow {
	row := types.NewCanonicalRow("goods_receipt", seq, 0)
	switch status {
	case types.StatusValid:
		row.MarkValidated(nil, nil)
	case types.StatusInvalid:
		row.MarkValidated([]types.FieldError{{Field: "Plant", Message: "Plant is required", Severity: types.SeverityError}}, nil)
	case types.StatusSuccess:
		row.MarkSucceeded("posted", nil)
	case types.StatusError:
		row.MarkFailed("rejected by back end", "")
	}
	return row
}

func TestSummarize(t *testing.T) {
	tests := []struct {
		name string
		rows []*types.CanonicalRow
		want Summary
	}{
		{
			name: "empty",
			want: Summary{},
		},
		{
			name: "validated",
			rows: []*types.CanonicalRow{rowWith("1", types.StatusValid), rowWith("2", types.StatusInvalid), rowWith("3", types.StatusValid)},
			want: Summary{Total: 3, Valid: 2, Invalid: 1, ValidCount: 2, ErrorCount: 1},
		},
		{
			name: "submitted",
			rows: []*types.CanonicalRow{rowWith("1", types.StatusSuccess), rowWith("2", types.StatusSuccess), nil},
			want: Summary{Total: 2, Success: 2, ValidCount: 2, IsValid: true},
		},
		{
			name: "mixed",
			rows: []*types.CanonicalRow{rowWith("1", types.StatusPending), rowWith("2", types.StatusError), rowWith("3", types.StatusSuccess)},
			want: Summary{Total: 3, Pending: 1, Success: 1, Error: 1, ValidCount: 1, ErrorCount: 1},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Summarize(tt.rows); got != tt.want {
				t.Errorf("Summarize() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestSummarize_DoesNotMutate(t *testing.T) {
	rows := []*types.CanonicalRow{rowWith("1", types.StatusInvalid)}
	before := *rows[0]
	Summarize(rows)
	Summarize(rows)
	if !reflect.DeepEqual(before, *rows[0]) {
		t.Error("Summarize modified a row")
	}
}

func TestFilterByStatus(t *testing.T) {
	rows := []*types.CanonicalRow{
		rowWith("1", types.StatusValid),
		rowWith("2", types.StatusInvalid),
		rowWith("3", types.StatusSuccess),
		rowWith("4", types.StatusError),
	}

	ids := func(rs []*types.CanonicalRow) []string {
		out := []string{}
		for _, r := range rs {
			out = append(out, r.SequenceID)
		}
		return out
	}

	tests := []struct {
		name     string
		statuses []types.Status
		want     []string
	}{
		{"all", nil, []string{"1", "2", "3", "4"}},
		{"failures", []types.Status{types.StatusInvalid, types.StatusError}, []string{"2", "4"}},
		{"success", []types.Status{types.StatusSuccess}, []string{"3"}},
		{"none", []types.Status{types.StatusPending}, []string{}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := ids(FilterByStatus(rows, tt.statuses...)); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("FilterByStatus() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorsBySequence(t *testing.T) {
	warned := rowWith("3", types.StatusValid)
	warned.Warnings = []types.FieldError{{Field: "PostingDate", Message: "in the future", Severity: types.SeverityWarning}}
	rows := []*types.CanonicalRow{
		rowWith("1", types.StatusValid),
		rowWith("2", types.StatusInvalid),
		warned,
		rowWith("4", types.StatusError),
	}

	issues := ErrorsBySequence(rows)

	if len(issues) != 3 {
		t.Fatalf("len = %d, want 3", len(issues))
	}
	if issues[0].SequenceID != "2" || issues[1].SequenceID != "3" || issues[2].SequenceID != "4" {
		t.Errorf("order = %v %v %v", issues[0].SequenceID, issues[1].SequenceID, issues[2].SequenceID)
	}
	if issues[2].Errors[0].Code != types.CodeSubmission {
		t.Errorf("submission error code = %q", issues[2].Errors[0].Code)
	}

	issues[0].Errors[0].Message = "changed"
	if rows[1].Errors[0].Message == "changed" {
		t.Error("drill-down shares the row's error slice")
	}
}
