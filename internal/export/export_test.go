package export

import (
	"errors"
	"reflect"
	"strings"
	"testing"

	"github.com/ginjaninja78/odata-bulk-upload/internal/config"
	"github.com/ginjaninja78/odata-bulk-upload/internal/constraints"
	"github.com/ginjaninja78/odata-bulk-upload/internal/types"
)

// ----------------------------------------------------------------------------
// Helpers
// ----------------------------------------------------------------------------

func registry(t *testing.T, domain string) *constraints.Registry {
	t.Helper()
	domains, err := config.BuiltinDomains()
	if err != nil {
		t.Fatalf("BuiltinDomains() error = %v", err)
	}
	reg, err := constraints.NewRegistry(domains[domain])
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return reg
}

func receipt(seq, grn string, status types.Status) *types.CanonicalRow {
	row := types.NewCanonicalRow("goods_receipt", seq, 0)
	row.Fields["GRNDocumentNumber"] = grn
	row.Fields["PurchaseOrder"] = "4500000001"
	row.Fields["Plant"] = "1010"
	row.Fields["PostingDate"] = "2024-01-15"
	switch status {
	case types.StatusValid:
		row.MarkValidated(nil, nil)
	case types.StatusInvalid:
		row.MarkValidated([]types.FieldError{{Field: "Plant", Message: "Plant is required", Severity: types.SeverityError, Code: types.CodeRequired}}, nil)
	case types.StatusSuccess:
		row.MarkSucceeded("Material document 4900000001 (2024) posted", map[string]string{
			"MaterialDocument":     "4900000001",
			"MaterialDocumentYear": "2024",
			"MaterialDocumentUUID": "fa163e-0001",
		})
	case types.StatusError:
		row.MarkFailed("Deficit of PO quantity", "M7/021")
	}
	return row
}

// ----------------------------------------------------------------------------
// Records
// ----------------------------------------------------------------------------

func TestGroupBy_FirstSeenOrder(t *testing.T) {
	policy := PolicyFor(registry(t, "goods_receipt"))
	rows := []*types.CanonicalRow{
		receipt("1", "5000000123", types.StatusValid),
		receipt("2", "5000000999", types.StatusValid),
		receipt("3", "5000000123", types.StatusValid),
	}

	g, err := GroupBy(rows, "GRNDocumentNumber", FilterAll, policy)
	if err != nil {
		t.Fatalf("GroupBy() error = %v", err)
	}

	if want := []string{"5000000123", "5000000999"}; !reflect.DeepEqual(g.Keys, want) {
		t.Errorf("Keys = %v, want %v", g.Keys, want)
	}
	first := g.Records["5000000123"]
	if len(first) != 2 {
		t.Fatalf("group 5000000123 has %d records, want 2", len(first))
	}
	if first[0]["Sequence ID"] != "1" || first[1]["Sequence ID"] != "3" {
		t.Errorf("group records = %v, %v", first[0]["Sequence ID"], first[1]["Sequence ID"])
	}
}

func TestBuildExportRecords_NoData(t *testing.T) {
	policy := PolicyFor(registry(t, "goods_receipt"))
	rows := []*types.CanonicalRow{
		receipt("1", "5000000123", types.StatusValid),
		receipt("2", "5000000124", types.StatusValid),
	}

	_, _, err := BuildExportRecords(rows, FilterError, policy)
	var noData *NoDataError
	if !errors.As(err, &noData) {
		t.Fatalf("error = %v, want NoDataError", err)
	}
	if noData.Total != 2 || noData.Code() != CodeNoData {
		t.Errorf("NoDataError = %+v", noData)
	}

	if _, err := GroupBy(rows, "GRNDocumentNumber", FilterError, policy); !errors.As(err, &noData) {
		t.Errorf("GroupBy() error = %v, want NoDataError", err)
	}
}

func TestBuildExportRecords_Filters(t *testing.T) {
	policy := PolicyFor(registry(t, "goods_receipt"))
	rows := []*types.CanonicalRow{
		receipt("1", "A", types.StatusValid),
		receipt("2", "B", types.StatusInvalid),
		receipt("3", "C", types.StatusSuccess),
		receipt("4", "D", types.StatusError),
		nil,
	}

	tests := []struct {
		filter Filter
		want   []string
	}{
		{FilterAll, []string{"1", "2", "3", "4"}},
		{FilterSuccess, []string{"1", "3"}},
		{FilterError, []string{"2", "4"}},
	}

	for _, tt := range tests {
		t.Run(string(tt.filter), func(t *testing.T) {
			records, _, err := BuildExportRecords(rows, tt.filter, policy)
			if err != nil {
				t.Fatalf("BuildExportRecords() error = %v", err)
			}
			var got []string
			for _, r := range records {
				got = append(got, r["Sequence ID"])
			}
			if !reflect.DeepEqual(got, tt.want) {
				t.Errorf("records = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestBuildExportRecords_ExcludedFieldsAndMessages(t *testing.T) {
	policy := PolicyFor(registry(t, "goods_receipt"))
	success := receipt("1", "A", types.StatusSuccess)
	success.Message = ""
	success.Response["SuccessMessage"] = "Posted via legacy field"
	success.Response["__metadata"] = "uri"
	failed := receipt("2", "B", types.StatusError)
	failed.Extra["ErrorMessage"] = "old error column"

	rows := []*types.CanonicalRow{success, failed, receipt("3", "C", types.StatusSuccess)}
	records, columns, err := BuildExportRecords(rows, FilterAll, policy)
	if err != nil {
		t.Fatalf("BuildExportRecords() error = %v", err)
	}

	for _, excluded := range []string{"__metadata", "MaterialDocumentUUID", "SuccessMessage", "ErrorMessage", "GRNMessage"} {
		for _, c := range columns {
			if c == excluded {
				t.Errorf("column %s must not be exported", excluded)
			}
		}
	}
	for i, r := range records {
		if r[ColumnMessage] == "" {
			t.Errorf("record %d has a blank Message", i)
		}
	}
	if got := records[0][ColumnMessage]; got != "Posted via legacy field" {
		t.Errorf("folded success message = %q", got)
	}
	if got := records[1][ColumnMessage]; got != "Deficit of PO quantity" {
		t.Errorf("failure message = %q", got)
	}
	if got := records[2]["MaterialDocument"]; got != "4900000001" {
		t.Errorf("document column = %q", got)
	}
}

func TestBuildExportRecords_ColumnPresence(t *testing.T) {
	policy := Policy{
		Columns: []Column{
			{Field: "SequenceID", Header: "Sequence ID"},
			{Field: "Status", Header: "Status"},
			{Field: "Message", Header: "Message"},
			{Field: "Plant", Header: "Plant"},
			{Field: "Batch", Header: "Batch"},
			{Field: "StorageLocation", Header: "Storage Location"},
		},
		Mandatory:     []string{"SequenceID", "Status", "Message"},
		SequenceField: "SequenceID",
	}

	rows := []*types.CanonicalRow{
		receipt("1", "A", types.StatusValid),
		receipt("2", "B", types.StatusValid),
		receipt("3", "C", types.StatusValid),
		receipt("4", "D", types.StatusValid),
	}
	rows[0].Fields["StorageLocation"] = "0001"

	tests := []struct {
		name        string
		minPresence float64
		want        []string
	}{
		{"present once", 0, []string{"Sequence ID", "Status", "Message", "Plant", "Storage Location"}},
		{"half of records", 0.5, []string{"Sequence ID", "Status", "Message", "Plant"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := policy
			p.MinPresence = tt.minPresence
			records, columns, err := BuildExportRecords(rows, FilterAll, p)
			if err != nil {
				t.Fatalf("BuildExportRecords() error = %v", err)
			}
			if !reflect.DeepEqual(columns, tt.want) {
				t.Errorf("columns = %v, want %v", columns, tt.want)
			}
			if _, ok := records[0]["Batch"]; ok {
				t.Error("all-blank column Batch exported")
			}
			if records[0]["Message"] != "" {
				t.Errorf("valid row message = %q, want blank", records[0]["Message"])
			}
		})
	}
}

func TestBuildExportRecords_DoesNotMutateRows(t *testing.T) {
	policy := PolicyFor(registry(t, "goods_receipt"))
	row := receipt("1", "A", types.StatusSuccess)
	before := len(row.Fields)

	if _, _, err := BuildExportRecords([]*types.CanonicalRow{row}, FilterAll, policy); err != nil {
		t.Fatalf("BuildExportRecords() error = %v", err)
	}
	if len(row.Fields) != before || row.Status != types.StatusSuccess {
		t.Error("row was modified")
	}
}

func TestFoldMessage(t *testing.T) {
	legacy := []string{"ErrorMessage", "SuccessMessage"}

	tests := []struct {
		name string
		row  func() *types.CanonicalRow
		want string
	}{
		{"success message", func() *types.CanonicalRow { return receipt("1", "A", types.StatusSuccess) }, "Material document 4900000001 (2024) posted"},
		{"success generic", func() *types.CanonicalRow {
			r := receipt("1", "A", types.StatusSuccess)
			r.Message = ""
			return r
		}, "Processed successfully"},
		{"error legacy column", func() *types.CanonicalRow {
			r := receipt("1", "A", types.StatusError)
			r.Message = ""
			r.Extra["ErrorMessage"] = "Legacy error"
			r.Extra["SuccessMessage"] = "ignored"
			return r
		}, "Legacy error"},
		{"invalid joins errors", func() *types.CanonicalRow { return receipt("1", "A", types.StatusInvalid) }, "Plant: Plant is required"},
		{"pending", func() *types.CanonicalRow { return types.NewCanonicalRow("goods_receipt", "1", 0) }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := FoldMessage(tt.row(), legacy); got != tt.want {
				t.Errorf("FoldMessage() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestParseFilter(t *testing.T) {
	for _, name := range []string{"", "ALL", " success ", "error"} {
		if _, err := ParseFilter(name); err != nil {
			t.Errorf("ParseFilter(%q) error = %v", name, err)
		}
	}
	if _, err := ParseFilter("valid"); err == nil || !strings.Contains(err.Error(), "valid") {
		t.Errorf("ParseFilter(valid) error = %v", err)
	}
}
