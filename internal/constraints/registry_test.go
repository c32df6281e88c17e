package constraints

import (
	"bytes"
	"testing"

	"github.com/xuri/excelize/v2"

	"github.com/ginjaninja78/odata-bulk-upload/internal/config"
)

func builtin(t *testing.T, domain string) *config.DomainConfig {
	t.Helper()
	domains, err := config.BuiltinDomains()
	if err != nil {
		t.Fatalf("BuiltinDomains() error = %v", err)
	}
	d, ok := domains[domain]
	if !ok {
		t.Fatalf("domain %s not found", domain)
	}
	return d
}

func TestNewRegistry_AllBuiltins(t *testing.T) {
	domains, err := config.BuiltinDomains()
	if err != nil {
		t.Fatal(err)
	}
	for id, d := range domains {
		if _, err := NewRegistry(d); err != nil {
			t.Errorf("NewRegistry(%s) error = %v", id, err)
		}
	}
}

func TestRegistry_ResolveMainSheet(t *testing.T) {
	reg, err := NewRegistry(builtin(t, "asset_master"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		header string
		want   string
		ok     bool
	}{
		{"Company Code", "CompanyCode", true},
		{"company_code", "CompanyCode", true},
		{"COMPANYCODE", "CompanyCode", true},
		{"Sequence ID", "SequenceID", true},
		{"Seq No", "SequenceID", true},
		{"Depreciation Area 1", "AssetDepreciationArea_1", true},
		{"AssetDepreciationArea_2", "AssetDepreciationArea_2", true},
		{"Depr Key 3", "DepreciationKey_3", true},
		{"Useful Life_5", "PlannedUsefulLifeInYears_5", true},
		{"Depreciation Area 6", "", false},
		{"Free Text", "", false},
		{"", "", false},
	}

	for _, tt := range tests {
		got, ok := reg.Resolve("main", tt.header)
		if ok != tt.ok || got != tt.want {
			t.Errorf("Resolve(%q) = (%q, %v), want (%q, %v)", tt.header, got, ok, tt.want, tt.ok)
		}
	}
}

func TestRegistry_ResolveSecondarySheet(t *testing.T) {
	reg, err := NewRegistry(builtin(t, "customer_journal_entry"))
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		header string
		want   string
	}{
		{"Transaction ID", "SequenceID"},
		{"D/C", "DebitCreditCode"},
		{"Debit/Credit Indicator", "DebitCreditCode"},
		{"Amount", "AmountInTransactionCurrency"},
		{"Special GL", "SpecialGLCode"},
	}

	for _, tt := range tests {
		got, ok := reg.Resolve("lines", tt.header)
		if !ok || got != tt.want {
			t.Errorf("Resolve(lines, %q) = (%q, %v), want %q", tt.header, got, ok, tt.want)
		}
	}
}

func TestRegistry_TypeOf(t *testing.T) {
	reg, err := NewRegistry(builtin(t, "asset_master"))
	if err != nil {
		t.Fatal(err)
	}

	if got := reg.TypeOf("main", "AssetCapitalizationDate"); got != TypeDate {
		t.Errorf("TypeOf(AssetCapitalizationDate) = %s", got)
	}
	if got := reg.TypeOf("main", "DepreciationStartDate_2"); got != TypeDate {
		t.Errorf("TypeOf(DepreciationStartDate_2) = %s", got)
	}
	if got := reg.TypeOf("main", "Unknown"); got != TypeString {
		t.Errorf("TypeOf(Unknown) = %s", got)
	}
}

func TestRegistry_FieldLookup(t *testing.T) {
	reg, err := NewRegistry(builtin(t, "goods_receipt"))
	if err != nil {
		t.Fatal(err)
	}

	c, ok := reg.Field("QuantityInEntryUnit")
	if !ok {
		t.Fatal("QuantityInEntryUnit not found")
	}
	if c.Type != TypeDecimal || c.Precision != 13 || c.Scale != 3 {
		t.Errorf("constraint = %+v", c)
	}
	if reg.Label("PurchaseOrder") != "Purchase Order" {
		t.Errorf("Label = %q", reg.Label("PurchaseOrder"))
	}
	if reg.Label("NotAField") != "NotAField" {
		t.Errorf("Label fallback = %q", reg.Label("NotAField"))
	}

	mt, _ := reg.Field("GoodsMovementType")
	if !mt.Allows("101") || mt.Allows("999") {
		t.Errorf("Allows() wrong for %v", mt.AllowedValues)
	}
}

func TestCompile_Invalid(t *testing.T) {
	tests := []config.FieldDef{
		{Name: "A", Type: "money"},
		{Name: "A", Pattern: "("},
		{Name: "A", MinValue: "ten"},
	}
	for _, def := range tests {
		if _, err := Compile(def); err == nil {
			t.Errorf("Compile(%+v) expected error", def)
		}
	}
}

// ----------------------------------------------------------------------------
// Templates
// ----------------------------------------------------------------------------

func buildTemplate(t *testing.T, rows [][]any) *bytes.Buffer {
	t.Helper()
	f := excelize.NewFile()
	defer f.Close()

	for i, row := range rows {
		cell, err := excelize.CoordinatesToCellName(1, i+1)
		if err != nil {
			t.Fatal(err)
		}
		if err := f.SetSheetRow("Sheet1", cell, &row); err != nil {
			t.Fatal(err)
		}
	}

	buf, err := f.WriteToBuffer()
	if err != nil {
		t.Fatal(err)
	}
	return buf
}

func TestReadTemplate(t *testing.T) {
	buf := buildTemplate(t, [][]any{
		{"Header", "Field", "Type", "Max", "Required", "Precision", "Scale", "Pattern", "Allowed", "Sub", "Condition"},
		{"Company Code", "CompanyCode", "string", 4, "required"},
		{"Net Value", "NetValue", "decimal", "", "optional", 15, 2},
		{"Tax Code", "TaxCode", "string", 2, "conditional", "", "", "", "V0;V1", "", "NetValue > 0"},
		{"Area", "AssetDepreciationArea", "string", 2, "required", "", "", "^[0-9]{2}$", "", "DepreciationAreas"},
		{},
	})

	tpl, err := ReadTemplate(buf)
	if err != nil {
		t.Fatalf("ReadTemplate() error = %v", err)
	}

	if len(tpl.Fields) != 3 {
		t.Fatalf("len(Fields) = %d, want 3", len(tpl.Fields))
	}
	if !tpl.Fields[0].Required || tpl.Fields[0].MaxLength != 4 {
		t.Errorf("CompanyCode = %+v", tpl.Fields[0])
	}
	if tpl.Fields[1].Precision != 15 || tpl.Fields[1].Scale != 2 {
		t.Errorf("NetValue = %+v", tpl.Fields[1])
	}
	if got := tpl.Fields[2].AllowedValues; len(got) != 2 || got[1] != "V1" {
		t.Errorf("TaxCode allowed = %v", got)
	}
	if len(tpl.Conditional) != 1 || tpl.Conditional[0].When != "NetValue > 0" {
		t.Errorf("Conditional = %+v", tpl.Conditional)
	}
	if len(tpl.SubFields["DepreciationAreas"]) != 1 {
		t.Errorf("SubFields = %+v", tpl.SubFields)
	}
	if tpl.Aliases["Net Value"] != "NetValue" {
		t.Errorf("Aliases = %v", tpl.Aliases)
	}

	merged, err := tpl.Apply(builtin(t, "asset_master"))
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}
	reg, err := NewRegistry(merged)
	if err != nil {
		t.Fatalf("NewRegistry(merged) error = %v", err)
	}
	if _, ok := reg.Field("NetValue"); !ok {
		t.Error("merged registry lacks NetValue")
	}
	sub, _ := reg.SubStructure("DepreciationAreas")
	area, _ := sub.Field("AssetDepreciationArea")
	if !area.Required {
		t.Error("template did not replace AssetDepreciationArea")
	}
	if got, _ := reg.Resolve("main", "Depr Area 2"); got != "AssetDepreciationArea_2" {
		t.Errorf("aliases lost after merge: %q", got)
	}
}

func TestReadTemplate_BadRow(t *testing.T) {
	buf := buildTemplate(t, [][]any{
		{"Header", "Field", "Type"},
		{"Amount", "Amount", "money"},
	})
	if _, err := ReadTemplate(buf); err == nil {
		t.Error("expected error for unknown type")
	}
}
