// =============================================================================
// OData Bulk Upload - Row Transformer
// =============================================================================
//
// The transformer turns raw sheet rows into canonical rows:
//
//   1. Assign the sequence id (sequence column, else 1-based row index)
//   2. Map every key to its canonical field; unknown keys go to Extra
//   3. Apply the domain's transformation actions
//   4. Normalize values to their field type (dates, decimals, booleans);
//      values that cannot be normalized are moved to Rejected
//   5. Build repeating sub-structures from child-sheet rows or numbered
//      column blocks and deduplicate them by discriminator
//
// The transformer never fails on bad data. Everything it could not use is
// reported as a Diagnostic and left for the validator to flag.
//
// =============================================================================

package transform

import (
	"fmt"
	"log/slog"
	"sort"
	"strconv"
	"strings"

	"github.com/ginjaninja78/odata-bulk-upload/internal/constraints"
	"github.com/ginjaninja78/odata-bulk-upload/internal/types"
)

// =============================================================================
// DIAGNOSTICS
// =============================================================================

// DiagnosticKind classifies a transformer diagnostic.
type DiagnosticKind string

const (
	// DiagDuplicateDropped: a sub-structure entry repeated a discriminator
	// and was dropped (keep_first policy).
	DiagDuplicateDropped DiagnosticKind = "duplicate_dropped"

	// DiagRejected: a value could not be normalized to its field type.
	DiagRejected DiagnosticKind = "rejected"

	// DiagActionFailed: a transformation action returned an error; the
	// previous value was kept.
	DiagActionFailed DiagnosticKind = "action_failed"

	// DiagSequenceRenamed: a sequence id collided inside the batch.
	DiagSequenceRenamed DiagnosticKind = "sequence_renamed"
)

// Diagnostic is a non-fatal observation made while transforming a row.
type Diagnostic struct {
	Kind       DiagnosticKind
	SequenceID string
	Line       int
	Field      string
	Message    string
}

func (d Diagnostic) String() string {
	if d.Field != "" {
		return fmt.Sprintf("row %s (line %d) %s: %s", d.SequenceID, d.Line, d.Field, d.Message)
	}
	return fmt.Sprintf("row %s (line %d): %s", d.SequenceID, d.Line, d.Message)
}

// =============================================================================
// TRANSFORMER
// =============================================================================

// blockRef locates a numbered column of a column-block sub-structure.
type blockRef struct {
	sub   *constraints.SubRegistry
	n     int
	field string
}

// Transformer converts RawRows of one domain into CanonicalRows.
type Transformer struct {
	reg    *constraints.Registry
	rules  []rule
	blocks map[string]blockRef
	logger *slog.Logger
}

// Option configures a Transformer.
type Option func(*Transformer)

// WithLogger sets the logger used for diagnostics.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Transformer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// New creates a transformer for the registry's domain. It fails when a
// transformation rule is invalid.
func New(reg *constraints.Registry, opts ...Option) (*Transformer, error) {
	if reg == nil {
		return nil, fmt.Errorf("nil constraint registry")
	}

	rules, err := compileRules(reg.Domain().TransformationRules)
	if err != nil {
		return nil, fmt.Errorf("domain %s: %w", reg.Domain().Domain, err)
	}

	t := &Transformer{
		reg:    reg,
		rules:  rules,
		blocks: make(map[string]blockRef),
		logger: slog.Default(),
	}
	for _, sub := range reg.SubStructures() {
		for n := 1; n <= sub.ColumnBlocks; n++ {
			for _, f := range sub.Fields() {
				t.blocks[constraints.BlockField(f.Name, n)] = blockRef{sub: sub, n: n, field: f.Name}
			}
		}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Transform converts one raw row.
//
// PARAMETERS:
//   - raw: The parsed sheet row.
//   - index: The 0-based position of the row in the upload.
//
// RETURNS:
//   - The canonical row, Pending with no errors.
//   - Diagnostics for values that were dropped or rejected.
//
// Transforming the same raw row at the same index always yields the same
// sequence id.
func (t *Transformer) Transform(raw types.RawRow, index int) (*types.CanonicalRow, []Diagnostic) {
	d := t.reg.Domain()
	mainRole := d.MainSheet().Role

	seq := strings.TrimSpace(raw.Cells[d.SequenceField])
	if seq == "" {
		seq = strconv.Itoa(index + 1)
	}

	row := types.NewCanonicalRow(d.Domain, seq, index)
	row.Line = raw.Line

	var diags []Diagnostic
	blockValues := make(map[string]string)

	for _, key := range sortedKeys(raw.Cells) {
		value := raw.Cells[key]
		if key == d.SequenceField {
			continue
		}
		canonical, ok := t.reg.Resolve(mainRole, key)
		if !ok {
			row.Extra[key] = value
			continue
		}
		if canonical == d.SequenceField || canonical == d.JoinField {
			continue
		}
		if _, isBlock := t.blocks[canonical]; isBlock {
			blockValues[canonical] = value
			continue
		}
		if _, declared := t.reg.Field(canonical); !declared {
			row.Extra[key] = value
			continue
		}
		row.Fields[canonical] = value
	}

	diags = append(diags, t.applyRules(row)...)

	for _, field := range sortedKeys(row.Fields) {
		c, _ := t.reg.Field(field)
		value := row.Fields[field]
		normalized, err := constraints.NormalizeValue(c.Type, value)
		if err != nil {
			delete(row.Fields, field)
			row.Rejected[field] = value
			diags = append(diags, Diagnostic{
				Kind: DiagRejected, SequenceID: seq, Line: raw.Line, Field: field,
				Message: fmt.Sprintf("value %q is not a valid %s", value, c.Type),
			})
			continue
		}
		row.Fields[field] = normalized
	}

	for _, sub := range t.reg.SubStructures() {
		var entries []types.SubRow
		var subDiags []Diagnostic
		if sub.Sheet != "" {
			entries, subDiags = t.sheetEntries(sub, raw, seq)
		} else {
			entries, subDiags = t.blockEntries(sub, blockValues, seq, raw.Line)
		}
		diags = append(diags, subDiags...)

		kept, dropped := dedupe(sub, entries, seq, raw.Line)
		diags = append(diags, dropped...)
		if len(kept) > 0 {
			row.Subs[sub.Name] = kept
		}
	}

	for _, diag := range diags {
		t.logger.Debug("transform diagnostic",
			"kind", string(diag.Kind),
			"sequence_id", diag.SequenceID,
			"line", diag.Line,
			"field", diag.Field,
			"message", diag.Message,
		)
	}

	return row, diags
}

// TransformAll converts every raw row in order and makes sequence ids
// unique within the batch. A repeated explicit sequence id becomes
// "<id>~<n>" and the original text is recorded in Rejected under the
// sequence field, which the validator reports as a duplicate.
//
// Explicit ids are claimed before assigned ones: an assigned id that
// collides with an explicit id anywhere in the batch is renamed instead,
// and that rename is not reported as a duplicate.
func (t *Transformer) TransformAll(raws []types.RawRow) ([]*types.CanonicalRow, []Diagnostic) {
	seqField := t.reg.Domain().SequenceField
	rows := make([]*types.CanonicalRow, len(raws))
	rowDiags := make([][]Diagnostic, len(raws))
	explicit := make([]bool, len(raws))
	reserved := make(map[string]bool, len(raws))

	for i, raw := range raws {
		rows[i], rowDiags[i] = t.Transform(raw, i)
		if strings.TrimSpace(raw.Cells[seqField]) != "" {
			explicit[i] = true
			reserved[rows[i].SequenceID] = true
		}
	}

	rename := func(i int) {
		row := rows[i]
		original := row.SequenceID
		row.SequenceID = uniqueID(original, reserved)
		reserved[row.SequenceID] = true
		if explicit[i] {
			row.Rejected[seqField] = original
		}
		rowDiags[i] = append(rowDiags[i], Diagnostic{
			Kind: DiagSequenceRenamed, SequenceID: row.SequenceID, Line: raws[i].Line, Field: seqField,
			Message: fmt.Sprintf("sequence id %q already used in this upload, renamed to %q", original, row.SequenceID),
		})
		t.logger.Warn("duplicate sequence id", "sequence_id", original, "renamed", row.SequenceID, "line", raws[i].Line)
	}

	claimed := make(map[string]bool, len(raws))
	for i, row := range rows {
		if !explicit[i] {
			continue
		}
		if claimed[row.SequenceID] {
			rename(i)
		}
		claimed[row.SequenceID] = true
	}
	for i, row := range rows {
		if explicit[i] {
			continue
		}
		if reserved[row.SequenceID] {
			rename(i)
		}
		reserved[row.SequenceID] = true
	}

	var diags []Diagnostic
	for _, d := range rowDiags {
		diags = append(diags, d...)
	}
	return rows, diags
}

// =============================================================================
// TRANSFORMATION RULES
// =============================================================================

func (t *Transformer) applyRules(row *types.CanonicalRow) []Diagnostic {
	var diags []Diagnostic
	for _, r := range t.rules {
		value, present := row.Fields[r.field]
		for _, a := range r.actions {
			result, err := apply(value, a, row.Fields)
			if err != nil {
				diags = append(diags, Diagnostic{
					Kind: DiagActionFailed, SequenceID: row.SequenceID, Line: row.Line, Field: r.field,
					Message: fmt.Sprintf("%s: %v", a.Type, err),
				})
				continue
			}
			value = result
		}
		if present || value != "" {
			row.Fields[r.field] = value
		}
	}
	return diags
}

// =============================================================================
// SUB-STRUCTURES
// =============================================================================

// sheetEntries builds sub-structure entries from the joined rows of a
// secondary sheet.
func (t *Transformer) sheetEntries(sub *constraints.SubRegistry, raw types.RawRow, seq string) ([]types.SubRow, []Diagnostic) {
	d := t.reg.Domain()
	var entries []types.SubRow
	var diags []Diagnostic

	for _, child := range raw.Children[sub.Sheet] {
		values := make(map[string]string)
		for _, key := range sortedKeys(child.Cells) {
			canonical, ok := t.reg.Resolve(sub.Sheet, key)
			if !ok || canonical == d.JoinField || canonical == d.SequenceField {
				continue
			}
			if _, declared := sub.Field(canonical); declared {
				values[canonical] = child.Cells[key]
			}
		}
		entry, entryDiags := normalizeEntry(sub, values, seq, child.Line)
		diags = append(diags, entryDiags...)
		if entry != nil {
			entries = append(entries, *entry)
		}
	}
	return entries, diags
}

// blockEntries builds sub-structure entries from numbered column blocks on
// the main sheet. Blocks whose columns are all blank are skipped.
func (t *Transformer) blockEntries(sub *constraints.SubRegistry, blockValues map[string]string, seq string, line int) ([]types.SubRow, []Diagnostic) {
	var entries []types.SubRow
	var diags []Diagnostic

	for n := 1; n <= sub.ColumnBlocks; n++ {
		values := make(map[string]string)
		for _, f := range sub.Fields() {
			if v, ok := blockValues[constraints.BlockField(f.Name, n)]; ok {
				values[f.Name] = v
			}
		}
		entry, entryDiags := normalizeEntry(sub, values, seq, line)
		diags = append(diags, entryDiags...)
		if entry != nil {
			entries = append(entries, *entry)
		}
	}
	return entries, diags
}

// normalizeEntry converts the values of one entry to their field types.
// It returns nil when every value is blank.
func normalizeEntry(sub *constraints.SubRegistry, values map[string]string, seq string, line int) (*types.SubRow, []Diagnostic) {
	blank := true
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			blank = false
			break
		}
	}
	if blank {
		return nil, nil
	}

	entry := types.SubRow{
		Fields:   make(map[string]string, len(values)),
		Rejected: make(map[string]string),
	}
	var diags []Diagnostic
	for _, field := range sortedKeys(values) {
		c, _ := sub.Field(field)
		normalized, err := constraints.NormalizeValue(c.Type, values[field])
		if err != nil {
			entry.Rejected[field] = values[field]
			diags = append(diags, Diagnostic{
				Kind: DiagRejected, SequenceID: seq, Line: line, Field: sub.Name + "." + field,
				Message: fmt.Sprintf("value %q is not a valid %s", values[field], c.Type),
			})
			continue
		}
		entry.Fields[field] = normalized
	}
	entry.Key = strings.TrimSpace(entry.Fields[sub.Discriminator])
	return &entry, diags
}

// dedupe applies the sub-structure's duplicate policy. With keep_first the
// first entry of each discriminator value is kept and later ones are
// reported; with error every entry is kept for the validator to flag.
// Entries without a discriminator are always kept.
func dedupe(sub *constraints.SubRegistry, entries []types.SubRow, seq string, line int) ([]types.SubRow, []Diagnostic) {
	if sub.DuplicatePolicy == "error" {
		return entries, nil
	}

	kept := make([]types.SubRow, 0, len(entries))
	seen := make(map[string]bool, len(entries))
	var diags []Diagnostic
	for _, e := range entries {
		if e.Key != "" && seen[e.Key] {
			diags = append(diags, Diagnostic{
				Kind: DiagDuplicateDropped, SequenceID: seq, Line: line, Field: sub.Name + "." + sub.Discriminator,
				Message: fmt.Sprintf("duplicate %s %q dropped, first occurrence kept", sub.Discriminator, e.Key),
			})
			continue
		}
		seen[e.Key] = true
		kept = append(kept, e)
	}
	return kept, diags
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// uniqueID returns the first "<id>~<n>" (n >= 2) not yet used.
func uniqueID(id string, used map[string]bool) string {
	for n := 2; ; n++ {
		candidate := id + "~" + strconv.Itoa(n)
		if !used[candidate] {
			return candidate
		}
	}
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
