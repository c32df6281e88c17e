package submission

import (
	"fmt"
	"strings"
	"time"

	"github.com/ginjaninja78/odata-bulk-upload/internal/constraints"
	"github.com/ginjaninja78/odata-bulk-upload/internal/types"
)

// =============================================================================
// PAYLOAD BUILDER
// =============================================================================

// PayloadBuilder shapes canonical rows into OData V2 deep-insert bodies.
//
// Only declared fields are sent; unmapped columns, metadata and the
// domain's payload_exclude list never reach the back end. Values are typed
// the way OData V2 JSON expects them: Edm.Decimal as exact string,
// Edm.DateTime as "/Date(ms)/", Edm.Boolean as JSON boolean.
type PayloadBuilder struct {
	reg     *constraints.Registry
	exclude map[string]bool
}

// NewPayloadBuilder creates a builder for the registry's domain.
func NewPayloadBuilder(reg *constraints.Registry) *PayloadBuilder {
	d := reg.Domain()
	exclude := map[string]bool{d.SequenceField: true}
	for _, f := range d.Submission.PayloadExclude {
		exclude[f] = true
	}
	return &PayloadBuilder{reg: reg, exclude: exclude}
}

// Build creates the payload of one row.
func (b *PayloadBuilder) Build(row *types.CanonicalRow) (Payload, error) {
	if row == nil {
		return Payload{}, fmt.Errorf("nil row")
	}

	body := make(map[string]any)
	for _, f := range b.reg.Fields() {
		if b.exclude[f.Name] {
			continue
		}
		value := row.Value(f.Name)
		if value == "" {
			continue
		}
		typed, err := jsonValue(f.Type, value)
		if err != nil {
			return Payload{}, fmt.Errorf("row %s field %s: %w", row.SequenceID, f.Name, err)
		}
		body[f.Name] = typed
	}

	for _, sub := range b.reg.SubStructures() {
		entries := row.Subs[sub.Name]
		if len(entries) == 0 {
			continue
		}
		results := make([]map[string]any, 0, len(entries))
		for _, entry := range entries {
			item := make(map[string]any)
			for _, f := range sub.Fields() {
				value := strings.TrimSpace(entry.Fields[f.Name])
				if value == "" || b.exclude[f.Name] {
					continue
				}
				typed, err := jsonValue(f.Type, value)
				if err != nil {
					return Payload{}, fmt.Errorf("row %s %s %s field %s: %w", row.SequenceID, sub.Name, entry.Key, f.Name, err)
				}
				item[f.Name] = typed
			}
			results = append(results, item)
		}
		body[sub.NavigationProperty] = map[string]any{"results": results}
	}

	return Payload{
		SequenceID: row.SequenceID,
		EntitySet:  b.reg.Domain().EntitySet,
		Body:       body,
	}, nil
}

// jsonValue converts a normalized field value to its OData V2 JSON form.
func jsonValue(t constraints.FieldType, value string) (any, error) {
	switch t {
	case constraints.TypeBoolean:
		return value == "true", nil
	case constraints.TypeDate:
		d, err := time.Parse(types.DateLayout, value)
		if err != nil {
			return nil, err
		}
		return fmt.Sprintf("/Date(%d)/", d.UTC().UnixMilli()), nil
	case constraints.TypeDecimal:
		d, err := constraints.ParseDecimal(value)
		if err != nil {
			return nil, err
		}
		return d.String(), nil
	default:
		return value, nil
	}
}
