package constraints

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"unicode"

	"github.com/ginjaninja78/odata-bulk-upload/internal/config"
)

// =============================================================================
// REGISTRY
// =============================================================================

// Registry is the compiled constraint table of one domain.
type Registry struct {
	domain *config.DomainConfig

	fields []FieldConstraint
	index  map[string]int

	// aliases maps normalized header text to canonical names. It holds the
	// domain header aliases plus every name, label and alias of main fields.
	aliases map[string]string

	subs []*SubRegistry
}

// SubRegistry holds the constraints of one repeating sub-structure.
type SubRegistry struct {
	Name               string
	Sheet              string
	ColumnBlocks       int
	Discriminator      string
	DuplicatePolicy    string
	MinEntries         int
	NavigationProperty string

	fields  []FieldConstraint
	index   map[string]int
	aliases map[string]string
}

// NewRegistry compiles the constraint registry of a domain.
func NewRegistry(d *config.DomainConfig) (*Registry, error) {
	if d == nil {
		return nil, fmt.Errorf("nil domain configuration")
	}

	r := &Registry{
		domain:  d,
		index:   make(map[string]int),
		aliases: make(map[string]string),
	}

	fields, index, err := compileFields(d.Fields)
	if err != nil {
		return nil, fmt.Errorf("domain %s: %w", d.Domain, err)
	}
	r.fields, r.index = fields, index

	for _, c := range r.fields {
		addAliases(r.aliases, c)
	}
	r.aliases[Normalize(d.SequenceField)] = d.SequenceField
	r.aliases[Normalize(d.JoinField)] = d.JoinField

	for _, def := range d.SubStructures {
		sub := &SubRegistry{
			Name:               def.Name,
			Sheet:              def.Sheet,
			ColumnBlocks:       def.ColumnBlocks,
			Discriminator:      def.Discriminator,
			DuplicatePolicy:    def.DuplicatePolicy,
			MinEntries:         def.MinEntries,
			NavigationProperty: def.NavigationProperty,
			aliases:            make(map[string]string),
		}
		sub.fields, sub.index, err = compileFields(def.Fields)
		if err != nil {
			return nil, fmt.Errorf("domain %s, sub-structure %s: %w", d.Domain, def.Name, err)
		}
		if _, ok := sub.index[sub.Discriminator]; !ok {
			return nil, fmt.Errorf("domain %s, sub-structure %s: discriminator %s is not a field",
				d.Domain, def.Name, def.Discriminator)
		}
		for _, c := range sub.fields {
			addAliases(sub.aliases, c)
		}
		r.subs = append(r.subs, sub)
	}

	// Configured header aliases win over derived ones.
	for header, canonical := range d.HeaderAliases {
		r.aliases[Normalize(header)] = canonical
	}

	return r, nil
}

func compileFields(defs []config.FieldDef) ([]FieldConstraint, map[string]int, error) {
	fields := make([]FieldConstraint, 0, len(defs))
	index := make(map[string]int, len(defs))
	for _, def := range defs {
		c, err := Compile(def)
		if err != nil {
			return nil, nil, err
		}
		index[c.Name] = len(fields)
		fields = append(fields, c)
	}
	return fields, index, nil
}

func addAliases(aliases map[string]string, c FieldConstraint) {
	aliases[Normalize(c.Name)] = c.Name
	if c.Label != "" {
		aliases[Normalize(c.Label)] = c.Name
	}
	for _, a := range c.Aliases {
		aliases[Normalize(a)] = c.Name
	}
}

// Domain returns the domain configuration the registry was built from.
func (r *Registry) Domain() *config.DomainConfig {
	return r.domain
}

// Fields returns the main-row constraints in declaration order.
func (r *Registry) Fields() []FieldConstraint {
	return append([]FieldConstraint(nil), r.fields...)
}

// Field looks up a main-row constraint by canonical name.
func (r *Registry) Field(name string) (FieldConstraint, bool) {
	i, ok := r.index[name]
	if !ok {
		return FieldConstraint{}, false
	}
	return r.fields[i], true
}

// Label returns the display label of a main field, or the name itself.
func (r *Registry) Label(name string) string {
	if c, ok := r.Field(name); ok {
		return c.DisplayName()
	}
	return name
}

// SubStructures returns the compiled sub-structures in declaration order.
func (r *Registry) SubStructures() []*SubRegistry {
	return append([]*SubRegistry(nil), r.subs...)
}

// SubStructure looks up a sub-structure by name.
func (r *Registry) SubStructure(name string) (*SubRegistry, bool) {
	for _, s := range r.subs {
		if s.Name == name {
			return s, true
		}
	}
	return nil, false
}

// Fields returns the sub-structure constraints in declaration order.
func (s *SubRegistry) Fields() []FieldConstraint {
	return append([]FieldConstraint(nil), s.fields...)
}

// Field looks up a sub-structure constraint by canonical name.
func (s *SubRegistry) Field(name string) (FieldConstraint, bool) {
	i, ok := s.index[name]
	if !ok {
		return FieldConstraint{}, false
	}
	return s.fields[i], true
}

// BlockField returns the canonical column name of field in block n
// (1-based), e.g. "AssetDepreciationArea_2".
func BlockField(field string, n int) string {
	return field + "_" + strconv.Itoa(n)
}

// =============================================================================
// HEADER RESOLUTION
// =============================================================================

var blockSuffix = regexp.MustCompile(`^(.*?)[\s_\-]*(\d+)$`)

// Resolve maps a header of the sheet with the given role to its canonical
// field name. Headers are compared case-, space- and punctuation-insensitively.
//
// PARAMETERS:
//   - role: The sheet role ("main" or a secondary sheet role).
//   - header: The header text as found in the spreadsheet.
//
// RETURNS:
//   - The canonical field name.
//   - false if the header is unknown for that sheet.
func (r *Registry) Resolve(role, header string) (string, bool) {
	key := Normalize(header)
	if key == "" {
		return "", false
	}

	if role != r.mainRole() {
		if canonical, ok := r.aliases[key]; ok && r.knownOnSheet(role, canonical) {
			return canonical, true
		}
		for _, sub := range r.subs {
			if sub.Sheet != role {
				continue
			}
			if canonical, ok := sub.aliases[key]; ok {
				return canonical, true
			}
		}
		if canonical, ok := r.aliases[key]; ok {
			return canonical, true
		}
		return "", false
	}

	if canonical, ok := r.aliases[key]; ok {
		return canonical, true
	}

	// Numbered column blocks: "Depreciation Area 2" -> AssetDepreciationArea_2.
	m := blockSuffix.FindStringSubmatch(strings.TrimSpace(header))
	if m == nil {
		return "", false
	}
	n, err := strconv.Atoi(m[2])
	if err != nil || n < 1 {
		return "", false
	}
	base := Normalize(m[1])
	for _, sub := range r.subs {
		if sub.ColumnBlocks == 0 || n > sub.ColumnBlocks {
			continue
		}
		if canonical, ok := sub.aliases[base]; ok {
			return BlockField(canonical, n), true
		}
	}

	return "", false
}

func (r *Registry) mainRole() string {
	return r.domain.MainSheet().Role
}

func (r *Registry) knownOnSheet(role, canonical string) bool {
	if canonical == r.domain.JoinField || canonical == r.domain.SequenceField {
		return true
	}
	for _, sub := range r.subs {
		if sub.Sheet != role {
			continue
		}
		if _, ok := sub.index[canonical]; ok {
			return true
		}
	}
	return false
}

// TypeOf returns the type of a canonical column on the sheet with the given
// role. Unknown columns are strings.
func (r *Registry) TypeOf(role, canonical string) FieldType {
	if role == r.mainRole() {
		if c, ok := r.Field(canonical); ok {
			return c.Type
		}
		if m := blockSuffix.FindStringSubmatch(canonical); m != nil {
			for _, sub := range r.subs {
				if sub.ColumnBlocks == 0 {
					continue
				}
				if c, ok := sub.Field(strings.TrimRight(m[1], "_")); ok {
					return c.Type
				}
			}
		}
		return TypeString
	}

	for _, sub := range r.subs {
		if sub.Sheet != role {
			continue
		}
		if c, ok := sub.Field(canonical); ok {
			return c.Type
		}
	}
	return TypeString
}

// Normalize folds header or sheet text for comparison: lowercase, letters
// and digits only.
func Normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
