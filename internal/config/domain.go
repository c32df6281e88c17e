// =============================================================================
// OData Bulk Upload - Domain Configuration
// =============================================================================
//
// A domain is one upload application (asset master, goods receipt, supplier
// invoice, ...). Everything that differs between domains is data:
//   - which sheets to read and how to recognize them
//   - which spreadsheet headers map to which canonical field
//   - the field constraints (required, length, type, precision, ...)
//   - repeating sub-structures (depreciation areas, invoice items, ...)
//   - business and cross-row rules
//   - how results are submitted and exported
//
// Built-in domains are embedded from domains/*.yaml. A directory of extra
// YAML files can add domains or replace built-in ones by domain id.
//
// =============================================================================

package config

import (
	"embed"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

//go:embed domains/*.yaml
var builtinFS embed.FS

// =============================================================================
// DOMAIN CONFIGURATION STRUCTURE
// =============================================================================

// DomainConfig holds the configuration for a specific upload domain.
type DomainConfig struct {
	// Domain is the short identifier, e.g. "goods_receipt".
	Domain string `yaml:"domain" validate:"required"`

	// Name is the human-readable name used in logs and exports.
	Name string `yaml:"name" validate:"required"`

	// ServicePath is the OData service root relative to the gateway URL.
	ServicePath string `yaml:"service_path" validate:"required"`

	// EntitySet receives the POST for each row.
	EntitySet string `yaml:"entity_set" validate:"required"`

	// FileMatchingPatterns are glob patterns (case-insensitive) used to pick
	// a domain for an uploaded file name.
	FileMatchingPatterns []string `yaml:"file_matching_patterns"`

	// SequenceField is the canonical name of the optional sequence column.
	// Default: "SequenceID"
	SequenceField string `yaml:"sequence_field"`

	// JoinField links rows of secondary sheets to the main sheet.
	// Default: SequenceField
	JoinField string `yaml:"join_field"`

	// Sheets lists the sheets to read. The first entry is the main sheet.
	Sheets []SheetSpec `yaml:"sheets" validate:"required,min=1,dive"`

	// HeaderAliases maps free-text spreadsheet headers to canonical names.
	HeaderAliases map[string]string `yaml:"header_aliases"`

	// KeepUnmappedColumns preserves unknown headers as-is (forward
	// compatible) instead of discarding them.
	KeepUnmappedColumns bool `yaml:"keep_unmapped_columns"`

	// MetadataFields are ignored when deciding whether a row is empty.
	MetadataFields []string `yaml:"metadata_fields"`

	Fields              []FieldDef           `yaml:"fields" validate:"required,min=1,dive"`
	SubStructures       []SubStructureDef    `yaml:"sub_structures" validate:"dive"`
	TransformationRules []TransformationRule `yaml:"transformation_rules" validate:"dive"`
	Rules               RulesConfig          `yaml:"rules"`
	Submission          DomainSubmission     `yaml:"submission"`
	Export              DomainExport         `yaml:"export"`
}

// SheetSpec describes one sheet of the workbook.
type SheetSpec struct {
	// Role names the sheet inside the domain ("main", "items", ...).
	// Sub-structures refer to secondary sheets by role.
	Role string `yaml:"role" validate:"required"`

	// Names are exact sheet names accepted for this role.
	Names []string `yaml:"names" validate:"required,min=1"`

	// Keywords are matched against the normalized sheet name when no exact
	// name is found (e.g. "asset", "master").
	Keywords []string `yaml:"keywords"`

	// Required fails the parse when the sheet is absent.
	Required bool `yaml:"required"`
}

// FieldDef is the YAML shape of one field constraint.
type FieldDef struct {
	Name          string   `yaml:"name" validate:"required"`
	Label         string   `yaml:"label"`
	Type          string   `yaml:"type" validate:"omitempty,oneof=string date decimal boolean"`
	Required      bool     `yaml:"required"`
	MaxLength     int      `yaml:"max_length" validate:"gte=0"`
	Pattern       string   `yaml:"pattern"`
	Precision     int      `yaml:"precision" validate:"gte=0"`
	Scale         int      `yaml:"scale" validate:"gte=0"`
	MinValue      string   `yaml:"min_value" validate:"omitempty,numeric"`
	AllowedValues []string `yaml:"allowed_values"`
	Aliases       []string `yaml:"aliases"`
}

// SubStructureDef describes a repeating block such as depreciation areas.
type SubStructureDef struct {
	// Name is the key in CanonicalRow.Subs.
	Name string `yaml:"name" validate:"required"`

	// Sheet is the role of the secondary sheet holding the entries.
	// Mutually exclusive with ColumnBlocks.
	Sheet string `yaml:"sheet"`

	// ColumnBlocks is the maximum number of numbered column groups on the
	// main sheet (Field_1, Field_2, ...).
	ColumnBlocks int `yaml:"column_blocks" validate:"gte=0"`

	// Discriminator is the field that identifies an entry.
	Discriminator string `yaml:"discriminator" validate:"required"`

	// DuplicatePolicy is "keep_first" (default) or "error".
	DuplicatePolicy string `yaml:"duplicate_policy" validate:"omitempty,oneof=keep_first error"`

	// MinEntries fails validation when fewer entries are present.
	MinEntries int `yaml:"min_entries" validate:"gte=0"`

	// NavigationProperty is the OData deep-insert property for the entries.
	NavigationProperty string `yaml:"navigation_property"`

	Fields []FieldDef `yaml:"fields" validate:"required,min=1,dive"`
}

// =============================================================================
// TRANSFORMATION RULE STRUCTURE
// =============================================================================

// TransformationRule defines a transformation to apply to a specific field.
type TransformationRule struct {
	// Field is the canonical field name.
	Field string `yaml:"field" validate:"required"`

	// Actions are applied in order.
	Actions []TransformationAction `yaml:"actions" validate:"required,min=1,dive"`
}

// TransformationAction defines a single transformation action.
//
// Supported types:
//   - "prepend_string"      : Add Value to the beginning
//   - "append_string"       : Add Value to the end
//   - "trim"                : Remove leading and trailing whitespace
//   - "uppercase"           : Convert to uppercase
//   - "lowercase"           : Convert to lowercase
//   - "replace"             : Replace Find with Value
//   - "regex_replace"       : Replace regex Find with Value
//   - "pad_zeros_to_length" : Pad with leading zeros to length Value
//   - "remove_leading_zeros": Strip leading zeros
//   - "lookup"              : Replace using LookupTable
//   - "lookup_with_default" : Replace using LookupTable, Value otherwise
//   - "if_empty_use_default": Use Value when blank
//   - "if_empty_use_field"  : Use the field named by Value when blank
//   - "extract_digits"      : Keep digits only
//   - "conditional"         : Set Value when Condition holds
type TransformationAction struct {
	Type        string            `yaml:"type" validate:"required"`
	Value       string            `yaml:"value"`
	Find        string            `yaml:"find,omitempty"`
	Condition   string            `yaml:"condition,omitempty"`
	LookupTable map[string]string `yaml:"lookup_table,omitempty"`
}

// =============================================================================
// BUSINESS RULES
// =============================================================================

// RulesConfig collects the domain's business and cross-row rules.
type RulesConfig struct {
	ConditionalRequired []ConditionalRule `yaml:"conditional_required" validate:"dive"`

	// Positive lists amount/quantity fields that must be greater than zero.
	Positive []string `yaml:"positive"`

	NotInFuture []DateRule      `yaml:"not_in_future" validate:"dive"`
	DateOrder   []DateOrderRule `yaml:"date_order" validate:"dive"`

	Group   *GroupRule   `yaml:"group"`
	Balance *BalanceRule `yaml:"balance"`
	Pairs   []PairRule   `yaml:"pairs" validate:"dive"`
}

// ConditionalRule makes Field required when the When condition holds.
// The condition uses the "Field == 'value'" / "Field is_not_empty" syntax.
type ConditionalRule struct {
	Field   string `yaml:"field" validate:"required"`
	When    string `yaml:"when" validate:"required"`
	Message string `yaml:"message"`
}

// DateRule flags dates after today. Severity "warning" keeps the row valid.
type DateRule struct {
	Field    string `yaml:"field" validate:"required"`
	Severity string `yaml:"severity" validate:"omitempty,oneof=error warning"`
}

// DateOrderRule requires End to be on or after Start.
type DateOrderRule struct {
	Start string `yaml:"start" validate:"required"`
	End   string `yaml:"end" validate:"required"`
}

// GroupRule requires the Consistent fields to be equal across all rows that
// share the By key.
type GroupRule struct {
	By         string   `yaml:"by" validate:"required"`
	Consistent []string `yaml:"consistent"`
}

// BalanceRule requires signed amounts to net to zero within the tolerance.
//
// Scope is either rows sharing GroupBy, or the Items sub-structure of each
// row. Indicator/DebitCodes/CreditCodes give the sign; without an indicator
// the amounts are taken as signed. When Total is set, the header field is
// subtracted from the item sum instead.
type BalanceRule struct {
	GroupBy     string   `yaml:"group_by"`
	Items       string   `yaml:"items"`
	Amount      string   `yaml:"amount" validate:"required"`
	Indicator   string   `yaml:"indicator"`
	DebitCodes  []string `yaml:"debit_codes"`
	CreditCodes []string `yaml:"credit_codes"`
	Total       string   `yaml:"total"`
}

// PairRule requires that, for every non-blank value of Field, entries with
// indicator Left and Right occur the same number of times.
type PairRule struct {
	GroupBy   string `yaml:"group_by"`
	Items     string `yaml:"items"`
	Field     string `yaml:"field" validate:"required"`
	Indicator string `yaml:"indicator" validate:"required"`
	Left      string `yaml:"left" validate:"required"`
	Right     string `yaml:"right" validate:"required"`
}

// =============================================================================
// SUBMISSION AND EXPORT SETTINGS
// =============================================================================

// DomainSubmission controls payload shaping and message synthesis.
type DomainSubmission struct {
	// DocumentFields are response fields copied into the row on success.
	DocumentFields []string `yaml:"document_fields"`

	// SuccessTemplate builds the success message from response fields,
	// e.g. "Material document {MaterialDocument} posted".
	SuccessTemplate string `yaml:"success_template"`

	// PayloadExclude lists fields never sent to the service.
	PayloadExclude []string `yaml:"payload_exclude"`
}

// ColumnDef is one export column.
type ColumnDef struct {
	Field  string `yaml:"field" validate:"required"`
	Header string `yaml:"header"`
}

// DomainExport controls export column consolidation.
type DomainExport struct {
	// Columns is the declared column order.
	Columns []ColumnDef `yaml:"columns" validate:"dive"`

	// Mandatory columns are emitted even when blank.
	Mandatory []string `yaml:"mandatory"`

	// Exclude lists internal fields dropped from exports.
	Exclude []string `yaml:"exclude"`

	// MessageFields are legacy message columns folded into "Message".
	MessageFields []string `yaml:"message_fields"`

	// GroupBy is the field used for grouped (multi-sheet) exports.
	GroupBy string `yaml:"group_by"`

	// MinPresence is the share (0-1] of records that must carry a value for
	// an optional column to be emitted. 0 means "at least one record".
	MinPresence float64 `yaml:"min_presence" validate:"gte=0,lte=1"`
}

// =============================================================================
// DOMAIN LOADING FUNCTIONS
// =============================================================================

// MainSheet returns the first (main) sheet spec.
func (d *DomainConfig) MainSheet() SheetSpec {
	return d.Sheets[0]
}

// SubStructure returns the sub-structure definition with the given name.
func (d *DomainConfig) SubStructure(name string) (*SubStructureDef, bool) {
	for i := range d.SubStructures {
		if d.SubStructures[i].Name == name {
			return &d.SubStructures[i], true
		}
	}
	return nil, false
}

// ParseDomainConfig parses and validates one domain definition.
func ParseDomainConfig(data []byte) (*DomainConfig, error) {
	var config DomainConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse domain: %w", err)
	}

	applyDomainDefaults(&config)

	if err := ValidateStruct(&config); err != nil {
		return nil, fmt.Errorf("invalid domain %q: %w", config.Domain, err)
	}
	if err := checkDomain(&config); err != nil {
		return nil, fmt.Errorf("invalid domain %q: %w", config.Domain, err)
	}

	return &config, nil
}

// BuiltinDomains loads the embedded domain definitions keyed by domain id.
func BuiltinDomains() (map[string]*DomainConfig, error) {
	return loadDomainsFS(builtinFS, "domains")
}

// LoadDomainConfigs returns the built-in domains overlaid with every YAML
// file found in domainsDir. An empty domainsDir yields the built-ins only.
//
// PARAMETERS:
//   - domainsDir: Directory containing extra domain definitions.
//
// RETURNS:
//   - A map of domain configurations keyed by domain id.
//   - An error if any file cannot be read or fails validation.
func LoadDomainConfigs(domainsDir string) (map[string]*DomainConfig, error) {
	domains, err := BuiltinDomains()
	if err != nil {
		return nil, fmt.Errorf("failed to load built-in domains: %w", err)
	}
	if domainsDir == "" {
		return domains, nil
	}

	if _, err := os.Stat(domainsDir); os.IsNotExist(err) {
		return domains, nil
	}

	extra, err := loadDomainsFS(os.DirFS(domainsDir), ".")
	if err != nil {
		return nil, err
	}
	for key, d := range extra {
		domains[key] = d
	}
	return domains, nil
}

func loadDomainsFS(fsys fs.FS, dir string) (map[string]*DomainConfig, error) {
	domains := make(map[string]*DomainConfig)

	entries, err := fs.ReadDir(fsys, dir)
	if err != nil {
		return nil, fmt.Errorf("failed to list domain files: %w", err)
	}

	for _, entry := range entries {
		ext := strings.ToLower(filepath.Ext(entry.Name()))
		if entry.IsDir() || (ext != ".yaml" && ext != ".yml") {
			continue
		}

		data, err := fs.ReadFile(fsys, pathJoin(dir, entry.Name()))
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", entry.Name(), err)
		}

		d, err := ParseDomainConfig(data)
		if err != nil {
			return nil, fmt.Errorf("failed to load %s: %w", entry.Name(), err)
		}
		domains[d.Domain] = d
	}

	return domains, nil
}

func pathJoin(dir, name string) string {
	if dir == "." || dir == "" {
		return name
	}
	return dir + "/" + name
}

// DomainIDs returns the sorted domain identifiers.
func DomainIDs(domains map[string]*DomainConfig) []string {
	ids := make([]string, 0, len(domains))
	for id := range domains {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// MatchDomain finds the domain whose file patterns match the file name.
// Domains are tried in id order so the result is deterministic.
func MatchDomain(fileName string, domains map[string]*DomainConfig) *DomainConfig {
	base := strings.ToLower(filepath.Base(fileName))

	for _, id := range DomainIDs(domains) {
		d := domains[id]
		for _, pattern := range d.FileMatchingPatterns {
			matched, err := filepath.Match(strings.ToLower(pattern), base)
			if err != nil {
				continue
			}
			if matched {
				return d
			}
		}
	}

	return nil
}

// applyDomainDefaults sets default values for domain configuration.
func applyDomainDefaults(config *DomainConfig) {
	if config.SequenceField == "" {
		config.SequenceField = "SequenceID"
	}
	if config.JoinField == "" {
		config.JoinField = config.SequenceField
	}
	if len(config.MetadataFields) == 0 {
		config.MetadataFields = []string{config.SequenceField, "Status", "Message"}
	}
	for i := range config.Fields {
		applyFieldDefaults(&config.Fields[i])
	}
	for i := range config.SubStructures {
		sub := &config.SubStructures[i]
		if sub.DuplicatePolicy == "" {
			sub.DuplicatePolicy = "keep_first"
		}
		if sub.NavigationProperty == "" {
			sub.NavigationProperty = "to_" + sub.Name
		}
		for j := range sub.Fields {
			applyFieldDefaults(&sub.Fields[j])
		}
	}
	for i := range config.Rules.NotInFuture {
		if config.Rules.NotInFuture[i].Severity == "" {
			config.Rules.NotInFuture[i].Severity = "warning"
		}
	}
	if len(config.Export.Mandatory) == 0 {
		config.Export.Mandatory = []string{config.SequenceField, "Status", "Message"}
	}
}

func applyFieldDefaults(f *FieldDef) {
	if f.Type == "" {
		f.Type = "string"
	}
	if f.Label == "" {
		f.Label = f.Name
	}
}

// checkDomain performs the cross-field checks tags cannot express.
func checkDomain(config *DomainConfig) error {
	roles := make(map[string]bool, len(config.Sheets))
	for _, s := range config.Sheets {
		if roles[s.Role] {
			return fmt.Errorf("duplicate sheet role %q", s.Role)
		}
		roles[s.Role] = true
	}

	if err := checkFields(config.Fields); err != nil {
		return err
	}

	for _, sub := range config.SubStructures {
		if (sub.Sheet == "") == (sub.ColumnBlocks == 0) {
			return fmt.Errorf("sub-structure %q needs exactly one of sheet or column_blocks", sub.Name)
		}
		if sub.Sheet != "" && !roles[sub.Sheet] {
			return fmt.Errorf("sub-structure %q refers to unknown sheet role %q", sub.Name, sub.Sheet)
		}
		if err := checkFields(sub.Fields); err != nil {
			return fmt.Errorf("sub-structure %q: %w", sub.Name, err)
		}
	}

	if b := config.Rules.Balance; b != nil {
		if (b.GroupBy == "") == (b.Items == "") {
			return fmt.Errorf("balance rule needs exactly one of group_by or items")
		}
	}
	for _, p := range config.Rules.Pairs {
		if (p.GroupBy == "") == (p.Items == "") {
			return fmt.Errorf("pair rule on %q needs exactly one of group_by or items", p.Field)
		}
	}

	return nil
}

func checkFields(fields []FieldDef) error {
	seen := make(map[string]bool, len(fields))
	for _, f := range fields {
		if seen[f.Name] {
			return fmt.Errorf("duplicate field %q", f.Name)
		}
		seen[f.Name] = true
		if f.Precision > 0 && f.Scale > f.Precision {
			return fmt.Errorf("field %q: scale %d exceeds precision %d", f.Name, f.Scale, f.Precision)
		}
	}
	return nil
}
