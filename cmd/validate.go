// =============================================================================
// OData Bulk Upload - Validate Command
// =============================================================================
//
// The 'validate' command checks the configuration without touching any
// workbook: the main config, every domain definition and, optionally, an XLSX
// constraint template.
//
// COMMAND USAGE:
//   bulkupload validate [--template file.xlsx --domain id]
//
// =============================================================================

package cmd

import (
	"fmt"
	"os"

	"github.com/ginjaninja78/odata-bulk-upload/internal/config"
	"github.com/ginjaninja78/odata-bulk-upload/internal/constraints"
	"github.com/spf13/cobra"
)

var (
	validateTemplate string
	validateDomain   string
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate the configuration and domain definitions",
	Long: `Validate loads the main configuration and every domain definition and
builds the constraint registry of each domain, reporting the first problem
found. With --template the XLSX template is merged over --domain and the
result is checked as well.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runValidate(cmd)
	},
}

func init() {
	rootCmd.AddCommand(validateCmd)

	validateCmd.Flags().StringVar(&validateTemplate, "template", "", "XLSX constraint template to check")
	validateCmd.Flags().StringVar(&validateDomain, "domain", "", "Domain the template applies to")
}

func runValidate(cmd *cobra.Command) error {
	mainConfig, domains, err := loadConfiguration(cmd)
	if err != nil {
		return err
	}
	fmt.Printf("Main configuration OK (export %s/%s, submission %s)\n",
		mainConfig.Export.Format, mainConfig.Export.Status, mainConfig.Submission.Mode)

	for _, id := range config.DomainIDs(domains) {
		reg, err := constraints.NewRegistry(domains[id])
		if err != nil {
			return fmt.Errorf("domain %s: %w", id, err)
		}
		fmt.Printf("  ✓ %-20s %d field(s), %d sub-structure(s)\n", id, len(reg.Fields()), len(reg.SubStructures()))
	}

	if validateTemplate == "" {
		return nil
	}

	domain, ok := domains[validateDomain]
	if !ok {
		return fmt.Errorf("--template requires a known --domain, got %q", validateDomain)
	}
	f, err := os.Open(validateTemplate)
	if err != nil {
		return err
	}
	defer f.Close()

	tmpl, err := constraints.ReadTemplate(f)
	if err != nil {
		return fmt.Errorf("template %s: %w", validateTemplate, err)
	}
	merged, err := tmpl.Apply(domain)
	if err != nil {
		return fmt.Errorf("template %s: %w", validateTemplate, err)
	}
	reg, err := constraints.NewRegistry(merged)
	if err != nil {
		return fmt.Errorf("template %s: %w", validateTemplate, err)
	}
	fmt.Printf("Template OK: %s now has %d field(s)\n", validateDomain, len(reg.Fields()))
	return nil
}
