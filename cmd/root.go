// =============================================================================
// OData Bulk Upload - Root Command
// =============================================================================
//
// This file defines the root command for the Cobra CLI. Every other command
// is attached to it.
//
// COBRA CLI STRUCTURE:
//   rootCmd (bulkupload)
//   ├── processCmd  (bulkupload process)
//   ├── validateCmd (bulkupload validate)
//   ├── domainsCmd  (bulkupload domains)
//   └── versionCmd  (bulkupload version)
//
// CONFIGURATION:
//   The root command is responsible for:
//   1. Setting up global flags (--config, --verbose, --log-format)
//   2. Loading .env files before any configuration is read
//   3. Setting up logging
//
// =============================================================================

package cmd

import (
	"errors"
	"fmt"
	"io/fs"
	"os"

	"github.com/ginjaninja78/odata-bulk-upload/internal/config"
	"github.com/ginjaninja78/odata-bulk-upload/internal/logging"
	"github.com/spf13/cobra"
)

// =============================================================================
// GLOBAL VARIABLES
// =============================================================================

// cfgFile holds the path to the main configuration file.
var cfgFile string

// verbose enables debug logging when set to true.
var verbose bool

// logFormat overrides the configured log format.
var logFormat string

// =============================================================================
// ROOT COMMAND DEFINITION
// =============================================================================

var rootCmd = &cobra.Command{
	Use:   "bulkupload",
	Short: "OData Bulk Upload - Validate and post spreadsheet uploads to SAP OData services",
	Long: `OData Bulk Upload reads user-supplied workbooks (goods receipts, asset
master records, journal entries, ...), validates every row against the
domain's field constraints, posts the valid rows to the SAP OData service
and writes result exports with the back-end response for each row.

Key Features:
  - Domain definitions in YAML, optionally overridden by XLSX templates
  - Header alias resolution and value normalization
  - Row, group and balance validation with detailed error reporting
  - Direct or $batch submission with per-row reconciliation
  - XLSX, CSV, PDF and XML result exports
  - Automatic file archival on successful processing

Example Usage:
  bulkupload process                         # Process all workbooks in the input directory
  bulkupload process --submit                # Validate and post the valid rows
  bulkupload process --file grn.xlsx --status error
  bulkupload validate                        # Validate configuration without processing`,

	SilenceUsage: true,

	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		if err := config.LoadDotEnv(); err != nil {
			return err
		}

		level := os.Getenv(config.EnvLogLevel)
		if verbose {
			level = "debug"
		}
		format := logFormat
		if format == "" {
			format = os.Getenv(config.EnvLogFormat)
		}
		logging.Setup(level, format)
		return nil
	},

	Run: func(cmd *cobra.Command, args []string) {
		cmd.Help()
	},
}

// =============================================================================
// EXECUTE FUNCTION
// =============================================================================

// Execute runs the root command. It is called by main.main().
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// =============================================================================
// INITIALIZATION
// =============================================================================

func init() {
	rootCmd.PersistentFlags().StringVar(
		&cfgFile,
		"config",
		"config.yaml",
		"Path to the main configuration file",
	)

	rootCmd.PersistentFlags().BoolVarP(
		&verbose,
		"verbose",
		"v",
		false,
		"Enable verbose output for debugging",
	)

	rootCmd.PersistentFlags().StringVar(
		&logFormat,
		"log-format",
		"",
		"Log format: text or json (overrides the configuration)",
	)
}

// =============================================================================
// SHARED HELPERS
// =============================================================================

// loadConfiguration reads the main configuration and the domain definitions.
// A missing default config file falls back to built-in defaults; a missing
// file named explicitly with --config is an error.
func loadConfiguration(cmd *cobra.Command) (*config.MainConfig, map[string]*config.DomainConfig, error) {
	mainConfig, err := config.LoadMainConfig(cfgFile)
	if errors.Is(err, fs.ErrNotExist) && !cmd.Flags().Changed("config") {
		mainConfig, err = config.ParseMainConfig(nil)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load main config: %w", err)
	}

	// The configured level applies unless the environment or -v already
	// chose one.
	if !verbose && os.Getenv(config.EnvLogLevel) == "" {
		format := logFormat
		if format == "" {
			format = mainConfig.LogFormat
		}
		logging.Setup(mainConfig.LogLevel, format)
	}

	domains, err := config.LoadDomainConfigs(mainConfig.DomainsDir)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load domain configs: %w", err)
	}

	return mainConfig, domains, nil
}
