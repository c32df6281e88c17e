// =============================================================================
// OData Bulk Upload - Configuration Module
// =============================================================================
//
// This module is responsible for loading and managing all configuration files.
// It handles both the main application configuration and the domain
// definitions (one per upload application: goods receipt, asset master, ...).
//
// CONFIGURATION FILES:
//   1. Main Config (config.yaml): Global application settings
//   2. Domain Configs (domains/*.yaml): Field constraints, sheet names,
//      header aliases, business rules and export layout per domain
//
// ENVIRONMENT:
//   Values from a .env file and BULKUPLOAD_* variables override the YAML for
//   the settings that usually differ per system (service URL, credentials,
//   log level).
//
// =============================================================================

package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// =============================================================================
// MAIN CONFIGURATION STRUCTURE
// =============================================================================

// MainConfig holds the global application configuration.
// This is loaded from the main config.yaml file.
type MainConfig struct {
	// =========================================================================
	// DIRECTORY SETTINGS
	// =========================================================================

	// InputDir is the directory scanned for uploaded workbooks.
	// Default: "./input"
	InputDir string `yaml:"input_dir"`

	// OutputDir is the directory where result exports are written.
	// Default: "./output"
	OutputDir string `yaml:"output_dir"`

	// InputArchiveDir receives workbooks after they have been processed.
	// Default: "./input_archive"
	InputArchiveDir string `yaml:"input_archive_dir"`

	// OutputArchiveDir receives a copy of every export.
	// Default: "./output_archive"
	OutputArchiveDir string `yaml:"output_archive_dir"`

	// DomainsDir holds additional or overriding domain definitions.
	// Built-in domains are always available.
	DomainsDir string `yaml:"domains_dir"`

	// =========================================================================
	// LOGGING SETTINGS
	// =========================================================================

	// LogLevel controls the verbosity of logging.
	// Valid values: "debug", "info", "warn", "error"
	LogLevel string `yaml:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// LogFormat is "text" or "json".
	LogFormat string `yaml:"log_format" validate:"omitempty,oneof=text json"`

	// =========================================================================
	// OUTPUT SETTINGS
	// =========================================================================

	// OutputNameFormat defines the format for export file names.
	// Placeholders:
	//   {uuid}      - A random UUID
	//   {timestamp} - Current timestamp (YYYYMMDD_HHMMSS)
	//   {domain}    - Domain identifier
	//   {status}    - Export status filter
	// Default: "{domain}_{status}_{timestamp}"
	OutputNameFormat string `yaml:"output_name_format"`

	OData      ODataConfig      `yaml:"odata"`
	Submission SubmissionConfig `yaml:"submission"`
	Validation ValidationConfig `yaml:"validation"`
	Export     ExportConfig     `yaml:"export"`
}

// ODataConfig describes the back end the submission transport talks to.
type ODataConfig struct {
	// BaseURL is the gateway root, e.g. "https://host:44300".
	// The domain's service path is appended to it.
	BaseURL string `yaml:"base_url" validate:"omitempty,url"`

	// Client is the SAP client sent as the sap-client query parameter.
	Client string `yaml:"client" validate:"omitempty,numeric,len=3"`

	User     string `yaml:"user"`
	Password string `yaml:"password"`

	// RequestTimeout bounds a single HTTP round trip.
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

// SubmissionConfig controls how valid rows are sent.
type SubmissionConfig struct {
	// Mode is "direct" (one request per row, not cancellable once
	// dispatched) or "batch" (chunked $batch requests).
	Mode string `yaml:"mode" validate:"omitempty,oneof=direct batch"`

	// BatchSize is the number of rows per $batch request.
	BatchSize int `yaml:"batch_size" validate:"gte=0"`

	// Timeout resolves a row to Error/TIMEOUT when the back end never answers.
	Timeout time.Duration `yaml:"timeout"`

	// MaxConcurrency is the number of direct requests in flight.
	MaxConcurrency int `yaml:"max_concurrency" validate:"gte=0"`
}

// ValidationConfig holds validator tunables.
type ValidationConfig struct {
	// BalanceTolerance is the absolute amount below which a debit/credit
	// difference counts as balanced. Kept as text to stay exact.
	BalanceTolerance string `yaml:"balance_tolerance" validate:"omitempty,numeric"`
}

// ExportConfig holds export defaults.
type ExportConfig struct {
	Format string `yaml:"format" validate:"omitempty,oneof=xlsx csv pdf xml"`
	Status string `yaml:"status" validate:"omitempty,oneof=all success error"`
}

// =============================================================================
// DEFAULTS
// =============================================================================

const (
	DefaultBalanceTolerance = "0.01"
	DefaultSubmissionMode   = "direct"
	DefaultBatchSize        = 50
	DefaultMaxConcurrency   = 4
	DefaultSubmitTimeout    = 60 * time.Second
	DefaultRequestTimeout   = 30 * time.Second
)

// DefaultMainConfig returns a configuration with every default applied.
func DefaultMainConfig() *MainConfig {
	cfg := &MainConfig{}
	applyMainConfigDefaults(cfg)
	return cfg
}

// applyMainConfigDefaults sets default values for any unset configuration options.
func applyMainConfigDefaults(config *MainConfig) {
	if config.InputDir == "" {
		config.InputDir = "./input"
	}
	if config.OutputDir == "" {
		config.OutputDir = "./output"
	}
	if config.InputArchiveDir == "" {
		config.InputArchiveDir = "./input_archive"
	}
	if config.OutputArchiveDir == "" {
		config.OutputArchiveDir = "./output_archive"
	}
	if config.LogLevel == "" {
		config.LogLevel = "info"
	}
	if config.LogFormat == "" {
		config.LogFormat = "text"
	}
	if config.OutputNameFormat == "" {
		config.OutputNameFormat = "{domain}_{status}_{timestamp}"
	}
	if config.OData.RequestTimeout == 0 {
		config.OData.RequestTimeout = DefaultRequestTimeout
	}
	if config.Submission.Mode == "" {
		config.Submission.Mode = DefaultSubmissionMode
	}
	if config.Submission.BatchSize == 0 {
		config.Submission.BatchSize = DefaultBatchSize
	}
	if config.Submission.Timeout == 0 {
		config.Submission.Timeout = DefaultSubmitTimeout
	}
	if config.Submission.MaxConcurrency == 0 {
		config.Submission.MaxConcurrency = DefaultMaxConcurrency
	}
	if config.Validation.BalanceTolerance == "" {
		config.Validation.BalanceTolerance = DefaultBalanceTolerance
	}
	if config.Export.Format == "" {
		config.Export.Format = "xlsx"
	}
	if config.Export.Status == "" {
		config.Export.Status = "all"
	}
}

// =============================================================================
// CONFIGURATION LOADING FUNCTIONS
// =============================================================================

// LoadMainConfig loads the main configuration from a YAML file.
//
// PARAMETERS:
//   - configPath: The path to the main configuration file.
//
// RETURNS:
//   - A pointer to the MainConfig struct with defaults and environment
//     overrides applied.
//   - An error if the file cannot be read, parsed, or fails validation.
func LoadMainConfig(configPath string) (*MainConfig, error) {
	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}
	return ParseMainConfig(data)
}

// ParseMainConfig parses main configuration YAML.
func ParseMainConfig(data []byte) (*MainConfig, error) {
	var config MainConfig
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	ApplyEnv(&config)
	applyMainConfigDefaults(&config)

	if err := ValidateStruct(&config); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return &config, nil
}

// =============================================================================
// ENVIRONMENT OVERLAY
// =============================================================================

// Environment variable names recognized by ApplyEnv.
const (
	EnvODataURL      = "BULKUPLOAD_ODATA_URL"
	EnvODataClient   = "BULKUPLOAD_ODATA_CLIENT"
	EnvODataUser     = "BULKUPLOAD_ODATA_USER"
	EnvODataPassword = "BULKUPLOAD_ODATA_PASSWORD"
	EnvLogLevel      = "BULKUPLOAD_LOG_LEVEL"
	EnvLogFormat     = "BULKUPLOAD_LOG_FORMAT"
	EnvSubmitMode    = "BULKUPLOAD_SUBMISSION_MODE"
	EnvSubmitTimeout = "BULKUPLOAD_SUBMISSION_TIMEOUT"
)

// LoadDotEnv loads variables from .env files into the process environment.
// Missing files are not an error; existing variables are not overwritten.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	var present []string
	for _, f := range files {
		if _, err := os.Stat(f); err == nil {
			present = append(present, f)
		}
	}
	if len(present) == 0 {
		return nil
	}
	if err := godotenv.Load(present...); err != nil {
		return fmt.Errorf("failed to load env file: %w", err)
	}
	return nil
}

// ApplyEnv overrides configuration values with BULKUPLOAD_* variables.
func ApplyEnv(config *MainConfig) {
	setString := func(dst *string, key string) {
		if v, ok := os.LookupEnv(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}

	setString(&config.OData.BaseURL, EnvODataURL)
	setString(&config.OData.Client, EnvODataClient)
	setString(&config.OData.User, EnvODataUser)
	setString(&config.OData.Password, EnvODataPassword)
	setString(&config.LogLevel, EnvLogLevel)
	setString(&config.LogFormat, EnvLogFormat)
	setString(&config.Submission.Mode, EnvSubmitMode)

	if v := os.Getenv(EnvSubmitTimeout); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			config.Submission.Timeout = d
		} else if secs, err := strconv.Atoi(v); err == nil {
			config.Submission.Timeout = time.Duration(secs) * time.Second
		}
	}
}

// =============================================================================
// STRUCT VALIDATION
// =============================================================================

var structValidator = validator.New(validator.WithRequiredStructEnabled())

// ValidateStruct runs tag validation and flattens the result into one error
// naming every failing field.
func ValidateStruct(v any) error {
	err := structValidator.Struct(v)
	if err == nil {
		return nil
	}

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return err
	}

	msgs := make([]string, 0, len(fieldErrs))
	for _, fe := range fieldErrs {
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s (value %v)", fe.Namespace(), fe.Tag(), fe.Param(), fe.Value()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s (value %v)", fe.Namespace(), fe.Tag(), fe.Value()))
		}
	}
	return errors.New(strings.Join(msgs, "; "))
}
