// =============================================================================
// OData Bulk Upload - File Processor
// =============================================================================
//
// The processor runs the whole pipeline for one workbook on disk.
//
// PROCESSING PIPELINE:
//   1. Determine the domain (forced or by file name pattern)
//   2. Build the constraint registry, merging an optional XLSX template
//   3. Read and load the workbook into a session
//   4. Validate every row
//   5. Submit the valid rows (optional)
//   6. Render and write the exports
//   7. Archive the processed files
//
// CONCURRENCY:
//   Each file gets its own session, so several files can be processed in
//   parallel by the caller.
//
// =============================================================================

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/ginjaninja78/odata-bulk-upload/internal/config"
	"github.com/ginjaninja78/odata-bulk-upload/internal/constraints"
	"github.com/ginjaninja78/odata-bulk-upload/internal/export"
	"github.com/ginjaninja78/odata-bulk-upload/internal/logging"
	"github.com/ginjaninja78/odata-bulk-upload/internal/odata"
	"github.com/ginjaninja78/odata-bulk-upload/internal/results"
	"github.com/ginjaninja78/odata-bulk-upload/internal/submission"
	"github.com/ginjaninja78/odata-bulk-upload/internal/validation"
	"github.com/ginjaninja78/odata-bulk-upload/pkg/utils"
)

// =============================================================================
// RESULT STRUCTURE
// =============================================================================

// Result represents the outcome of processing a single workbook.
type Result struct {
	// FilePath is the path to the workbook that was processed.
	FilePath string

	// Domain is the domain the workbook was processed as. Empty when no
	// domain matched.
	Domain string

	// SessionID is the batch id used in logs and exports.
	SessionID string

	// OutputFiles are the written exports. Empty on a dry run.
	OutputFiles []string

	// ArchivePath is where the workbook was moved after processing.
	ArchivePath string

	// Issues lists the rows with errors or warnings after validation and
	// submission.
	Issues []results.RowIssues

	// Success is true when the workbook was loaded and exported. Rows may
	// still be invalid or rejected; see Stats.
	Success bool

	// Error contains the error if processing failed.
	Error error

	Stats ProcessingStats
}

// ProcessingStats contains statistics about the processing.
type ProcessingStats struct {
	RowsLoaded  int
	ValidRows   int
	InvalidRows int
	Warnings    int
	Submitted   int
	Succeeded   int
	Failed      int
	Diagnostics int

	// ProcessingTime is the time taken to process the file.
	ProcessingTime time.Duration
}

// RunOptions selects what Run does beyond load and validate.
type RunOptions struct {
	// Domain forces a domain instead of matching the file name.
	Domain string

	// TemplatePath is an optional XLSX constraint template merged over the
	// domain's field definitions.
	TemplatePath string

	// Submit sends the valid rows.
	Submit bool

	// DryRun skips writing exports and archiving.
	DryRun bool

	// Format is the export format; Filters lists the exports to write.
	// Filters default to the configured status.
	Format  string
	Filters []export.Filter

	// Listener receives the session events.
	Listener Listener
}

// TransportFactory creates the submission transport of a domain.
type TransportFactory func(d *config.DomainConfig) (submission.Transport, error)

// =============================================================================
// PROCESSOR
// =============================================================================

// Processor runs workbooks through the pipeline.
type Processor struct {
	main      *config.MainConfig
	domains   map[string]*config.DomainConfig
	files     *utils.FileManager
	transport TransportFactory
	logger    *slog.Logger
}

// ProcessorOption configures a Processor.
type ProcessorOption func(*Processor)

// WithTransportFactory replaces the OData client factory.
func WithTransportFactory(f TransportFactory) ProcessorOption {
	return func(p *Processor) {
		if f != nil {
			p.transport = f
		}
	}
}

// WithFileManager replaces the file manager derived from the configuration.
func WithFileManager(fm *utils.FileManager) ProcessorOption {
	return func(p *Processor) {
		if fm != nil {
			p.files = fm
		}
	}
}

// WithProcessorLogger sets the processor's logger.
func WithProcessorLogger(logger *slog.Logger) ProcessorOption {
	return func(p *Processor) {
		if logger != nil {
			p.logger = logger
		}
	}
}

// NewProcessor creates a processor.
//
// PARAMETERS:
//   - main: The main configuration (directories, back end, submission).
//   - domains: The available domains keyed by id.
func NewProcessor(main *config.MainConfig, domains map[string]*config.DomainConfig, opts ...ProcessorOption) *Processor {
	p := &Processor{
		main:    main,
		domains: domains,
		files:   utils.NewFileManager(main.InputDir, main.OutputDir, main.InputArchiveDir, main.OutputArchiveDir),
		logger:  slog.Default(),
	}
	p.transport = p.odataTransport
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Files returns the processor's file manager.
func (p *Processor) Files() *utils.FileManager {
	return p.files
}

func (p *Processor) odataTransport(d *config.DomainConfig) (submission.Transport, error) {
	client, err := odata.NewClient(p.main.OData, d.ServicePath, odata.WithLogger(p.logger))
	if err != nil {
		return nil, err
	}
	return client, nil
}

// =============================================================================
// MAIN PROCESSING FUNCTION
// =============================================================================

// Run executes the pipeline for one workbook.
//
// RETURNS:
//   - A Result struct containing the outcome of the processing.
func (p *Processor) Run(ctx context.Context, path string, opts RunOptions) (result Result) {
	startTime := time.Now()
	result.FilePath = path
	defer func() { result.Stats.ProcessingTime = time.Since(startTime) }()

	// =========================================================================
	// STEP 1: DETERMINE DOMAIN
	// =========================================================================

	domain, err := p.determineDomain(path, opts.Domain)
	if err != nil {
		result.Error = err
		return result
	}
	result.Domain = domain.Domain

	logger := logging.WithFields(ctx, "file", filepath.Base(path), "domain", domain.Domain)
	logger.Info("processing workbook")

	// =========================================================================
	// STEP 2: BUILD THE CONSTRAINT REGISTRY
	// =========================================================================
	// An XLSX template, when given, overrides and extends the field
	// definitions of the domain.

	reg, err := p.registry(domain, opts.TemplatePath)
	if err != nil {
		result.Error = fmt.Errorf("failed to build constraints: %w", err)
		return result
	}

	session, err := p.newSession(reg, opts)
	if err != nil {
		result.Error = err
		return result
	}

	// =========================================================================
	// STEP 3: LOAD THE WORKBOOK
	// =========================================================================

	data, err := os.ReadFile(path)
	if err != nil {
		result.Error = fmt.Errorf("failed to read file: %w", err)
		return result
	}

	n, err := session.Load(ctx, filepath.Base(path), data)
	if err != nil {
		result.Error = fmt.Errorf("failed to load workbook: %w", err)
		return result
	}
	result.SessionID = session.ID()
	result.Stats.RowsLoaded = n
	result.Stats.Diagnostics = len(session.Diagnostics())
	ctx = logging.ContextWithSession(ctx, session.ID())

	// =========================================================================
	// STEP 4: VALIDATE
	// =========================================================================

	validated, err := session.Validate(ctx)
	if err != nil {
		result.Error = fmt.Errorf("failed to validate: %w", err)
		return result
	}
	result.Stats.ValidRows = validated.ValidCount
	result.Stats.InvalidRows = validated.ErrorCount
	result.Stats.Warnings = validated.WarningCount
	defer func() { result.Issues = session.Issues() }()

	// =========================================================================
	// STEP 5: SUBMIT
	// =========================================================================
	// Only valid rows are sent. A workbook without valid rows is still
	// exported so the user gets the error report.

	if opts.Submit && !opts.DryRun {
		batch, err := session.Submit(ctx)
		switch {
		case errors.Is(err, ErrNothingToSubmit):
			logger.Warn("no valid rows to submit")
		case err != nil:
			result.Error = fmt.Errorf("failed to submit: %w", err)
			return result
		default:
			result.Stats.Submitted = len(batch.SuccessRecords) + len(batch.ErrorRecords)
			result.Stats.Succeeded = len(batch.SuccessRecords)
			result.Stats.Failed = len(batch.ErrorRecords)
		}
	}

	// =========================================================================
	// STEP 6: WRITE EXPORTS
	// =========================================================================

	if opts.DryRun {
		logger.Info("dry run, nothing written", "rows", n)
		result.Success = true
		return result
	}

	for _, filter := range p.filters(opts) {
		file, err := session.Export(filter, p.format(opts))
		var noData *export.NoDataError
		if errors.As(err, &noData) {
			logger.Info("export skipped", "filter", string(filter), "reason", err)
			continue
		}
		if err != nil {
			result.Error = fmt.Errorf("failed to export: %w", err)
			return result
		}

		name := utils.GenerateOutputFileName(p.main.OutputNameFormat, file.Extension, map[string]string{
			"domain":   domain.Domain,
			"status":   string(filter),
			"uuid":     session.ID(),
			"original": strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)),
		})
		out, err := p.files.WriteOutputFile(name, file.Data)
		if err != nil {
			result.Error = fmt.Errorf("failed to write output: %w", err)
			return result
		}
		result.OutputFiles = append(result.OutputFiles, out)
		logger.Info("export written", "path", out, "records", file.Records, "groups", file.Groups)
	}

	// =========================================================================
	// STEP 7: ARCHIVE FILES
	// =========================================================================

	archived, err := p.archiveFiles(path, result.OutputFiles)
	if err != nil {
		// Archival problems do not fail the workbook.
		logger.Warn("failed to archive files", "error", err)
	}
	result.ArchivePath = archived

	result.Success = true
	return result
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// determineDomain finds the domain of a workbook.
func (p *Processor) determineDomain(path, forced string) (*config.DomainConfig, error) {
	if forced != "" {
		d, ok := p.domains[forced]
		if !ok {
			return nil, fmt.Errorf("unknown domain %q", forced)
		}
		return d, nil
	}
	if d := config.MatchDomain(filepath.Base(path), p.domains); d != nil {
		return d, nil
	}
	return nil, fmt.Errorf("no matching domain found for file: %s", filepath.Base(path))
}

func (p *Processor) registry(d *config.DomainConfig, templatePath string) (*constraints.Registry, error) {
	if templatePath == "" {
		return constraints.NewRegistry(d)
	}

	data, err := os.ReadFile(templatePath)
	if err != nil {
		return nil, fmt.Errorf("read template: %w", err)
	}
	tmpl, err := constraints.ReadTemplate(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	merged, err := tmpl.Apply(d)
	if err != nil {
		return nil, err
	}
	return constraints.NewRegistry(merged)
}

func (p *Processor) newSession(reg *constraints.Registry, opts RunOptions) (*Session, error) {
	tolerance, err := validation.ParseTolerance(p.main.Validation.BalanceTolerance)
	if err != nil {
		return nil, err
	}

	sopts := []Option{
		WithLogger(p.logger),
		WithListener(opts.Listener),
		WithValidatorOptions(validation.WithTolerance(tolerance)),
	}
	if opts.Submit && !opts.DryRun {
		transport, err := p.transport(reg.Domain())
		if err != nil {
			return nil, fmt.Errorf("failed to create transport: %w", err)
		}
		sopts = append(sopts, WithTransport(transport, submission.OptionsFromConfig(p.main.Submission)))
	}
	return NewSession(reg, sopts...)
}

func (p *Processor) filters(opts RunOptions) []export.Filter {
	if len(opts.Filters) > 0 {
		return opts.Filters
	}
	f, err := export.ParseFilter(p.main.Export.Status)
	if err != nil {
		f = export.FilterAll
	}
	return []export.Filter{f}
}

func (p *Processor) format(opts RunOptions) string {
	if opts.Format != "" {
		return opts.Format
	}
	return p.main.Export.Format
}

// archiveFiles moves the workbook to the input archive and copies the
// exports to the output archive.
func (p *Processor) archiveFiles(inputPath string, outputs []string) (string, error) {
	var errs []error
	archived, err := p.files.ArchiveInputFile(inputPath)
	if err != nil {
		errs = append(errs, err)
	}
	for _, out := range outputs {
		if _, err := p.files.ArchiveOutputFile(out); err != nil {
			errs = append(errs, err)
		}
	}
	return archived, errors.Join(errs...)
}
