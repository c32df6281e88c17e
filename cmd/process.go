// =============================================================================
// OData Bulk Upload - Process Command
// =============================================================================
//
// This file defines the 'process' command, the main command of the tool. It
// runs every workbook in the input directory (or a single file) through the
// upload pipeline.
//
// COMMAND USAGE:
//   bulkupload process [flags]
//
// FLAGS:
//   --file      : Process only this workbook
//   --domain    : Force a domain instead of matching file names
//   --template  : XLSX constraint template merged over the domain
//   --submit    : Post the valid rows to the OData service
//   --format    : Export format (xlsx, csv, pdf, xml)
//   --status    : Export filter (all, success, error); repeatable
//   --dry-run   : Validate only, write nothing
//
// PROCESSING PIPELINE:
//   1. Load configuration files
//   2. Discover workbooks in the input directory
//   3. Run each workbook through the pipeline (concurrently)
//   4. Collect results and write the summary and error logs
//
// =============================================================================

package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"time"

	"github.com/ginjaninja78/odata-bulk-upload/internal/export"
	"github.com/ginjaninja78/odata-bulk-upload/internal/pipeline"
	"github.com/ginjaninja78/odata-bulk-upload/pkg/utils"
	"github.com/spf13/cobra"
)

// =============================================================================
// COMMAND FLAGS
// =============================================================================

var (
	dryRun       bool
	submit       bool
	filePath     string
	domainID     string
	templatePath string
	exportFormat string
	statuses     []string
	parallel     int
)

// =============================================================================
// PROCESS COMMAND DEFINITION
// =============================================================================

var processCmd = &cobra.Command{
	Use:   "process",
	Short: "Validate workbooks, submit valid rows and export the results",
	Long: `The process command scans the input directory for workbooks (.xlsx, .xlsm,
.xls, .csv), matches each to a domain by file name and runs it through the
upload pipeline: load, validate, optionally submit, export.

Each workbook is processed independently, and errors in one workbook do not
affect the others.

On successful processing:
  - The result exports are placed in the output directory
  - The workbook is moved to the input archive
  - A summary report is generated

On error:
  - An error log is created in the output directory
  - The workbook remains in the input directory
  - Processing continues for other workbooks`,

	RunE: func(cmd *cobra.Command, args []string) error {
		return runProcess(cmd)
	},
}

// =============================================================================
// INITIALIZATION
// =============================================================================

func init() {
	rootCmd.AddCommand(processCmd)

	processCmd.Flags().BoolVar(&dryRun, "dry-run", false, "Validate without submitting or writing output files")
	processCmd.Flags().BoolVar(&submit, "submit", false, "Post the valid rows to the OData service")
	processCmd.Flags().StringVar(&filePath, "file", "", "Process only this workbook")
	processCmd.Flags().StringVar(&domainID, "domain", "", "Force a domain instead of matching file names")
	processCmd.Flags().StringVar(&templatePath, "template", "", "XLSX constraint template merged over the domain definition")
	processCmd.Flags().StringVar(&exportFormat, "format", "", "Export format: xlsx, csv, pdf or xml (default from config)")
	processCmd.Flags().StringSliceVar(&statuses, "status", nil, "Export filter: all, success or error (repeatable)")
	processCmd.Flags().IntVar(&parallel, "parallel", 4, "Number of workbooks processed at the same time")
}

// =============================================================================
// MAIN PROCESSING FUNCTION
// =============================================================================

func runProcess(cmd *cobra.Command) error {
	startTime := time.Now()

	// =========================================================================
	// STEP 1: LOAD CONFIGURATION
	// =========================================================================

	fmt.Println("=== OData Bulk Upload ===")
	fmt.Println("Loading configuration...")

	mainConfig, domains, err := loadConfiguration(cmd)
	if err != nil {
		return err
	}
	fmt.Printf("Loaded %d domain(s)\n", len(domains))

	if domainID != "" {
		if _, ok := domains[domainID]; !ok {
			return fmt.Errorf("unknown domain %q", domainID)
		}
	}
	if exportFormat != "" {
		if _, err := export.NewFormatter(exportFormat); err != nil {
			return err
		}
	}
	filters := make([]export.Filter, 0, len(statuses))
	for _, s := range statuses {
		f, err := export.ParseFilter(s)
		if err != nil {
			return err
		}
		filters = append(filters, f)
	}

	processor := pipeline.NewProcessor(mainConfig, domains)
	files := processor.Files()
	if err := files.EnsureDirectories(); err != nil {
		return err
	}

	// =========================================================================
	// STEP 2: DISCOVER INPUT FILES
	// =========================================================================

	var inputFiles []string
	if filePath != "" {
		inputFiles = []string{filePath}
	} else {
		fmt.Println("Discovering input files...")
		inputFiles, err = files.DiscoverInputFiles()
		if err != nil {
			return fmt.Errorf("failed to discover input files: %w", err)
		}
	}

	if len(inputFiles) == 0 {
		fmt.Println("No workbooks found in the input directory.")
		return nil
	}
	fmt.Printf("Found %d file(s) to process\n", len(inputFiles))

	// =========================================================================
	// STEP 3: PROCESS FILES CONCURRENTLY
	// =========================================================================
	// Interrupting the command cancels in-flight submissions; rows not yet
	// sent are reported as skipped.

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	opts := pipeline.RunOptions{
		Domain:       domainID,
		TemplatePath: templatePath,
		Submit:       submit,
		DryRun:       dryRun,
		Format:       exportFormat,
		Filters:      filters,
	}

	fmt.Println("Processing files...")
	results := processAll(ctx, processor, inputFiles, opts)

	// =========================================================================
	// STEP 4: COLLECT RESULTS AND GENERATE SUMMARY
	// =========================================================================

	summary := utils.ProcessingSummary{StartTime: startTime, TotalFiles: len(inputFiles)}
	var errorEntries []utils.ErrorLogEntry

	for result := range results {
		name := filepath.Base(result.FilePath)
		errorEntries = append(errorEntries, issueEntries(result)...)

		if !result.Success {
			summary.FailedFiles++
			summary.FailedFilesList = append(summary.FailedFilesList, utils.FailedFileInfo{
				InputFile:    name,
				ErrorMessage: result.Error.Error(),
				ErrorType:    "PROCESSING",
			})
			errorEntries = append(errorEntries, utils.ErrorLogEntry{
				Timestamp:    time.Now(),
				FileName:     name,
				ErrorType:    "PROCESSING",
				ErrorMessage: result.Error.Error(),
			})
			fmt.Printf("  ✗ %s: %v\n", name, result.Error)
			continue
		}

		summary.SuccessfulFiles++
		summary.TotalRows += result.Stats.RowsLoaded
		summary.InvalidRows += result.Stats.InvalidRows
		summary.SubmittedRows += result.Stats.Submitted
		summary.FailedRows += result.Stats.Failed
		summary.ProcessedFiles = append(summary.ProcessedFiles, utils.ProcessedFileInfo{
			InputFile:   name,
			Domain:      result.Domain,
			OutputFiles: result.OutputFiles,
			ArchivePath: result.ArchivePath,
			Rows:        result.Stats.RowsLoaded,
			InvalidRows: result.Stats.InvalidRows,
			ProcessTime: result.Stats.ProcessingTime,
		})

		fmt.Printf("  ✓ %s [%s] rows=%d valid=%d invalid=%d", name, result.Domain,
			result.Stats.RowsLoaded, result.Stats.ValidRows, result.Stats.InvalidRows)
		if submit && !dryRun {
			fmt.Printf(" posted=%d rejected=%d", result.Stats.Succeeded, result.Stats.Failed)
		}
		fmt.Println()
		for _, out := range result.OutputFiles {
			fmt.Printf("      -> %s\n", out)
		}
	}
	summary.EndTime = time.Now()

	// =========================================================================
	// STEP 5: PRINT SUMMARY
	// =========================================================================

	fmt.Println("\n=== Processing Complete ===")
	fmt.Printf("Total files:     %d\n", summary.TotalFiles)
	fmt.Printf("Successful:      %d\n", summary.SuccessfulFiles)
	fmt.Printf("Errors:          %d\n", summary.FailedFiles)
	fmt.Printf("Rows:            %d (%d invalid)\n", summary.TotalRows, summary.InvalidRows)
	fmt.Printf("Time elapsed:    %s\n", summary.EndTime.Sub(startTime).Round(time.Millisecond))

	if dryRun {
		return nil
	}

	if path, err := utils.WriteSummaryLog(summary, files.OutputDir); err != nil {
		fmt.Fprintf(os.Stderr, "failed to write summary: %v\n", err)
	} else {
		fmt.Printf("Summary:         %s\n", path)
	}

	if len(errorEntries) > 0 {
		path, err := utils.WriteErrorLog(errorEntries, files.OutputDir)
		if err != nil {
			fmt.Fprintf(os.Stderr, "failed to write error log: %v\n", err)
		} else {
			fmt.Printf("Error log:       %s\n", path)
		}
	}

	if summary.FailedFiles > 0 {
		return fmt.Errorf("%d of %d file(s) failed", summary.FailedFiles, summary.TotalFiles)
	}
	return nil
}

// =============================================================================
// HELPER FUNCTIONS
// =============================================================================

// processAll runs the workbooks on a bounded number of goroutines and streams
// their results.
func processAll(ctx context.Context, processor *pipeline.Processor, inputFiles []string, opts pipeline.RunOptions) <-chan pipeline.Result {
	if parallel < 1 {
		parallel = 1
	}

	var wg sync.WaitGroup
	results := make(chan pipeline.Result, len(inputFiles))
	sem := make(chan struct{}, parallel)

	for _, file := range inputFiles {
		wg.Add(1)
		go func(path string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()

			results <- processor.Run(ctx, path, opts)
		}(file)
	}

	go func() {
		wg.Wait()
		close(results)
	}()

	return results
}

// issueEntries converts the row errors of a workbook into error log entries.
func issueEntries(result pipeline.Result) []utils.ErrorLogEntry {
	var entries []utils.ErrorLogEntry
	now := time.Now()
	for _, issue := range result.Issues {
		for _, fe := range issue.Errors {
			entries = append(entries, utils.ErrorLogEntry{
				Timestamp:    now,
				FileName:     filepath.Base(result.FilePath),
				ErrorType:    fe.Code,
				ErrorMessage: fe.Message,
				SequenceID:   issue.SequenceID,
				RowNumber:    issue.Line,
				FieldName:    fe.Field,
			})
		}
	}
	return entries
}
