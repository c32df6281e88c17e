// =============================================================================
// OData Bulk Upload - Main Entry Point
// =============================================================================
//
// USAGE:
//   bulkupload process     - Process all workbooks in the input directory
//   bulkupload validate    - Validate configuration files without processing
//   bulkupload domains     - List the available upload domains
//   bulkupload version     - Display the application version
//
// ARCHITECTURE:
//   - cmd/        : CLI command definitions (Cobra)
//   - internal/   : Upload pipeline (constraints, sheet, transform,
//                   validation, submission, export, ...)
//   - pkg/        : Shared file handling utilities
//
// =============================================================================

package main

import (
	"github.com/ginjaninja78/odata-bulk-upload/cmd"
)

func main() {
	cmd.Execute()
}
