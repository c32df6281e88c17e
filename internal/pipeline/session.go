// =============================================================================
// OData Bulk Upload - Upload Session
// =============================================================================
//
// A Session owns one upload batch: the file it was loaded from and the
// canonical rows derived from it. Rows live until the next successful Load
// or an explicit Reset.
//
// LIFECYCLE:
//   Load -> Validate -> Submit -> (Retry)* -> Export
//
// Operations on one session are serialized. Listener callbacks run while
// the session is busy and must not call back into it; Cancel is the only
// method that may be called while a submission is running.
//
// =============================================================================

package pipeline

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ginjaninja78/odata-bulk-upload/internal/constraints"
	"github.com/ginjaninja78/odata-bulk-upload/internal/export"
	"github.com/ginjaninja78/odata-bulk-upload/internal/logging"
	"github.com/ginjaninja78/odata-bulk-upload/internal/results"
	"github.com/ginjaninja78/odata-bulk-upload/internal/sheet"
	"github.com/ginjaninja78/odata-bulk-upload/internal/submission"
	"github.com/ginjaninja78/odata-bulk-upload/internal/transform"
	"github.com/ginjaninja78/odata-bulk-upload/internal/types"
	"github.com/ginjaninja78/odata-bulk-upload/internal/validation"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrNoUpload is returned by operations that need loaded rows.
	ErrNoUpload = errors.New("no upload loaded")

	// ErrNoTransport is returned by Submit and Retry on a session created
	// without a transport.
	ErrNoTransport = errors.New("session has no submission transport")

	// ErrNothingToSubmit is returned when no row is eligible.
	ErrNothingToSubmit = errors.New("no rows to submit")

	// ErrNoActiveSubmission is returned by Cancel when nothing is running.
	ErrNoActiveSubmission = errors.New("no submission in progress")
)

// =============================================================================
// LISTENER
// =============================================================================

// Listener receives session events. Nil callbacks are skipped.
type Listener struct {
	OnValidationComplete func(*validation.ValidationResult)
	OnSubmissionProgress func(submission.Progress)
	OnSubmissionComplete func(*submission.BatchResult)
}

func (l Listener) validationComplete(r *validation.ValidationResult) {
	if l.OnValidationComplete != nil {
		l.OnValidationComplete(r)
	}
}

func (l Listener) submissionProgress(p submission.Progress) {
	if l.OnSubmissionProgress != nil {
		l.OnSubmissionProgress(p)
	}
}

func (l Listener) submissionComplete(r *submission.BatchResult) {
	if l.OnSubmissionComplete != nil {
		l.OnSubmissionComplete(r)
	}
}

// =============================================================================
// SESSION
// =============================================================================

// Session is one upload batch of one domain.
type Session struct {
	reg         *constraints.Registry
	transformer *transform.Transformer
	validator   *validation.Validator
	reconciler  *submission.Reconciler
	policy      export.Policy
	sheetOpts   sheet.Options
	listener    Listener
	logger      *slog.Logger
	now         func() time.Time
	newID       func() string

	transport     submission.Transport
	submitOpts    submission.Options
	validatorOpts []validation.Option

	mu          sync.Mutex
	id          string
	fileName    string
	loadedAt    time.Time
	rows        []*types.CanonicalRow
	diagnostics []transform.Diagnostic
	dropped     map[string][]string

	batchMu     sync.Mutex
	activeBatch string
}

// Option configures a Session.
type Option func(*Session)

// WithTransport enables Submit and Retry.
func WithTransport(t submission.Transport, opts submission.Options) Option {
	return func(s *Session) {
		s.transport = t
		s.submitOpts = opts
	}
}

// WithListener sets the event callbacks.
func WithListener(l Listener) Option {
	return func(s *Session) { s.listener = l }
}

// WithLogger sets the logger used when the context carries none.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Session) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithSheetOptions tunes workbook decoding.
func WithSheetOptions(opts sheet.Options) Option {
	return func(s *Session) { s.sheetOpts = opts }
}

// WithValidatorOptions passes options to the validator.
func WithValidatorOptions(opts ...validation.Option) Option {
	return func(s *Session) { s.validatorOpts = append(s.validatorOpts, opts...) }
}

// WithClock replaces time.Now and the session id generator.
func WithClock(now func() time.Time, newID func() string) Option {
	return func(s *Session) {
		if now != nil {
			s.now = now
		}
		if newID != nil {
			s.newID = newID
		}
	}
}

// NewSession creates an empty session for the registry's domain.
func NewSession(reg *constraints.Registry, opts ...Option) (*Session, error) {
	if reg == nil {
		return nil, fmt.Errorf("nil constraint registry")
	}

	s := &Session{
		reg:    reg,
		policy: export.PolicyFor(reg),
		logger: slog.Default(),
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.sheetOpts.CSVSheetName == "" {
		if names := reg.Domain().MainSheet().Names; len(names) > 0 {
			s.sheetOpts.CSVSheetName = names[0]
		}
	}

	var err error
	if s.transformer, err = transform.New(reg, transform.WithLogger(s.logger)); err != nil {
		return nil, err
	}
	vopts := append([]validation.Option{validation.WithLogger(s.logger)}, s.validatorOpts...)
	if s.validator, err = validation.New(reg, vopts...); err != nil {
		return nil, err
	}
	if s.transport != nil {
		s.reconciler, err = submission.NewReconciler(reg, s.transport, s.submitOpts, submission.WithLogger(s.logger))
		if err != nil {
			return nil, err
		}
	}

	s.id = s.newID()
	return s, nil
}

// ID returns the id of the current batch. It changes on every Load and
// Reset.
func (s *Session) ID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.id
}

// Domain returns the domain configuration id.
func (s *Session) Domain() string {
	return s.reg.Domain().Domain
}

// FileName returns the name of the loaded file.
func (s *Session) FileName() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fileName
}

// Diagnostics returns the transformer diagnostics of the last load.
func (s *Session) Diagnostics() []transform.Diagnostic {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]transform.Diagnostic(nil), s.diagnostics...)
}

// DroppedHeaders returns, per sheet, the headers the last load ignored.
func (s *Session) DroppedHeaders() map[string][]string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string][]string, len(s.dropped))
	for k, v := range s.dropped {
		out[k] = append([]string(nil), v...)
	}
	return out
}

func (s *Session) context(ctx context.Context) context.Context {
	if logging.SessionID(ctx) == "" {
		ctx = logging.ContextWithSession(ctx, s.id)
	}
	return ctx
}

// =============================================================================
// LOAD
// =============================================================================

// Load decodes and parses an uploaded file and replaces the session's rows.
//
// PARAMETERS:
//   - ctx: Carries the logger.
//   - fileName: The original file name; its extension picks the decoder.
//   - data: The whole file content.
//
// RETURNS:
//   - The number of rows loaded.
//   - The decoder or sheet parser error. The previous upload is kept
//     unchanged in that case.
func (s *Session) Load(ctx context.Context, fileName string, data []byte) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	logger := logging.FromContext(ctx).With("domain", s.Domain(), "file", fileName)

	wb, err := sheet.Open(fileName, data, s.sheetOpts)
	if err != nil {
		logger.Warn("workbook could not be decoded", "error", err)
		return 0, err
	}
	parsed, err := sheet.Parse(wb, sheet.LayoutFor(s.reg))
	if err != nil {
		logger.Warn("workbook rejected", "error", err)
		return 0, err
	}
	rows, diags := s.transformer.TransformAll(parsed.Rows)

	s.id = s.newID()
	s.fileName = fileName
	s.loadedAt = s.now()
	s.rows = rows
	s.diagnostics = diags
	s.dropped = parsed.Dropped

	logger.Info("upload loaded",
		"session_id", s.id,
		"rows", len(rows),
		"diagnostics", len(diags),
	)
	return len(rows), nil
}

// =============================================================================
// VALIDATE
// =============================================================================

// Validate validates every row and notifies OnValidationComplete.
func (s *Session) Validate(ctx context.Context) (*validation.ValidationResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.rows) == 0 {
		return nil, ErrNoUpload
	}
	result, err := s.validator.ValidateAll(s.rows)
	if err != nil {
		return nil, err
	}

	logging.FromContext(s.context(ctx)).Info("upload validated",
		"valid", result.ValidCount,
		"invalid", result.ErrorCount,
		"posted", result.PostedCount,
		"warnings", result.WarningCount,
	)
	s.listener.validationComplete(result)
	return result, nil
}

// =============================================================================
// SUBMIT
// =============================================================================

// Submit sends every Valid row. Invalid rows are never sent.
//
// RETURNS:
//   - The per-row batch result. Row failures are part of the result, not
//     an error.
//   - ErrNoUpload, ErrNoTransport or ErrNothingToSubmit.
func (s *Session) Submit(ctx context.Context) (*submission.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submit(ctx, results.FilterByStatus(s.rows, types.StatusValid))
}

// Retry resubmits the rows whose submission failed.
func (s *Session) Retry(ctx context.Context) (*submission.BatchResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.submit(ctx, submission.RetryableRows(s.rows))
}

func (s *Session) submit(ctx context.Context, rows []*types.CanonicalRow) (*submission.BatchResult, error) {
	if len(s.rows) == 0 {
		return nil, ErrNoUpload
	}
	if s.reconciler == nil {
		return nil, ErrNoTransport
	}
	if len(rows) == 0 {
		return nil, ErrNothingToSubmit
	}

	ctx = s.context(ctx)
	defer s.setActiveBatch("")

	result, err := s.reconciler.SubmitBatch(ctx, rows, func(p submission.Progress) {
		if p.Processed == 0 {
			s.setActiveBatch(p.BatchID)
		}
		s.listener.submissionProgress(p)
	})
	if err != nil {
		return nil, err
	}

	logging.FromContext(ctx).Info("submission complete",
		"batch_id", result.BatchID,
		"succeeded", len(result.SuccessRecords),
		"failed", len(result.ErrorRecords),
		"skipped", len(result.Skipped),
		"cancelled", result.Cancelled,
	)
	s.listener.submissionComplete(result)
	return result, nil
}

func (s *Session) setActiveBatch(id string) {
	s.batchMu.Lock()
	s.activeBatch = id
	s.batchMu.Unlock()
}

// Cancel stops the running submission before its next chunk. In direct
// mode it returns submission.ErrCancelNotSupported.
func (s *Session) Cancel() error {
	s.batchMu.Lock()
	id := s.activeBatch
	s.batchMu.Unlock()

	if id == "" || s.reconciler == nil {
		return ErrNoActiveSubmission
	}
	return s.reconciler.Cancel(id)
}

// =============================================================================
// READ ACCESS
// =============================================================================

// Rows returns the session's rows in upload order. The slice is a copy;
// the rows are shared and must not be modified.
func (s *Session) Rows() []*types.CanonicalRow {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.CanonicalRow(nil), s.rows...)
}

// Summary counts the rows by status.
func (s *Session) Summary() results.Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	return results.Summarize(s.rows)
}

// Issues returns the error drill-down keyed by sequence id.
func (s *Session) Issues() []results.RowIssues {
	s.mu.Lock()
	defer s.mu.Unlock()
	return results.ErrorsBySequence(s.rows)
}

// Reset discards the upload and starts a new batch id.
func (s *Session) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.id = s.newID()
	s.fileName = ""
	s.loadedAt = time.Time{}
	s.rows = nil
	s.diagnostics = nil
	s.dropped = nil
}

// =============================================================================
// EXPORT
// =============================================================================

// ExportFile is a rendered export.
type ExportFile struct {
	Format    string
	Extension string
	Filter    export.Filter
	Records   int
	Groups    int
	Data      []byte
}

// Export renders the rows matching filter. Domains with a group_by field
// are exported one sheet per group.
//
// RETURNS:
//   - The rendered file.
//   - export.NoDataError when no row matches the filter.
func (s *Session) Export(filter export.Filter, format string) (*ExportFile, error) {
	formatter, err := export.NewFormatter(format)
	if err != nil {
		return nil, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if len(s.rows) == 0 {
		return nil, ErrNoUpload
	}

	d := s.reg.Domain()
	meta := export.Metadata{
		Title:       d.Name,
		Domain:      d.Domain,
		BatchID:     s.id,
		Filter:      filter,
		GeneratedAt: s.now(),
	}

	var doc *export.Document
	groups := 0
	if d.Export.GroupBy != "" {
		g, err := export.GroupBy(s.rows, d.Export.GroupBy, filter, s.policy)
		if err != nil {
			return nil, err
		}
		doc = export.NewGroupedDocument(g, meta)
		groups = g.Len()
	} else {
		records, columns, err := export.BuildExportRecords(s.rows, filter, s.policy)
		if err != nil {
			return nil, err
		}
		doc = export.NewDocument(records, columns, meta)
	}

	var buf bytes.Buffer
	if err := formatter.Write(&buf, doc); err != nil {
		return nil, fmt.Errorf("render %s export: %w", formatter.Extension(), err)
	}

	return &ExportFile{
		Format:    formatter.Extension()[1:],
		Extension: formatter.Extension(),
		Filter:    filter,
		Records:   doc.Rows(),
		Groups:    groups,
		Data:      buf.Bytes(),
	}, nil
}
