// =============================================================================
// OData Bulk Upload - Submission Reconciler
// =============================================================================
//
// The reconciler sends valid rows to the back end and merges every
// completion into the row it belongs to.
//
// RECONCILIATION:
//   Every dispatched row is registered in a pending map keyed by sequence
//   id. A completion carries the sequence id (captured when the request was
//   sent, or echoed as Content-ID by a batch transport) and is applied to
//   exactly that entry. List positions are never used, so completions may
//   arrive in any order.
//
// STATE MACHINE (per row):
//   Valid|Error -> Submitting -> Success|Error
//   A row that is Submitting cannot be submitted again.
//
// MODES:
//   direct: one request per row, bounded concurrency, not cancellable once
//           dispatched
//   batch:  chunked $batch requests; Cancel stops further chunks
//
// There are no automatic retries. RetryableRows returns the Error rows for
// a user-initiated resubmission.
//
// =============================================================================

package submission

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ginjaninja78/odata-bulk-upload/internal/config"
	"github.com/ginjaninja78/odata-bulk-upload/internal/constraints"
	"github.com/ginjaninja78/odata-bulk-upload/internal/logging"
	"github.com/ginjaninja78/odata-bulk-upload/internal/results"
	"github.com/ginjaninja78/odata-bulk-upload/internal/types"
)

// =============================================================================
// ERRORS
// =============================================================================

var (
	// ErrAlreadySubmitting rejects a second submission of a row in flight.
	ErrAlreadySubmitting = errors.New("row is already being submitted")

	// ErrNotSubmittable rejects rows that are not Valid or Error.
	ErrNotSubmittable = errors.New("row is not ready for submission")

	// ErrCancelNotSupported is returned when cancelling a direct-mode batch
	// that is still running: dispatched requests cannot be recalled.
	ErrCancelNotSupported = errors.New("cancellation is not supported in direct submission mode")

	// ErrUnknownBatch is returned by Cancel for an id it never issued.
	ErrUnknownBatch = errors.New("unknown submission batch")

	// ErrBatchNotSupported is returned in batch mode when the transport
	// cannot send $batch requests.
	ErrBatchNotSupported = errors.New("transport does not support batch requests")
)

// =============================================================================
// OPTIONS AND RESULTS
// =============================================================================

// Mode selects how a batch is sent.
type Mode string

const (
	ModeDirect Mode = "direct"
	ModeBatch  Mode = "batch"
)

// Options controls submission.
type Options struct {
	Mode           Mode
	BatchSize      int
	MaxConcurrency int

	// Timeout bounds one request (direct) or one chunk (batch). Zero
	// disables it.
	Timeout time.Duration
}

// OptionsFromConfig converts the submission section of the main config.
func OptionsFromConfig(cfg config.SubmissionConfig) Options {
	return Options{
		Mode:           Mode(cfg.Mode),
		BatchSize:      cfg.BatchSize,
		MaxConcurrency: cfg.MaxConcurrency,
		Timeout:        cfg.Timeout,
	}
}

// Record pairs a row with the outcome applied to it.
type Record struct {
	Entry   *types.CanonicalRow
	Outcome types.SubmissionOutcome
}

// SkippedRow is a row SubmitBatch did not send.
type SkippedRow struct {
	SequenceID string
	Reason     string
}

// BatchResult reports the per-row outcome of one SubmitBatch call. Records
// are in input order.
type BatchResult struct {
	BatchID        string
	SuccessRecords []Record
	ErrorRecords   []Record
	Skipped        []SkippedRow
	Cancelled      bool
}

// Progress is reported after every completion. The first report of a
// batch has Processed == 0 and carries the id needed for Cancel.
type Progress struct {
	BatchID   string
	Processed int
	Total     int
}

// ProgressFunc receives progress reports. Calls are never concurrent.
type ProgressFunc func(Progress)

// =============================================================================
// RECONCILER
// =============================================================================

type inflight struct {
	row     *types.CanonicalRow
	from    State
	batchID string
}

type batchState struct {
	mode      Mode
	cancelled bool
	done      bool
}

// Reconciler submits rows and applies the outcomes.
type Reconciler struct {
	transport Transport
	builder   *PayloadBuilder
	doc       config.DomainSubmission
	opts      Options
	logger    *slog.Logger
	newID     func() string

	mu      sync.Mutex
	states  stateTable
	pending map[string]*inflight
	batches map[string]*batchState
}

// Option configures a Reconciler.
type Option func(*Reconciler)

// WithLogger sets the logger used when no logger is carried by the context.
func WithLogger(logger *slog.Logger) Option {
	return func(r *Reconciler) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithBatchIDs replaces the batch id generator.
func WithBatchIDs(next func() string) Option {
	return func(r *Reconciler) {
		if next != nil {
			r.newID = next
		}
	}
}

// NewReconciler creates a reconciler for the registry's domain.
func NewReconciler(reg *constraints.Registry, transport Transport, opts Options, options ...Option) (*Reconciler, error) {
	if reg == nil {
		return nil, fmt.Errorf("nil constraint registry")
	}
	if transport == nil {
		return nil, fmt.Errorf("nil transport")
	}
	if opts.Mode == "" {
		opts.Mode = ModeDirect
	}
	if opts.Mode != ModeDirect && opts.Mode != ModeBatch {
		return nil, fmt.Errorf("unknown submission mode %q", opts.Mode)
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = config.DefaultBatchSize
	}
	if opts.Mode == ModeBatch {
		if _, ok := transport.(BatchTransport); !ok {
			return nil, ErrBatchNotSupported
		}
	}

	r := &Reconciler{
		transport: transport,
		builder:   NewPayloadBuilder(reg),
		doc:       reg.Domain().Submission,
		opts:      opts,
		logger:    slog.Default(),
		newID:     uuid.NewString,
		states:    make(stateTable),
		pending:   make(map[string]*inflight),
		batches:   make(map[string]*batchState),
	}
	for _, o := range options {
		o(r)
	}
	return r, nil
}

// Mode returns the submission mode.
func (r *Reconciler) Mode() Mode {
	return r.opts.Mode
}

// InFlight reports whether a row is currently being submitted.
func (r *Reconciler) InFlight(sequenceID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.pending[sequenceID]
	return ok
}

// =============================================================================
// SINGLE ROW
// =============================================================================

// Submit sends one row and applies the outcome to it.
//
// RETURNS:
//   - The outcome applied to the row.
//   - ErrAlreadySubmitting or ErrNotSubmittable when the row was not sent.
//     A failed submission is an outcome, not an error.
func (r *Reconciler) Submit(ctx context.Context, row *types.CanonicalRow) (types.SubmissionOutcome, error) {
	if row == nil {
		return types.SubmissionOutcome{}, fmt.Errorf("%w: nil row", ErrNotSubmittable)
	}
	if _, err := r.acquire(row, ""); err != nil {
		return types.SubmissionOutcome{}, err
	}

	outcome := r.send(ctx, row)
	rec, ok := r.complete(ctx, outcome)
	if !ok {
		return outcome, fmt.Errorf("row %s: completion could not be applied", row.SequenceID)
	}
	return rec.Outcome, nil
}

// =============================================================================
// BATCH
// =============================================================================

// SubmitBatch sends rows and applies every outcome to its row.
//
// PARAMETERS:
//   - ctx: Cancels outstanding work; carries the logger.
//   - rows: Rows to send. Rows that are not Valid/Error, or already in
//     flight, are reported in Skipped.
//   - progress: Optional progress callback.
//
// RETURNS:
//   - The per-row result. One row's failure never affects another row.
func (r *Reconciler) SubmitBatch(ctx context.Context, rows []*types.CanonicalRow, progress ProgressFunc) (*BatchResult, error) {
	batchID := r.newID()
	logger := logging.FromContext(ctx).With("batch_id", batchID, "mode", string(r.opts.Mode))

	result := &BatchResult{
		BatchID:        batchID,
		SuccessRecords: []Record{},
		ErrorRecords:   []Record{},
	}

	order := make(map[string]int, len(rows))
	var work []*inflight
	for i, row := range rows {
		if row == nil {
			continue
		}
		inf, err := r.acquire(row, batchID)
		if err != nil {
			result.Skipped = append(result.Skipped, SkippedRow{SequenceID: row.SequenceID, Reason: err.Error()})
			continue
		}
		order[row.SequenceID] = i
		work = append(work, inf)
	}

	r.mu.Lock()
	r.batches[batchID] = &batchState{mode: r.opts.Mode}
	r.mu.Unlock()

	total := len(work)
	processed := 0
	report := func() {
		if progress != nil {
			progress(Progress{BatchID: batchID, Processed: processed, Total: total})
		}
	}
	onRecord := func(rec Record) {
		processed++
		if rec.Outcome.Success {
			result.SuccessRecords = append(result.SuccessRecords, rec)
		} else {
			result.ErrorRecords = append(result.ErrorRecords, rec)
		}
		report()
	}

	logger.Info("submission started", "rows", total, "skipped", len(result.Skipped))
	report()

	if r.opts.Mode == ModeBatch {
		r.submitChunks(ctx, batchID, work, onRecord, result)
	} else {
		r.submitDirect(ctx, work, onRecord)
	}

	r.mu.Lock()
	r.batches[batchID].done = true
	r.mu.Unlock()

	byInput := func(records []Record) {
		sort.SliceStable(records, func(i, j int) bool {
			return order[records[i].Entry.SequenceID] < order[records[j].Entry.SequenceID]
		})
	}
	byInput(result.SuccessRecords)
	byInput(result.ErrorRecords)

	logger.Info("submission complete",
		"success", len(result.SuccessRecords),
		"error", len(result.ErrorRecords),
		"skipped", len(result.Skipped),
		"cancelled", result.Cancelled,
	)
	return result, nil
}

// submitDirect sends one request per row with bounded concurrency.
func (r *Reconciler) submitDirect(ctx context.Context, work []*inflight, onRecord func(Record)) {
	run := runner[*inflight, types.SubmissionOutcome]{maxConcurrency: r.opts.MaxConcurrency}
	run.run(work,
		func(inf *inflight, results chan<- types.SubmissionOutcome) {
			results <- r.send(ctx, inf.row)
		},
		func(outcome types.SubmissionOutcome) {
			if rec, ok := r.complete(ctx, outcome); ok {
				onRecord(rec)
			}
		},
	)
}

// submitChunks sends $batch requests of BatchSize rows, one after another,
// and stops dispatching when the batch is cancelled.
func (r *Reconciler) submitChunks(ctx context.Context, batchID string, work []*inflight, onRecord func(Record), result *BatchResult) {
	bt := r.transport.(BatchTransport)
	logger := logging.FromContext(ctx).With("batch_id", batchID)

	for start := 0; start < len(work); start += r.opts.BatchSize {
		if r.isCancelled(batchID) || ctx.Err() != nil {
			for _, inf := range work[start:] {
				r.release(inf)
				result.Skipped = append(result.Skipped, SkippedRow{SequenceID: inf.row.SequenceID, Reason: "batch cancelled"})
			}
			result.Cancelled = true
			logger.Info("submission cancelled", "released", len(work)-start)
			return
		}

		end := start + r.opts.BatchSize
		if end > len(work) {
			end = len(work)
		}
		chunk := work[start:end]

		payloads := make([]Payload, 0, len(chunk))
		for _, inf := range chunk {
			p, err := r.builder.Build(inf.row)
			if err != nil {
				if rec, ok := r.complete(ctx, types.SubmissionOutcome{
					SequenceID: inf.row.SequenceID,
					Message:    err.Error(),
					ErrorCode:  types.CodeSubmission,
				}); ok {
					onRecord(rec)
				}
				continue
			}
			payloads = append(payloads, p)
		}
		if len(payloads) == 0 {
			continue
		}

		responses, err := r.withTimeout(ctx, func(ctx context.Context) ([]Response, error) {
			return bt.SubmitBatch(ctx, payloads)
		})

		inChunk := make(map[string]bool, len(payloads))
		for _, p := range payloads {
			inChunk[p.SequenceID] = true
		}
		answered := make(map[string]bool, len(payloads))
		if err == nil {
			for i := range responses {
				resp := &responses[i]
				seq := resp.ContentID
				if !inChunk[seq] || answered[seq] {
					logger.Warn("unmatched batch response", "content_id", seq, "status", resp.StatusCode)
					continue
				}
				answered[seq] = true
				if rec, ok := r.complete(ctx, interpret(seq, resp, nil, r.doc, r.opts.Timeout)); ok {
					onRecord(rec)
				}
			}
		}

		for _, p := range payloads {
			if answered[p.SequenceID] {
				continue
			}
			var outcome types.SubmissionOutcome
			if err != nil {
				outcome = interpret(p.SequenceID, nil, err, r.doc, r.opts.Timeout)
			} else {
				perr := &ParseResponseError{SequenceID: p.SequenceID, Cause: errors.New("the batch reply has no part for this row")}
				outcome = types.SubmissionOutcome{SequenceID: p.SequenceID, Message: perr.Error(), ErrorCode: perr.Code()}
			}
			if rec, ok := r.complete(ctx, outcome); ok {
				onRecord(rec)
			}
		}
	}
}

// =============================================================================
// CANCELLATION
// =============================================================================

// Cancel stops a running batch-mode submission before its next chunk.
// Rows not yet dispatched return to their previous status.
//
// Cancelling a finished batch, or cancelling twice, is a no-op. Cancelling
// a running direct-mode batch returns ErrCancelNotSupported.
func (r *Reconciler) Cancel(batchID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	b, ok := r.batches[batchID]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownBatch, batchID)
	}
	if b.done {
		return nil
	}
	if b.mode == ModeDirect {
		return ErrCancelNotSupported
	}
	b.cancelled = true
	return nil
}

// Active returns the ids of batches that are still running.
func (r *Reconciler) Active() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var ids []string
	for id, b := range r.batches {
		if !b.done {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

func (r *Reconciler) isCancelled(batchID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	b, ok := r.batches[batchID]
	return ok && b.cancelled
}

// RetryableRows returns the rows whose submission failed, for a
// user-initiated resubmission.
func RetryableRows(rows []*types.CanonicalRow) []*types.CanonicalRow {
	return results.FilterByStatus(rows, types.StatusError)
}

// =============================================================================
// PENDING MAP
// =============================================================================

// acquire moves a row to Submitting and registers it as pending.
func (r *Reconciler) acquire(row *types.CanonicalRow, batchID string) (*inflight, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	seq := row.SequenceID
	if _, busy := r.pending[seq]; busy {
		return nil, fmt.Errorf("%w: %s", ErrAlreadySubmitting, seq)
	}
	from, ok := stateOf(row.Status)
	if !ok || from == StateSuccess {
		return nil, fmt.Errorf("%w: row %s is %s", ErrNotSubmittable, seq, row.Status)
	}

	r.states[seq] = from
	if err := Transition(r.states, seq, from, StateSubmitting); err != nil {
		return nil, err
	}
	inf := &inflight{row: row, from: from, batchID: batchID}
	r.pending[seq] = inf
	return inf, nil
}

// complete applies an outcome to the pending row with the same sequence id.
func (r *Reconciler) complete(ctx context.Context, outcome types.SubmissionOutcome) (Record, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	logger := logging.FromContext(ctx)
	inf, ok := r.pending[outcome.SequenceID]
	if !ok {
		logger.Warn("completion for a row that is not pending", "sequence_id", outcome.SequenceID)
		return Record{}, false
	}

	to := StateError
	if outcome.Success {
		to = StateSuccess
	}
	if err := Transition(r.states, outcome.SequenceID, StateSubmitting, to); err != nil {
		logger.Error("state transition failed", "error", err)
	}
	delete(r.pending, outcome.SequenceID)

	if outcome.Success {
		inf.row.MarkSucceeded(outcome.Message, outcome.ResponseFields)
		logger.Debug("row submitted", "sequence_id", outcome.SequenceID, "message", outcome.Message)
	} else {
		inf.row.MarkFailed(outcome.Message, outcome.ErrorCode)
		logger.Warn("row submission failed", "sequence_id", outcome.SequenceID, "code", outcome.ErrorCode, "message", outcome.Message)
	}
	return Record{Entry: inf.row, Outcome: outcome}, true
}

// release returns an undispatched row to its previous state.
func (r *Reconciler) release(inf *inflight) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := Transition(r.states, inf.row.SequenceID, StateSubmitting, inf.from); err != nil {
		r.logger.Error("state transition failed", "error", err)
	}
	delete(r.pending, inf.row.SequenceID)
}

// =============================================================================
// SENDING
// =============================================================================

// send submits one row and interprets the completion. The sequence id is
// captured here so the completion can be matched without positions.
func (r *Reconciler) send(ctx context.Context, row *types.CanonicalRow) types.SubmissionOutcome {
	seq := row.SequenceID
	payload, err := r.builder.Build(row)
	if err != nil {
		return types.SubmissionOutcome{SequenceID: seq, Message: err.Error(), ErrorCode: types.CodeSubmission}
	}

	resp, err := r.withTimeout(ctx, func(ctx context.Context) ([]Response, error) {
		resp, err := r.transport.Submit(ctx, payload)
		if resp == nil {
			return nil, err
		}
		return []Response{*resp}, err
	})
	var first *Response
	if len(resp) > 0 {
		first = &resp[0]
	}
	return interpret(seq, first, err, r.doc, r.opts.Timeout)
}

// withTimeout runs call with the configured timeout. A transport that
// ignores its context still resolves: the call is abandoned when the
// deadline passes.
func (r *Reconciler) withTimeout(ctx context.Context, call func(context.Context) ([]Response, error)) ([]Response, error) {
	if r.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.opts.Timeout)
		defer cancel()
	}

	type reply struct {
		responses []Response
		err       error
	}
	done := make(chan reply, 1)
	go func() {
		responses, err := call(ctx)
		done <- reply{responses, err}
	}()

	select {
	case rep := <-done:
		return rep.responses, rep.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}
