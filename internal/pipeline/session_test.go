package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/ginjaninja78/odata-bulk-upload/internal/config"
	"github.com/ginjaninja78/odata-bulk-upload/internal/constraints"
	"github.com/ginjaninja78/odata-bulk-upload/internal/export"
	"github.com/ginjaninja78/odata-bulk-upload/internal/sheet"
	"github.com/ginjaninja78/odata-bulk-upload/internal/submission"
	"github.com/ginjaninja78/odata-bulk-upload/internal/types"
	"github.com/ginjaninja78/odata-bulk-upload/internal/validation"
)

// ----------------------------------------------------------------------------
// Fixtures
// ----------------------------------------------------------------------------

const receiptsCSV = "Sequence ID,GRN Document Number,Purchase Order,PO Item,Plant,Posting Date,Document Date,Quantity\n" +
	"1,5000000123,4500000001,10,1010,2024-01-15,2024-01-14,5\n" +
	"2,5000000123,4500000001,20,1010,2024-01-15,2024-01-14,3\n" +
	"3,5000000124,4500000002,10,,2024-01-16,2024-01-16,1\n"

func receiptRegistry(t *testing.T) *constraints.Registry {
	t.Helper()
	domains, err := config.BuiltinDomains()
	if err != nil {
		t.Fatalf("BuiltinDomains() error = %v", err)
	}
	reg, err := constraints.NewRegistry(domains["goods_receipt"])
	if err != nil {
		t.Fatalf("NewRegistry() error = %v", err)
	}
	return reg
}

// fakeTransport posts material documents; rows listed in fail are
// rejected while their counter is positive.
type fakeTransport struct {
	mu    sync.Mutex
	calls []string
	fail  map[string]int
}

func (f *fakeTransport) Submit(_ context.Context, p submission.Payload) (*submission.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, p.SequenceID)

	if f.fail[p.SequenceID] > 0 {
		f.fail[p.SequenceID]--
		return &submission.Response{
			StatusCode: 400,
			Error:      &submission.ServerError{StatusCode: 400, Code: "M7/021", Message: "Deficit of PO quantity"},
		}, nil
	}
	return &submission.Response{
		StatusCode: 201,
		Data: map[string]any{
			"MaterialDocument":     "49000000" + p.SequenceID,
			"MaterialDocumentYear": "2024",
		},
	}, nil
}

func (f *fakeTransport) submitted() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func sequentialIDs() func() string {
	n := 0
	return func() string {
		n++
		return fmt.Sprintf("session-%d", n)
	}
}

func newTestSession(t *testing.T, opts ...Option) *Session {
	t.Helper()
	opts = append([]Option{
		WithClock(func() time.Time { return time.Date(2024, 2, 1, 8, 0, 0, 0, time.UTC) }, sequentialIDs()),
		WithValidatorOptions(validation.WithClock(func() time.Time { return time.Date(2024, 2, 1, 0, 0, 0, 0, time.UTC) })),
	}, opts...)
	s, err := NewSession(receiptRegistry(t), opts...)
	if err != nil {
		t.Fatalf("NewSession() error = %v", err)
	}
	return s
}

func statuses(rows []*types.CanonicalRow) string {
	var parts []string
	for _, r := range rows {
		parts = append(parts, r.SequenceID+"="+r.Status.String())
	}
	return strings.Join(parts, " ")
}

// ----------------------------------------------------------------------------
// Full cycle
// ----------------------------------------------------------------------------

func TestSession_LoadValidateSubmitExport(t *testing.T) {
	transport := &fakeTransport{}
	var (
		validated *validation.ValidationResult
		progress  []submission.Progress
		completed *submission.BatchResult
	)
	s := newTestSession(t,
		WithTransport(transport, submission.Options{Mode: submission.ModeDirect, MaxConcurrency: 1, Timeout: time.Second}),
		WithListener(Listener{
			OnValidationComplete: func(r *validation.ValidationResult) { validated = r },
			OnSubmissionProgress: func(p submission.Progress) { progress = append(progress, p) },
			OnSubmissionComplete: func(r *submission.BatchResult) { completed = r },
		}),
	)
	ctx := context.Background()

	n, err := s.Load(ctx, "goods_receipt_jan.csv", []byte(receiptsCSV))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if n != 3 || s.FileName() != "goods_receipt_jan.csv" {
		t.Fatalf("Load() = %d rows, file %q", n, s.FileName())
	}

	if _, err := s.Validate(ctx); err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if validated == nil || validated.ValidCount != 2 || validated.ErrorCount != 1 {
		t.Fatalf("OnValidationComplete got %+v", validated)
	}

	result, err := s.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if got := transport.submitted(); len(got) != 2 {
		t.Errorf("submitted %v, want rows 1 and 2 only", got)
	}
	if completed != result || len(result.SuccessRecords) != 2 {
		t.Errorf("OnSubmissionComplete got %+v", completed)
	}
	if len(progress) != 3 || progress[0].Processed != 0 || progress[2].Processed != 2 || progress[2].Total != 2 {
		t.Errorf("progress = %+v", progress)
	}
	if got := statuses(s.Rows()); got != "1=Success 2=Success 3=Invalid" {
		t.Errorf("statuses = %s", got)
	}

	sum := s.Summary()
	if sum.Success != 2 || sum.Invalid != 1 || sum.IsValid {
		t.Errorf("Summary() = %+v", sum)
	}

	file, err := s.Export(export.FilterAll, "csv")
	if err != nil {
		t.Fatalf("Export() error = %v", err)
	}
	if file.Records != 3 || file.Groups != 2 || file.Extension != ".csv" {
		t.Errorf("export = %d records, %d groups, %s", file.Records, file.Groups, file.Extension)
	}
	out := string(file.Data)
	for _, want := range []string{
		"Group,Sequence ID,Status,Message",
		"5000000123,1,Success,Material document 490000001 (2024) posted",
		"5000000124,3,Invalid,Plant: Plant is required",
	} {
		if !strings.Contains(out, want) {
			t.Errorf("export missing %q:\n%s", want, out)
		}
	}
}

func TestSession_Retry(t *testing.T) {
	transport := &fakeTransport{fail: map[string]int{"2": 1}}
	s := newTestSession(t, WithTransport(transport, submission.Options{MaxConcurrency: 2, Timeout: time.Second}))
	ctx := context.Background()

	if _, err := s.Load(ctx, "grn.csv", []byte(receiptsCSV)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Validate(ctx); err != nil {
		t.Fatal(err)
	}

	first, err := s.Submit(ctx)
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if len(first.ErrorRecords) != 1 || first.ErrorRecords[0].Entry.SequenceID != "2" {
		t.Fatalf("first submission errors = %+v", first.ErrorRecords)
	}
	if got := s.Rows()[1].ErrorCode; got != "M7/021" {
		t.Errorf("error code = %q", got)
	}

	retry, err := s.Retry(ctx)
	if err != nil {
		t.Fatalf("Retry() error = %v", err)
	}
	if len(retry.SuccessRecords) != 1 || retry.SuccessRecords[0].Entry.SequenceID != "2" {
		t.Errorf("retry = %+v", retry)
	}
	if got := transport.submitted(); len(got) != 3 {
		t.Errorf("calls = %v", got)
	}

	if _, err := s.Retry(ctx); !errors.Is(err, ErrNothingToSubmit) {
		t.Errorf("second Retry() error = %v, want ErrNothingToSubmit", err)
	}
}

func TestSession_RevalidateKeepsPostedRows(t *testing.T) {
	transport := &fakeTransport{fail: map[string]int{"2": 1}}
	s := newTestSession(t, WithTransport(transport, submission.Options{MaxConcurrency: 1, Timeout: time.Second}))
	ctx := context.Background()

	if _, err := s.Load(ctx, "grn.csv", []byte(receiptsCSV)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Validate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Submit(ctx); err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	if got := statuses(s.Rows()); got != "1=Success 2=Error 3=Invalid" {
		t.Fatalf("statuses after submit = %s", got)
	}

	result, err := s.Validate(ctx)
	if err != nil {
		t.Fatalf("second Validate() error = %v", err)
	}
	if result.PostedCount != 1 || result.ValidCount != 1 || result.ErrorCount != 1 {
		t.Errorf("second Validate() = posted %d, valid %d, invalid %d", result.PostedCount, result.ValidCount, result.ErrorCount)
	}
	if got := statuses(s.Rows()); got != "1=Success 2=Valid 3=Invalid" {
		t.Errorf("statuses after revalidation = %s", got)
	}
	if got := s.Rows()[0].Message; !strings.Contains(got, "490000001") {
		t.Errorf("posted row lost its response message: %q", got)
	}

	if _, err := s.Submit(ctx); err != nil {
		t.Fatalf("second Submit() error = %v", err)
	}
	if got := transport.submitted(); strings.Join(got, ",") != "1,2,2" {
		t.Errorf("calls = %v, want 1,2,2", got)
	}

	if _, err := s.Validate(ctx); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Submit(ctx); !errors.Is(err, ErrNothingToSubmit) {
		t.Errorf("third Submit() error = %v, want ErrNothingToSubmit", err)
	}
	if got := len(transport.submitted()); got != 3 {
		t.Errorf("third Submit() posted again, %d calls", got)
	}
}

// ----------------------------------------------------------------------------
// State handling
// ----------------------------------------------------------------------------

func TestSession_FailedLoadKeepsPreviousUpload(t *testing.T) {
	s := newTestSession(t)
	ctx := context.Background()

	if _, err := s.Load(ctx, "grn.csv", []byte(receiptsCSV)); err != nil {
		t.Fatal(err)
	}
	id := s.ID()

	tests := []struct {
		name string
		file string
		data string
	}{
		{"unsupported format", "grn.docx", "x"},
		{"header conflict", "grn.csv", "Plant,PLANT\n1010,1010\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := s.Load(ctx, tt.file, []byte(tt.data)); err == nil {
				t.Fatal("Load() error = nil")
			}
			if len(s.Rows()) != 3 || s.ID() != id || s.FileName() != "grn.csv" {
				t.Errorf("session changed: %d rows, id %s, file %s", len(s.Rows()), s.ID(), s.FileName())
			}
		})
	}

	var unsupported *sheet.UnsupportedFormatError
	if _, err := s.Load(ctx, "grn.docx", nil); !errors.As(err, &unsupported) {
		t.Errorf("Load(docx) error = %v, want UnsupportedFormatError", err)
	}
}

func TestSession_Errors(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)

	if _, err := s.Validate(ctx); !errors.Is(err, ErrNoUpload) {
		t.Errorf("Validate() before Load error = %v", err)
	}
	if _, err := s.Submit(ctx); !errors.Is(err, ErrNoUpload) {
		t.Errorf("Submit() before Load error = %v", err)
	}
	if _, err := s.Export(export.FilterAll, "csv"); !errors.Is(err, ErrNoUpload) {
		t.Errorf("Export() before Load error = %v", err)
	}
	if err := s.Cancel(); !errors.Is(err, ErrNoActiveSubmission) {
		t.Errorf("Cancel() error = %v", err)
	}

	if _, err := s.Load(ctx, "grn.csv", []byte(receiptsCSV)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Submit(ctx); !errors.Is(err, ErrNoTransport) {
		t.Errorf("Submit() without transport error = %v", err)
	}
	if _, err := s.Export(export.FilterAll, "docx"); err == nil {
		t.Error("Export(docx) error = nil")
	}
}

func TestSession_ExportNoData(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	valid := strings.Join(strings.Split(receiptsCSV, "\n")[:3], "\n") + "\n"

	if _, err := s.Load(ctx, "grn.csv", []byte(valid)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Validate(ctx); err != nil {
		t.Fatal(err)
	}

	_, err := s.Export(export.FilterError, "xlsx")
	var noData *export.NoDataError
	if !errors.As(err, &noData) {
		t.Fatalf("Export(error) error = %v, want NoDataError", err)
	}
}

func TestSession_Reset(t *testing.T) {
	ctx := context.Background()
	s := newTestSession(t)
	if _, err := s.Load(ctx, "grn.csv", []byte(receiptsCSV)); err != nil {
		t.Fatal(err)
	}
	before := s.ID()

	s.Reset()
	if len(s.Rows()) != 0 || s.FileName() != "" || s.Summary().Total != 0 {
		t.Error("Reset() kept the upload")
	}
	if s.ID() == before {
		t.Error("Reset() kept the batch id")
	}
}

func TestSession_CancelBatchMode(t *testing.T) {
	gate := make(chan struct{})
	transport := &gatedBatchTransport{gate: gate, started: make(chan struct{}, 1)}
	s := newTestSession(t, WithTransport(transport, submission.Options{Mode: submission.ModeBatch, BatchSize: 1, Timeout: 5 * time.Second}))
	ctx := context.Background()

	if _, err := s.Load(ctx, "grn.csv", []byte(receiptsCSV)); err != nil {
		t.Fatal(err)
	}
	if _, err := s.Validate(ctx); err != nil {
		t.Fatal(err)
	}

	done := make(chan *submission.BatchResult)
	go func() {
		r, err := s.Submit(ctx)
		if err != nil {
			t.Errorf("Submit() error = %v", err)
		}
		done <- r
	}()

	<-transport.started
	if err := s.Cancel(); err != nil {
		t.Fatalf("Cancel() error = %v", err)
	}
	close(gate)

	result := <-done
	if !result.Cancelled || len(result.SuccessRecords) != 1 || len(result.Skipped) != 1 {
		t.Errorf("result = %+v", result)
	}
	if err := s.Cancel(); !errors.Is(err, ErrNoActiveSubmission) {
		t.Errorf("Cancel() after completion error = %v", err)
	}
}

// gatedBatchTransport blocks the first chunk until gate is closed.
type gatedBatchTransport struct {
	fakeTransport
	gate    chan struct{}
	started chan struct{}
	once    sync.Once
}

func (g *gatedBatchTransport) SubmitBatch(ctx context.Context, payloads []submission.Payload) ([]submission.Response, error) {
	g.once.Do(func() { g.started <- struct{}{} })
	<-g.gate
	var out []submission.Response
	for _, p := range payloads {
		resp, _ := g.Submit(ctx, p)
		resp.ContentID = p.SequenceID
		out = append(out, *resp)
	}
	return out, nil
}
