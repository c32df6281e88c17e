package pipeline

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/ginjaninja78/odata-bulk-upload/internal/config"
	"github.com/ginjaninja78/odata-bulk-upload/internal/export"
	"github.com/ginjaninja78/odata-bulk-upload/internal/submission"
)

func newTestProcessor(t *testing.T, transport submission.Transport) (*Processor, *config.MainConfig) {
	t.Helper()
	root := t.TempDir()

	main := config.DefaultMainConfig()
	main.InputDir = filepath.Join(root, "input")
	main.OutputDir = filepath.Join(root, "output")
	main.InputArchiveDir = filepath.Join(root, "input_archive")
	main.OutputArchiveDir = filepath.Join(root, "output_archive")
	main.Export.Format = "csv"

	domains, err := config.BuiltinDomains()
	if err != nil {
		t.Fatal(err)
	}

	p := NewProcessor(main, domains, WithTransportFactory(func(*config.DomainConfig) (submission.Transport, error) {
		return transport, nil
	}))
	if err := p.Files().EnsureDirectories(); err != nil {
		t.Fatal(err)
	}
	return p, main
}

func writeInput(t *testing.T, main *config.MainConfig, name, content string) string {
	t.Helper()
	path := filepath.Join(main.InputDir, name)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestProcessor_Run(t *testing.T) {
	transport := &fakeTransport{}
	p, main := newTestProcessor(t, transport)
	path := writeInput(t, main, "goods_receipt_jan.csv", receiptsCSV)

	result := p.Run(context.Background(), path, RunOptions{
		Submit:  true,
		Filters: []export.Filter{export.FilterAll, export.FilterError},
	})
	if result.Error != nil || !result.Success {
		t.Fatalf("Run() = %+v", result)
	}

	if result.Domain != "goods_receipt" || result.SessionID == "" {
		t.Errorf("domain %q, session %q", result.Domain, result.SessionID)
	}
	stats := result.Stats
	if stats.RowsLoaded != 3 || stats.ValidRows != 2 || stats.InvalidRows != 1 || stats.Succeeded != 2 || stats.Submitted != 2 {
		t.Errorf("stats = %+v", stats)
	}
	if stats.ProcessingTime <= 0 {
		t.Error("processing time not recorded")
	}

	if len(result.OutputFiles) != 2 {
		t.Fatalf("outputs = %v", result.OutputFiles)
	}
	for i, status := range []string{"_all_", "_error_"} {
		name := filepath.Base(result.OutputFiles[i])
		if !strings.HasPrefix(name, "goods_receipt"+status) || filepath.Ext(name) != ".csv" {
			t.Errorf("output %d = %s", i, name)
		}
		if _, err := os.Stat(filepath.Join(main.OutputArchiveDir, name)); err != nil {
			t.Errorf("export %s not archived: %v", name, err)
		}
	}

	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Error("workbook still in the input directory")
	}
	if want := filepath.Join(main.InputArchiveDir, "goods_receipt_jan.csv"); result.ArchivePath != want {
		t.Errorf("archive path = %s, want %s", result.ArchivePath, want)
	}
	if _, err := os.Stat(result.ArchivePath); err != nil {
		t.Errorf("workbook not archived: %v", err)
	}

	if len(result.Issues) != 1 || result.Issues[0].SequenceID != "3" {
		t.Errorf("issues = %+v", result.Issues)
	}
}

func TestProcessor_Run_DryRun(t *testing.T) {
	transport := &fakeTransport{}
	p, main := newTestProcessor(t, transport)
	path := writeInput(t, main, "grn_feb.csv", receiptsCSV)

	result := p.Run(context.Background(), path, RunOptions{Submit: true, DryRun: true})
	if !result.Success || len(result.OutputFiles) != 0 {
		t.Fatalf("Run() = %+v", result)
	}
	if len(transport.submitted()) != 0 {
		t.Error("dry run submitted rows")
	}
	if _, err := os.Stat(path); err != nil {
		t.Errorf("dry run moved the workbook: %v", err)
	}
}

func TestProcessor_Run_SkipsEmptyExport(t *testing.T) {
	p, main := newTestProcessor(t, &fakeTransport{})
	valid := strings.Join(strings.Split(receiptsCSV, "\n")[:3], "\n") + "\n"
	path := writeInput(t, main, "grn_valid.csv", valid)

	result := p.Run(context.Background(), path, RunOptions{Filters: []export.Filter{export.FilterError}})
	if !result.Success || len(result.OutputFiles) != 0 {
		t.Errorf("Run() = %+v", result)
	}
}

func TestProcessor_Run_Failures(t *testing.T) {
	p, main := newTestProcessor(t, &fakeTransport{})

	tests := []struct {
		name    string
		file    string
		content string
		opts    RunOptions
		want    string
	}{
		{"no matching domain", "payroll.csv", receiptsCSV, RunOptions{}, "no matching domain"},
		{"unknown forced domain", "grn.csv", receiptsCSV, RunOptions{Domain: "payroll"}, "unknown domain"},
		{"bad workbook", "grn_bad.csv", "Plant,PLANT\n1,2\n", RunOptions{}, "failed to load workbook"},
		{"missing template", "grn_tmpl.csv", receiptsCSV, RunOptions{TemplatePath: filepath.Join(main.InputDir, "none.xlsx")}, "failed to build constraints"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := writeInput(t, main, tt.file, tt.content)
			result := p.Run(context.Background(), path, tt.opts)
			if result.Success || result.Error == nil || !strings.Contains(result.Error.Error(), tt.want) {
				t.Errorf("Run() error = %v, want %q", result.Error, tt.want)
			}
			if _, err := os.Stat(path); err != nil {
				t.Errorf("failed workbook was moved: %v", err)
			}
		})
	}
}
