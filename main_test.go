package main

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/koltyakov/pgproblems/internal/errors"
)

// TestSlugify verifies the slugify function behavior.
func TestSlugify(t *testing.T) {
	tests := []struct {
		input    string
		expected string
	}{
		{"Hello World", "hello-world"},
		{"Install pg_stat_statements", "install-pg-stat-statements"},
		{"  Leading and Trailing  ", "leading-and-trailing"},
		{"Multiple---Hyphens", "multiple-hyphens"},
		{"CamelCase", "camelcase"},
		{"with_underscores", "with-underscores"},
		{"MixedCase123Numbers", "mixedcase123numbers"},
		{"", ""},
		{"---", ""},
		{"Single", "single"},
		{"a", "a"},
		{"A-B-C", "a-b-c"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := slugify(tt.input)
			if result != tt.expected {
				t.Errorf("slugify(%q) = %q, expected %q", tt.input, result, tt.expected)
			}
		})
	}
}

// TestParseSuppressedSet verifies suppression list parsing.
func TestParseSuppressedSet(t *testing.T) {
	tests := []struct {
		input    string
		expected map[string]bool
	}{
		{
			"deadlocks-detected,unused-indexes",
			map[string]bool{"deadlocks-detected": true, "unused-indexes": true},
		},
		{
			"  deadlocks-detected , unused-indexes  ",
			map[string]bool{"deadlocks-detected": true, "unused-indexes": true},
		},
		{
			"Deadlocks Detected",
			map[string]bool{"deadlocks-detected": true},
		},
		{
			"",
			map[string]bool{},
		},
		{
			" , ---",
			map[string]bool{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			assert.Equal(t, tt.expected, parseSuppressedSet(tt.input))
		})
	}
}

// TestSplitCSV verifies CSV splitting behavior.
func TestSplitCSV(t *testing.T) {
	tests := []struct {
		input    string
		expected []string
	}{
		{"a,b,c", []string{"a", "b", "c"}},
		{"  a , b , c  ", []string{"a", "b", "c"}},
		{"single", []string{"single"}},
		{"", nil},
		{"a,,b", []string{"a", "b"}},
		{"  ,  ,  ", nil},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := splitCSV(tt.input)
			if len(result) != len(tt.expected) {
				t.Errorf("splitCSV(%q) = %v, expected %v", tt.input, result, tt.expected)
				return
			}
			for i, v := range result {
				if v != tt.expected[i] {
					t.Errorf("splitCSV(%q)[%d] = %q, expected %q",
						tt.input, i, v, tt.expected[i])
				}
			}
		})
	}
}

// TestExpandOutPlaceholders verifies timestamp placeholder expansion.
func TestExpandOutPlaceholders(t *testing.T) {
	testTime := time.Date(2024, 8, 30, 14, 25, 0, 0, time.UTC)

	tests := []struct {
		input    string
		expected string
	}{
		{"report_{ts}.html", "report_2024-08-30_1425.html"},
		{"{ts}_report.html", "2024-08-30_1425_report.html"},
		{"report.html", "report.html"},
		{"{ts}/{ts}.html", "2024-08-30_1425/2024-08-30_1425.html"},
		{"", ""},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := expandOutPlaceholders(tt.input, testTime)
			if result != tt.expected {
				t.Errorf("expandOutPlaceholders(%q) = %q, expected %q",
					tt.input, result, tt.expected)
			}
		})
	}
}

// TestExpandOutPlaceholdersZeroTime verifies behavior with zero time.
func TestExpandOutPlaceholdersZeroTime(t *testing.T) {
	result := expandOutPlaceholders("report_{ts}.html", time.Time{})
	// Should use current time, so just verify the placeholder is replaced
	if result == "report_{ts}.html" {
		t.Error("expected {ts} placeholder to be replaced for zero time")
	}
}

// TestFirstNonEmpty verifies the first non-empty string selection.
func TestFirstNonEmpty(t *testing.T) {
	tests := []struct {
		input    []string
		expected string
	}{
		{[]string{"a", "b", "c"}, "a"},
		{[]string{"", "b", "c"}, "b"},
		{[]string{"", "", "c"}, "c"},
		{[]string{"", "", ""}, ""},
		{[]string{}, ""},
		{[]string{"only"}, "only"},
	}

	for _, tt := range tests {
		result := firstNonEmpty(tt.input...)
		if result != tt.expected {
			t.Errorf("firstNonEmpty(%v) = %q, expected %q",
				tt.input, result, tt.expected)
		}
	}
}

// TestExitCode verifies error to exit code mapping.
func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, exitSuccess},
		{"invalid config", fmt.Errorf("%w: bad", apperrors.ErrInvalidConfig), exitUsageError},
		{"validation", apperrors.NewValidationError("format", "pdf", "unknown"), exitUsageError},
		{"timeout", fmt.Errorf("collect: %w", apperrors.ErrTimeout), exitCollectError},
		{"connection", apperrors.ErrConnectionFailed, exitCollectError},
		{"report", apperrors.NewReportError("html", "x.html", errors.New("disk full")), exitReportError},
		{"scan", apperrors.NewScanError("id", "persist", errors.New("boom")), exitScanError},
		{"other", errors.New("unknown"), exitUsageError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, exitCode(tt.err))
		})
	}
}

func TestVersionCommand(t *testing.T) {
	root := newRootCommand()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"version"})
	require.NoError(t, root.Execute())
	assert.Equal(t, version+"\n", out.String())
}

func TestRootCommandHasSubcommands(t *testing.T) {
	root := newRootCommand()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"serve", "scan", "analyze", "migrate", "version"})

	migrate, _, err := root.Find([]string{"migrate"})
	require.NoError(t, err)
	var sub []string
	for _, c := range migrate.Commands() {
		sub = append(sub, c.Name())
	}
	assert.ElementsMatch(t, []string{"up", "down", "status"}, sub)
}

func TestMigrateDownNeedsPostgresStore(t *testing.T) {
	t.Setenv("PGPROBLEMS_STORE_BACKEND", "memory")
	assert.Equal(t, exitUsageError, run([]string{"migrate", "down", "--steps", "2"}))
}

func TestMissingConfigFileIsUsageError(t *testing.T) {
	code := run([]string{"--config", filepath.Join(t.TempDir(), "missing.yaml"), "scan"})
	assert.Equal(t, exitUsageError, code)
}

func TestAnalyzeRejectsUnknownFormat(t *testing.T) {
	root := newRootCommand()
	root.SetOut(io.Discard)
	root.SetErr(io.Discard)
	root.SetArgs([]string{"analyze", "--format", "pdf", "postgres://localhost/app"})
	err := root.Execute()
	var ve *apperrors.ValidationError
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "format", ve.Field)
}

// TestResolveOutputPath verifies output path resolution.
func TestResolveOutputPath(t *testing.T) {
	testTime := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	tests := []struct {
		input    string
		expected string
	}{
		{"", defaultOutputFile},
		{"-", "-"},
		{"custom.html", "custom.html"},
		{"report_{ts}.html", "report_2024-01-15_1030.html"},
	}

	for _, tt := range tests {
		t.Run(tt.input, func(t *testing.T) {
			result := resolveOutputPath(tt.input, testTime)
			if result != tt.expected {
				t.Errorf("resolveOutputPath(%q) = %q, expected %q",
					tt.input, result, tt.expected)
			}
		})
	}
}

// BenchmarkSlugify benchmarks the slugify function.
func BenchmarkSlugify(b *testing.B) {
	input := "Install pg_stat_statements Extension for Better Performance"
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		slugify(input)
	}
}

// BenchmarkParseSuppressedSet benchmarks suppression list parsing.
func BenchmarkParseSuppressedSet(b *testing.B) {
	input := "deadlocks-detected,unused-indexes,long-running-queries,Table Bloat"
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		parseSuppressedSet(input)
	}
}
