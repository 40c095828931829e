package report

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/koltyakov/pgproblems/internal/analyze"
	"github.com/koltyakov/pgproblems/internal/collect"
	apperrors "github.com/koltyakov/pgproblems/internal/errors"
)

func sampleProblems() []analyze.Problem {
	v, th := 95.0, 80.0
	return []analyze.Problem{
		{
			ID: "connection-usage-high", Priority: analyze.PriorityHigh, Category: analyze.CategoryConnection,
			Path: analyze.PathNeutral, Title: "Connection Usage Too High", Message: "<95%>",
			Action: "Increase max_connections", CurrentValue: &v, Threshold: &th,
		},
		{
			ID: "deadlocks-detected", Priority: analyze.PriorityHigh, Category: analyze.CategoryLocking,
			Path: analyze.PathWrite, Title: "Deadlocks Detected", Metadata: map[string]any{"databases": 1},
		},
	}
}

func sampleMeta() Meta {
	return Meta{
		Instance:    collect.Instance{DatabaseName: "app", ConnectionHost: "db1:5432", InstanceLabel: "app (db1:5432)"},
		GeneratedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
		Duration:    1500 * time.Millisecond,
		Version:     "test",
		Suppressed:  []string{"unused-indexes"},
	}
}

func TestWriteHTML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatHTML, sampleProblems(), sampleMeta()))
	out := buf.String()

	assert.Contains(t, out, "Attention: 2 high priority problem(s) out of 2.")
	assert.Contains(t, out, `id="path-neutral"`)
	assert.Contains(t, out, `id="path-write"`)
	assert.NotContains(t, out, `id="path-read"`)
	assert.Contains(t, out, "&lt;95%&gt;", "messages are escaped")
	assert.Contains(t, out, "Current 95, threshold 80")
	assert.Contains(t, out, "unused-indexes")
}

func TestWriteHTMLEmpty(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatHTML, nil, Meta{}))
	assert.Contains(t, buf.String(), "Healthy: no problems detected.")
}

func TestWriteJSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatJSON, sampleProblems(), sampleMeta()))

	var doc struct {
		Meta     map[string]any    `json:"meta"`
		Summary  analyze.Summary   `json:"summary"`
		Problems []analyze.Problem `json:"problems"`
	}
	require.NoError(t, json.Unmarshal(buf.Bytes(), &doc))
	assert.Equal(t, 2, doc.Summary.Total)
	assert.Equal(t, 2, doc.Summary.ByPriority[analyze.PriorityHigh])
	assert.Equal(t, []string{"connection-usage-high", "deadlocks-detected"}, analyze.IDs(doc.Problems))
	assert.Equal(t, "test", doc.Meta["version"])
}

func TestWriteJSONEmptyListIsArray(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatJSON, nil, Meta{}))
	assert.Contains(t, buf.String(), `"problems": []`)
}

func TestWriteYAML(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, Write(&buf, FormatYAML, sampleProblems(), sampleMeta()))

	var doc map[string]any
	require.NoError(t, yaml.Unmarshal(buf.Bytes(), &doc))
	meta := doc["meta"].(map[string]any)
	assert.Equal(t, "app", meta["instance"].(map[string]any)["database_name"])
	problems := doc["problems"].([]any)
	require.Len(t, problems, 2)
	assert.Equal(t, "connection-usage-high", problems[0].(map[string]any)["id"])
	assert.InDelta(t, 95.0, problems[0].(map[string]any)["current_value"], 0.001)
}

func TestWriteUnknownFormat(t *testing.T) {
	err := Write(&bytes.Buffer{}, Format("pdf"), nil, Meta{})
	var re *apperrors.ReportError
	require.True(t, errors.As(err, &re))
	assert.Equal(t, "pdf", re.Format)
}

func TestWriteFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "problems.json")
	require.NoError(t, WriteFile(path, FormatFromPath(path), sampleProblems(), sampleMeta()))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.True(t, json.Valid(data))
}

func TestParseFormat(t *testing.T) {
	tests := []struct {
		in   string
		want Format
		err  bool
	}{
		{"html", FormatHTML, false},
		{"JSON", FormatJSON, false},
		{" yml ", FormatYAML, false},
		{"yaml", FormatYAML, false},
		{"csv", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseFormat(tt.in)
			if tt.err {
				assert.ErrorIs(t, err, &apperrors.ValidationError{})
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatFromPath(t *testing.T) {
	assert.Equal(t, FormatHTML, FormatFromPath("report.html"))
	assert.Equal(t, FormatYAML, FormatFromPath("out/report.yml"))
	assert.Equal(t, FormatHTML, FormatFromPath("report"))
}

func TestHumanizeDuration(t *testing.T) {
	tests := []struct {
		d    time.Duration
		want string
	}{
		{0, "0ms"},
		{250 * time.Millisecond, "250ms"},
		{42 * time.Second, "42s"},
		{time.Hour + 25*time.Minute + 42*time.Second, "1h 25m 42s"},
		{4*24*time.Hour + time.Hour + 25*time.Minute + 10*time.Second, "4d 1h 25m"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, humanizeDuration(tt.d))
	}
}

func TestAddThousands(t *testing.T) {
	assert.Equal(t, "1,234,567", addThousands("1234567"))
	assert.Equal(t, "-12,345", addThousands("-12345"))
	assert.Equal(t, "999", addThousands("999"))
	assert.Equal(t, "1,234.50", fmtFloatPrecSep(1234.5, 2))
}
