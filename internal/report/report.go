// Package report renders a problem list as HTML, JSON or YAML.
package report

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/koltyakov/pgproblems/internal/analyze"
	"github.com/koltyakov/pgproblems/internal/collect"
	apperrors "github.com/koltyakov/pgproblems/internal/errors"
)

// Format is an output format.
type Format string

const (
	FormatHTML Format = "html"
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// ParseFormat accepts html, json, yaml and yml in any case.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "html", "htm":
		return FormatHTML, nil
	case "json":
		return FormatJSON, nil
	case "yaml", "yml":
		return FormatYAML, nil
	}
	return "", apperrors.NewValidationError("format", s, "must be one of html, json, yaml")
}

// FormatFromPath guesses the format from the file extension, defaulting to HTML.
func FormatFromPath(path string) Format {
	if f, err := ParseFormat(strings.TrimPrefix(filepath.Ext(path), ".")); err == nil {
		return f
	}
	return FormatHTML
}

// Meta describes the run that produced a report.
type Meta struct {
	Instance    collect.Instance `json:"instance" yaml:"instance"`
	GeneratedAt time.Time        `json:"generatedAt" yaml:"generated_at"`
	Duration    time.Duration    `json:"duration" yaml:"duration"`
	Version     string           `json:"version" yaml:"version"`
	Suppressed  []string         `json:"suppressed,omitempty" yaml:"suppressed,omitempty"`
}

// document is the JSON and YAML shape.
type document struct {
	Meta     Meta              `json:"meta" yaml:"meta"`
	Summary  analyze.Summary   `json:"summary" yaml:"summary"`
	Problems []analyze.Problem `json:"problems" yaml:"problems"`
}

// Write renders problems to w.
func Write(w io.Writer, format Format, problems []analyze.Problem, meta Meta) error {
	if problems == nil {
		problems = []analyze.Problem{}
	}
	var err error
	switch format {
	case FormatHTML:
		err = writeHTML(w, problems, meta)
	case FormatJSON:
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		err = enc.Encode(document{Meta: meta, Summary: analyze.Summarize(problems), Problems: problems})
	case FormatYAML:
		enc := yaml.NewEncoder(w)
		enc.SetIndent(2)
		err = enc.Encode(document{Meta: meta, Summary: analyze.Summarize(problems), Problems: problems})
		if err == nil {
			err = enc.Close()
		}
	default:
		err = fmt.Errorf("unsupported format %q", format)
	}
	if err != nil {
		return apperrors.NewReportError(string(format), "", err)
	}
	return nil
}

// WriteFile renders problems to path. A path of "-" writes to stdout.
func WriteFile(path string, format Format, problems []analyze.Problem, meta Meta) error {
	if path == "-" {
		return Write(os.Stdout, format, problems, meta)
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return apperrors.NewReportError(string(format), path, err)
		}
	}
	f, err := os.Create(path)
	if err != nil {
		return apperrors.NewReportError(string(format), path, err)
	}
	if err := Write(f, format, problems, meta); err != nil {
		_ = f.Close()
		if re, ok := err.(*apperrors.ReportError); ok {
			re.Path = path
		}
		return err
	}
	if err := f.Close(); err != nil {
		return apperrors.NewReportError(string(format), path, err)
	}
	return nil
}
