package report

import (
	_ "embed"
	"fmt"
	"html/template"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/koltyakov/pgproblems/internal/analyze"
)

//go:embed template.html
var reportHTML string

var tmpl = template.Must(template.New("report").Funcs(funcMap).Parse(reportHTML))

var funcMap = template.FuncMap{
	"fmtTime": func(t time.Time) string {
		if t.IsZero() {
			return "n/a"
		}
		return t.Local().Format("2006-01-02 15:04:05 MST")
	},
	"fmtDur": humanizeDuration,
	"fmtNum": func(f *float64) string {
		if f == nil {
			return ""
		}
		if *f == float64(int64(*f)) {
			return addThousands(strconv.FormatInt(int64(*f), 10))
		}
		return fmtFloatPrecSep(*f, 2)
	},
	"lower": strings.ToLower,
	"pathTitle": func(p analyze.Path) string {
		switch p {
		case analyze.PathRead:
			return "Read path"
		case analyze.PathWrite:
			return "Write path"
		default:
			return "Connections and queries"
		}
	},
}

type pathGroup struct {
	Path     analyze.Path
	Problems []analyze.Problem
}

type htmlData struct {
	Meta     Meta
	Summary  analyze.Summary
	High     int
	Medium   int
	Low      int
	Groups   []pathGroup
	Headline string
}

func writeHTML(w io.Writer, problems []analyze.Problem, meta Meta) error {
	sum := analyze.Summarize(problems)
	data := htmlData{
		Meta:    meta,
		Summary: sum,
		High:    sum.ByPriority[analyze.PriorityHigh],
		Medium:  sum.ByPriority[analyze.PriorityMedium],
		Low:     sum.ByPriority[analyze.PriorityLow],
	}

	// Problems arrive sorted by priority; grouping keeps that order within each path.
	for _, path := range []analyze.Path{analyze.PathNeutral, analyze.PathRead, analyze.PathWrite} {
		g := pathGroup{Path: path}
		for _, p := range problems {
			if p.Path == path {
				g.Problems = append(g.Problems, p)
			}
		}
		if len(g.Problems) > 0 {
			data.Groups = append(data.Groups, g)
		}
	}

	switch {
	case sum.Total == 0:
		data.Headline = "Healthy: no problems detected."
	case data.High > 0:
		data.Headline = fmt.Sprintf("Attention: %d high priority problem(s) out of %d.", data.High, sum.Total)
	default:
		data.Headline = fmt.Sprintf("%d problem(s) detected, none high priority.", sum.Total)
	}
	return tmpl.Execute(w, data)
}

// fmtFloatPrecSep formats a float with fixed precision and thousands separators in the integer part
func fmtFloatPrecSep(f float64, prec int) string {
	s := strconv.FormatFloat(f, 'f', prec, 64)
	if dot := strings.IndexByte(s, '.'); dot >= 0 {
		return addThousands(s[:dot]) + s[dot:]
	}
	return addThousands(s)
}

// addThousands inserts commas as thousands separators into a numeric string (handles leading '-')
func addThousands(s string) string {
	if s == "" {
		return s
	}
	neg := false
	if s[0] == '-' {
		neg = true
		s = s[1:]
	}
	n := len(s)
	if n <= 3 {
		if neg {
			return "-" + s
		}
		return s
	}
	out := make([]byte, 0, n+n/3)
	for i := 0; i < n; i++ {
		if i > 0 && (n-i)%3 == 0 {
			out = append(out, ',')
		}
		out = append(out, s[i])
	}
	if neg {
		return "-" + string(out)
	}
	return string(out)
}

// humanizeDuration renders a duration like "4d 1h 25m" or "1h 25m 42s"
func humanizeDuration(d time.Duration) string {
	if d < 0 {
		d = -d
	}
	if d < time.Second {
		if d <= 0 {
			return "0ms"
		}
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	d = d.Round(time.Second)
	if d < time.Minute {
		return d.String()
	}

	total := int64(d.Seconds())
	days := total / 86400
	total %= 86400
	hours := total / 3600
	total %= 3600
	mins := total / 60
	secs := total % 60

	parts := make([]string, 0, 4)
	if days > 0 {
		parts = append(parts, fmt.Sprintf("%dd", days))
	}
	if hours > 0 {
		parts = append(parts, fmt.Sprintf("%dh", hours))
	}
	if mins > 0 {
		parts = append(parts, fmt.Sprintf("%dm", mins))
	}
	if secs > 0 && len(parts) < 3 {
		parts = append(parts, fmt.Sprintf("%ds", secs))
	}
	return strings.Join(parts, " ")
}
