package analyze

import (
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

var sizeUnits = map[string]float64{
	"B":     1,
	"BYTES": 1,
	"KB":    1 << 10,
	"MB":    1 << 20,
	"GB":    1 << 30,
	"TB":    1 << 40,
}

var sizeRe = regexp.MustCompile(`^([\d.]+)\s*([A-Za-z]+)$`)

// ParseSize converts a pg_size_pretty string such as "12.5 GB" to bytes using
// 1024-based units. Unknown units or malformed input yield 0.
func ParseSize(s string) float64 {
	m := sizeRe.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0
	}
	v, err := strconv.ParseFloat(m[1], 64)
	if err != nil {
		return 0
	}
	return v * sizeUnits[strings.ToUpper(m[2])]
}

// FormatBytes renders a byte count with 1024-based units and two decimals.
func FormatBytes(b float64) string {
	if b <= 0 {
		return "0 B"
	}
	units := []string{"B", "KB", "MB", "GB", "TB"}
	i := int(math.Floor(math.Log(b) / math.Log(1024)))
	i = max(0, min(i, len(units)-1))
	return fmt.Sprintf("%.2f %s", b/math.Pow(1024, float64(i)), units[i])
}

// nameList joins up to limit names and appends " and N more" for the rest.
func nameList(names []string, limit int) string {
	if len(names) <= limit {
		return strings.Join(names, ", ")
	}
	return fmt.Sprintf("%s and %d more", strings.Join(names[:limit], ", "), len(names)-limit)
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

func deref[T any](p *T) any {
	if p == nil {
		return nil
	}
	return *p
}

func orZero[T int64 | float64](p *T) T {
	if p == nil {
		return 0
	}
	return *p
}

func timeOrNil(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339)
}
