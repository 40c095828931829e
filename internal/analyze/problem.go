// Package analyze turns a metric Snapshot into a prioritized list of problems.
//
// Rules are grouped into three stateless evaluators (neutral, read path and
// write path). Each evaluator is a pure function of the snapshot and the
// evaluation time, so every rule can be tested with a synthetic snapshot.
package analyze

import "time"

// Priority is the fixed severity of a problem.
type Priority string

const (
	PriorityHigh   Priority = "High"
	PriorityMedium Priority = "Medium"
	PriorityLow    Priority = "Low"
)

// Rank orders priorities for sorting; High sorts first.
func (p Priority) Rank() int {
	switch p {
	case PriorityHigh:
		return 0
	case PriorityMedium:
		return 1
	case PriorityLow:
		return 2
	}
	return 3
}

// Category groups problems by the subsystem they concern.
type Category string

const (
	CategoryConnection  Category = "Connection"
	CategoryPerformance Category = "Performance"
	CategoryLocking     Category = "Locking"
	CategoryCache       Category = "Cache"
	CategoryMaintenance Category = "Maintenance"
	CategoryIO          Category = "I/O"
	CategoryTransaction Category = "Transaction"
	CategoryQuery       Category = "Query"
)

// Path tells which I/O direction a problem amplifies. It is used for
// filtering only and never feeds back into rule logic.
type Path string

const (
	PathRead    Path = "read"
	PathWrite   Path = "write"
	PathNeutral Path = "neutral"
)

// Problem is one detected issue.
//
// ID names the kind of problem (e.g. "deadlocks-detected") and is stable
// across scans; it is not unique per instance.
type Problem struct {
	ID           string         `json:"id" yaml:"id"`
	Priority     Priority       `json:"priority" yaml:"priority"`
	Category     Category       `json:"category" yaml:"category"`
	Path         Path           `json:"path" yaml:"path"`
	Title        string         `json:"title" yaml:"title"`
	Message      string         `json:"message" yaml:"message"`
	Action       string         `json:"action" yaml:"action"`
	CurrentValue *float64       `json:"currentValue,omitempty" yaml:"current_value,omitempty"`
	Threshold    *float64       `json:"threshold,omitempty" yaml:"threshold,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	DetectedAt   time.Time      `json:"detectedAt" yaml:"detected_at"`
}

// num returns a pointer to v as float64 for CurrentValue and Threshold.
func num[T int | int32 | int64 | float64](v T) *float64 {
	f := float64(v)
	return &f
}
