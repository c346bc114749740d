// Package resultschema validates the task-result wire contract:
// {status: "success"|"error", message: string, data?: object}, and the
// aggregated parent shape, an ordered array of {title, result}. It reuses
// internal/brain's JSON-schema validator (santhosh-tekuri/jsonschema/v6) and
// three-step JSON extraction, the same machinery the decomposition driver
// uses for its own subtask-array contract.
package resultschema

import (
	"encoding/json"
	"fmt"

	"github.com/basket/orchestrator/internal/brain"
)

// Status values recognized by the wire contract.
const (
	StatusSuccess = "success"
	StatusError   = "error"
)

const taskResultSchema = `{
	"type": "object",
	"properties": {
		"status": {"type": "string", "enum": ["success", "error"]},
		"message": {"type": "string"},
		"data": {"type": "object"}
	},
	"required": ["status", "message"]
}`

// TaskResult is one agent session's parsed, validated result payload.
type TaskResult struct {
	Status  string         `json:"status"`
	Message string         `json:"message"`
	Data    map[string]any `json:"data,omitempty"`
}

// AggregatedEntry is one element of a parent's aggregated result array: an
// ordered list of {title, result} matching the children's creation order.
type AggregatedEntry struct {
	Title  string     `json:"title"`
	Result TaskResult `json:"result"`
}

// Validator validates raw agent output against the task-result schema.
type Validator struct {
	sv *brain.StructuredValidator
}

// New compiles the task-result schema once for reuse across task completions.
func New() (*Validator, error) {
	sv, err := brain.NewStructuredValidator(json.RawMessage(taskResultSchema), 0, false)
	if err != nil {
		return nil, fmt.Errorf("compile task result schema: %w", err)
	}
	return &Validator{sv: sv}, nil
}

// Parse runs the three-step JSON extraction (direct, fenced, bracket-
// balanced — via ValidateResponse) and validates the result against the
// wire schema. On a clean parse failure it wraps the first 500 characters
// of raw as {status: "success", message: ...}, so aggregation always sees a
// uniform shape; the returned bool reports whether the raw text needed that
// fallback wrapping.
func (v *Validator) Parse(raw string) (TaskResult, bool) {
	result, err := v.sv.ValidateResponse(raw)
	if err != nil || result == nil || !result.Valid {
		return TaskResult{Status: StatusSuccess, Message: truncate(raw, 500)}, true
	}

	var tr TaskResult
	if err := json.Unmarshal([]byte(result.JSON), &tr); err != nil {
		return TaskResult{Status: StatusSuccess, Message: truncate(raw, 500)}, true
	}
	return tr, false
}

// Aggregate composes ordered sibling results into a parent's result payload,
// marshaling to the wire-contract array shape.
func Aggregate(entries []AggregatedEntry) (string, error) {
	buf, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshal aggregated result: %w", err)
	}
	return string(buf), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
