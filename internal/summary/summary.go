// Package summary reduces raw execution output to a bounded digest. This
// is the data-minimization boundary: callers see schemas, counts, small
// samples and aggregates, never the full payload. Summarize is total; no
// payload shape makes it fail.
package summary

import (
	"encoding/json"
	"math"
	"sort"

	"agent-exec-sandbox/internal/executor"
)

const (
	maxSampleRows  = 3
	maxStreamChars = 1000
	maxPreviewLen  = 500
)

// Summary is the only view of an execution a caller ever receives.
type Summary struct {
	Success   bool   `json:"success"`
	ExitCode  int    `json:"exit_code"`
	ValueType string `json:"value_type"`

	// Tabular payloads (an array of flat objects, or one object) get a
	// structural digest; anything else falls back to Preview.
	Schema   map[string]string       `json:"schema,omitempty"`
	RowCount int                     `json:"row_count"`
	Sample   []map[string]any        `json:"sample,omitempty"`
	Stats    map[string]NumericStats `json:"stats,omitempty"`
	Preview  string                  `json:"preview,omitempty"`

	Stdout          string `json:"stdout"`
	Stderr          string `json:"stderr"`
	StdoutTruncated bool   `json:"stdout_truncated"`
	StderrTruncated bool   `json:"stderr_truncated"`

	DurationMS int64 `json:"duration_ms"`
}

// NumericStats aggregates one numeric column.
type NumericStats struct {
	Min   float64 `json:"min"`
	Max   float64 `json:"max"`
	Mean  float64 `json:"mean"`
	Count int     `json:"count"`
}

// Summarize digests a raw result. It never returns an error: malformed or
// surprising payloads degrade to a preview, not a failure.
func Summarize(raw executor.RawResult) Summary {
	s := Summary{
		Success:    raw.ExitCode == 0,
		ExitCode:   raw.ExitCode,
		DurationMS: raw.Duration.Milliseconds(),
	}
	s.Stdout, s.StdoutTruncated = clip(raw.Stdout, maxStreamChars, raw.StdoutTruncated)
	s.Stderr, s.StderrTruncated = clip(raw.Stderr, maxStreamChars, raw.StderrTruncated)

	if len(raw.Payload) == 0 {
		s.ValueType = "null"
		return s
	}

	var value any
	if err := json.Unmarshal(raw.Payload, &value); err != nil {
		// The executor only hands over valid JSON, but a digest must not
		// depend on that.
		s.ValueType = "unknown"
		s.Preview, _ = clip(string(raw.Payload), maxPreviewLen, false)
		return s
	}

	switch v := value.(type) {
	case nil:
		s.ValueType = "null"
	case []any:
		s.ValueType = "array"
		if rows, ok := asRows(v); ok {
			s.digestRows(rows)
		} else {
			s.RowCount = len(v)
			s.Preview = preview(v)
		}
	case map[string]any:
		s.ValueType = "object"
		s.digestRows([]map[string]any{v})
	case string:
		s.ValueType = "string"
		s.Preview = preview(v)
	case bool:
		s.ValueType = "bool"
		s.Preview = preview(v)
	case float64:
		s.ValueType = typeOfNumber(v)
		s.Preview = preview(v)
	default:
		s.ValueType = "unknown"
		s.Preview = preview(v)
	}
	return s
}

// asRows reports whether every element is an object, i.e. the payload is
// tabular. An empty array counts: zero rows is still a table.
func asRows(items []any) ([]map[string]any, bool) {
	rows := make([]map[string]any, 0, len(items))
	for _, item := range items {
		obj, ok := item.(map[string]any)
		if !ok {
			return nil, false
		}
		rows = append(rows, obj)
	}
	return rows, true
}

func (s *Summary) digestRows(rows []map[string]any) {
	s.RowCount = len(rows)
	s.Schema = map[string]string{}
	acc := map[string]*NumericStats{}

	for _, row := range rows {
		for field, v := range row {
			t := typeOf(v)
			// First concrete type wins; nulls never mask a real type.
			if existing, seen := s.Schema[field]; !seen || existing == "null" {
				s.Schema[field] = t
			}
			if n, ok := v.(float64); ok {
				st := acc[field]
				if st == nil {
					st = &NumericStats{Min: n, Max: n}
					acc[field] = st
				}
				st.Min = math.Min(st.Min, n)
				st.Max = math.Max(st.Max, n)
				st.Mean += n
				st.Count++
			}
		}
	}

	if len(acc) > 0 {
		s.Stats = make(map[string]NumericStats, len(acc))
		for field, st := range acc {
			st.Mean /= float64(st.Count)
			s.Stats[field] = *st
		}
	}

	limit := maxSampleRows
	if len(rows) < limit {
		limit = len(rows)
	}
	if limit > 0 {
		s.Sample = make([]map[string]any, 0, limit)
		for _, row := range rows[:limit] {
			s.Sample = append(s.Sample, sanitizeRow(row))
		}
	}
}

// sanitizeRow bounds the cells of a sample row so one enormous string
// value cannot smuggle bulk data through the sample.
func sanitizeRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for k, v := range row {
		switch cell := v.(type) {
		case string:
			clipped, _ := clip(cell, maxPreviewLen, false)
			out[k] = clipped
		case map[string]any, []any:
			out[k] = preview(cell)
		default:
			out[k] = v
		}
	}
	return out
}

func typeOf(v any) string {
	switch n := v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case string:
		return "string"
	case float64:
		return typeOfNumber(n)
	case []any:
		return "array"
	case map[string]any:
		return "object"
	default:
		return "unknown"
	}
}

func typeOfNumber(n float64) string {
	if n == math.Trunc(n) && !math.IsInf(n, 0) {
		return "int"
	}
	return "float"
}

// preview renders a bounded JSON snippet of a non-tabular value. Object
// keys marshal sorted, so repeated runs summarize identically.
func preview(v any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return ""
	}
	out, _ := clip(string(data), maxPreviewLen, false)
	return out
}

func clip(s string, limit int, already bool) (string, bool) {
	if len(s) <= limit {
		return s, already
	}
	// Cut on a rune boundary so the clipped text stays valid UTF-8.
	cut := limit
	for cut > 0 && s[cut]&0xC0 == 0x80 {
		cut--
	}
	return s[:cut], true
}

// SortedFields returns the schema's field names in stable order, for
// logging and deterministic test output.
func (s Summary) SortedFields() []string {
	fields := make([]string, 0, len(s.Schema))
	for f := range s.Schema {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	return fields
}
