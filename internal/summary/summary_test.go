package summary

import (
	"encoding/json"
	"fmt"
	"strings"
	"testing"
	"time"

	"agent-exec-sandbox/internal/executor"
)

func rawWith(payload string) executor.RawResult {
	return executor.RawResult{
		Payload:  json.RawMessage(payload),
		ExitCode: 0,
		Duration: 125 * time.Millisecond,
	}
}

func TestSummarizeTabular(t *testing.T) {
	s := Summarize(rawWith(`[
		{"name": "alpha", "score": 10, "active": true},
		{"name": "beta", "score": 7.5, "active": false},
		{"name": "gamma", "score": 2, "active": true},
		{"name": "delta", "score": 4, "active": false}
	]`))

	if !s.Success {
		t.Error("success = false for exit 0")
	}
	if s.ValueType != "array" {
		t.Errorf("value type = %q", s.ValueType)
	}
	if s.RowCount != 4 {
		t.Errorf("row count = %d, want 4", s.RowCount)
	}
	if len(s.Sample) != 3 {
		t.Errorf("sample = %d rows, want 3", len(s.Sample))
	}
	if s.Sample[0]["name"] != "alpha" {
		t.Errorf("sample[0] = %v, want first row", s.Sample[0])
	}

	wantSchema := map[string]string{"name": "string", "score": "int", "active": "bool"}
	for field, typ := range wantSchema {
		if s.Schema[field] != typ {
			t.Errorf("schema[%s] = %q, want %q", field, s.Schema[field], typ)
		}
	}

	st, ok := s.Stats["score"]
	if !ok {
		t.Fatal("no stats for numeric field score")
	}
	if st.Min != 2 || st.Max != 10 {
		t.Errorf("score min/max = %v/%v, want 2/10", st.Min, st.Max)
	}
	if st.Mean != 5.875 {
		t.Errorf("score mean = %v, want 5.875", st.Mean)
	}
	if _, ok := s.Stats["name"]; ok {
		t.Error("stats computed for non-numeric field")
	}
	if s.DurationMS != 125 {
		t.Errorf("duration = %dms, want 125", s.DurationMS)
	}
}

func TestSummarizeSingleObject(t *testing.T) {
	s := Summarize(rawWith(`{"a": 1, "b": 2}`))

	if s.ValueType != "object" {
		t.Errorf("value type = %q", s.ValueType)
	}
	if s.RowCount != 1 {
		t.Errorf("row count = %d, want 1", s.RowCount)
	}
	if s.Schema["a"] != "int" || s.Schema["b"] != "int" {
		t.Errorf("schema = %v", s.Schema)
	}
	if len(s.Sample) != 1 {
		t.Fatalf("sample = %d rows, want 1", len(s.Sample))
	}
}

func TestSummarizeScalars(t *testing.T) {
	tests := []struct {
		payload     string
		wantType    string
		wantPreview string
	}{
		{`"hello"`, "string", `"hello"`},
		{`42`, "int", "42"},
		{`3.14`, "float", "3.14"},
		{`true`, "bool", "true"},
		{`null`, "null", ""},
		{`[1, 2, 3]`, "array", "[1,2,3]"},
	}
	for _, tt := range tests {
		t.Run(tt.payload, func(t *testing.T) {
			s := Summarize(rawWith(tt.payload))
			if s.ValueType != tt.wantType {
				t.Errorf("value type = %q, want %q", s.ValueType, tt.wantType)
			}
			if s.Preview != tt.wantPreview {
				t.Errorf("preview = %q, want %q", s.Preview, tt.wantPreview)
			}
		})
	}
}

func TestSummarizeMissingBinding(t *testing.T) {
	s := Summarize(executor.RawResult{ExitCode: 0})
	if s.ValueType != "null" {
		t.Errorf("value type = %q, want null", s.ValueType)
	}
	if !s.Success {
		t.Error("missing binding is not a failure")
	}
}

func TestSummarizeFailureExit(t *testing.T) {
	s := Summarize(executor.RawResult{ExitCode: 1, Stderr: "Traceback ..."})
	if s.Success {
		t.Error("success = true for exit 1")
	}
	if s.ExitCode != 1 {
		t.Errorf("exit code = %d", s.ExitCode)
	}
}

func TestSummarizeBoundsLargePayload(t *testing.T) {
	rows := make([]string, 0, 100000)
	for i := 0; i < 100000; i++ {
		rows = append(rows, fmt.Sprintf(`{"id": %d, "value": %d}`, i, i*3))
	}
	s := Summarize(rawWith("[" + strings.Join(rows, ",") + "]"))

	if s.RowCount != 100000 {
		t.Errorf("row count = %d, want 100000", s.RowCount)
	}
	if len(s.Sample) != 3 {
		t.Errorf("sample = %d rows, want 3", len(s.Sample))
	}
	st := s.Stats["id"]
	if st.Min != 0 || st.Max != 99999 {
		t.Errorf("id min/max = %v/%v", st.Min, st.Max)
	}

	// The digest itself must stay small no matter the payload size.
	encoded, err := json.Marshal(s)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	if len(encoded) > 8192 {
		t.Errorf("summary is %d bytes for a 100k-row payload", len(encoded))
	}
}

func TestSummarizeClipsStreams(t *testing.T) {
	s := Summarize(executor.RawResult{
		Stdout: strings.Repeat("a", 5000),
		Stderr: strings.Repeat("b", 1500),
	})
	if len(s.Stdout) != 1000 || !s.StdoutTruncated {
		t.Errorf("stdout clipped to %d, truncated=%v", len(s.Stdout), s.StdoutTruncated)
	}
	if len(s.Stderr) != 1000 || !s.StderrTruncated {
		t.Errorf("stderr clipped to %d, truncated=%v", len(s.Stderr), s.StderrTruncated)
	}

	short := Summarize(executor.RawResult{Stdout: "ok"})
	if short.Stdout != "ok" || short.StdoutTruncated {
		t.Error("short stdout should pass through untouched")
	}
}

func TestSummarizeClipsSampleCells(t *testing.T) {
	huge := strings.Repeat("x", 4000)
	s := Summarize(rawWith(fmt.Sprintf(`[{"blob": %q}]`, huge)))

	cell, _ := s.Sample[0]["blob"].(string)
	if len(cell) > 500 {
		t.Errorf("sample cell is %d chars, want <= 500", len(cell))
	}
}

func TestSummarizeNestedCellsPreviewed(t *testing.T) {
	s := Summarize(rawWith(`[{"meta": {"k": [1, 2]}, "n": 1}]`))
	cell, ok := s.Sample[0]["meta"].(string)
	if !ok {
		t.Fatalf("nested cell = %T, want previewed string", s.Sample[0]["meta"])
	}
	if cell != `{"k":[1,2]}` {
		t.Errorf("nested preview = %q", cell)
	}
	if s.Schema["meta"] != "object" {
		t.Errorf("schema[meta] = %q", s.Schema["meta"])
	}
}

func TestSummarizeMixedArrayFallsBack(t *testing.T) {
	s := Summarize(rawWith(`[{"a": 1}, 2, "three"]`))
	if s.Schema != nil {
		t.Error("mixed array should not produce a schema")
	}
	if s.RowCount != 3 {
		t.Errorf("row count = %d, want element count", s.RowCount)
	}
	if s.Preview == "" {
		t.Error("mixed array should fall back to preview")
	}
}

func TestSummarizeEmptyTable(t *testing.T) {
	s := Summarize(rawWith(`[]`))
	if s.RowCount != 0 {
		t.Errorf("row count = %d", s.RowCount)
	}
	if len(s.Sample) != 0 {
		t.Error("empty table should have no sample")
	}
}

func TestSummarizeNullMaskedType(t *testing.T) {
	s := Summarize(rawWith(`[{"v": null}, {"v": 7}]`))
	if s.Schema["v"] != "int" {
		t.Errorf("schema[v] = %q, want int despite leading null", s.Schema["v"])
	}
}

func TestSummarizeDeterministic(t *testing.T) {
	raw := rawWith(`[{"z": 1, "a": "x"}, {"z": 2, "a": "y"}]`)
	first, err := json.Marshal(Summarize(raw))
	if err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 10; i++ {
		again, _ := json.Marshal(Summarize(raw))
		if string(again) != string(first) {
			t.Fatalf("summary differs across runs:\n%s\n%s", first, again)
		}
	}
}
