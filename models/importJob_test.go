package models

import (
	"fmt"
	"testing"
)

func TestEncodeRowErrorsCapsStoredList(t *testing.T) {
	t.Setenv("IMPORT_ROW_ERROR_LIMIT", "5")

	var rowErrors []ImportRowError
	for i := 1; i <= 20; i++ {
		rowErrors = append(rowErrors, ImportRowError{Row: i, Value: fmt.Sprintf("v%d", i), Reason: "bad"})
	}

	job := &ImportJob{RowErrors: EncodeRowErrors(rowErrors)}
	decoded := job.DecodedRowErrors()
	if len(decoded) != 5 {
		t.Fatalf("expected stored diagnostics capped at 5, got %d", len(decoded))
	}
	// The earliest failures are the ones kept.
	if decoded[0].Row != 1 || decoded[4].Row != 5 {
		t.Fatalf("expected rows 1..5 kept, got first=%d last=%d", decoded[0].Row, decoded[4].Row)
	}
}

func TestDecodedRowErrorsRoundTrip(t *testing.T) {
	in := []ImportRowError{
		{Row: 2, Value: "x@", Reason: "invalid email address"},
		{Row: 7, Value: "dup@acme.com", Reason: "duplicate email, skipped"},
	}
	job := &ImportJob{RowErrors: EncodeRowErrors(in)}
	out := job.DecodedRowErrors()
	if len(out) != 2 || out[0] != in[0] || out[1] != in[1] {
		t.Fatalf("round trip mismatch: %+v", out)
	}
}

func TestDecodedRowErrorsEmptyAndGarbage(t *testing.T) {
	job := &ImportJob{}
	if got := job.DecodedRowErrors(); got != nil {
		t.Fatalf("empty column must decode to nil, got %+v", got)
	}
	job.RowErrors = []byte("{not json")
	if got := job.DecodedRowErrors(); got != nil {
		t.Fatalf("garbage column must decode to nil, got %+v", got)
	}
}

func TestRowErrorLimitDefault(t *testing.T) {
	if got := RowErrorLimit(); got != 100 {
		t.Fatalf("default row error limit = %d, want 100", got)
	}
	t.Setenv("IMPORT_ROW_ERROR_LIMIT", "-3")
	if got := RowErrorLimit(); got != 100 {
		t.Fatalf("non-positive env must fall back to 100, got %d", got)
	}
}
