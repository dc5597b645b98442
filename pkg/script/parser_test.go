package script

import (
	"errors"
	"strings"
	"testing"
)

func TestParse_BasicDirectives(t *testing.T) {
	input := `
# setup
d1: DISTANCE ATOMS=1,2
r1: RESTRAINT ARG=d1 AT=1.0 KAPPA=10.0

PRINT ARG=d1 STRIDE=10 LABEL=out
`
	ds, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(ds) != 3 {
		t.Fatalf("Expected 3 directives, got %d", len(ds))
	}

	if ds[0].Label != "d1" || ds[0].Keyword != "DISTANCE" {
		t.Errorf("Unexpected first directive: %+v", ds[0])
	}
	if ds[0].Fields["ATOMS"] != "1,2" {
		t.Errorf("Expected ATOMS=1,2, got %q", ds[0].Fields["ATOMS"])
	}
	if ds[1].Fields["ARG"] != "d1" || ds[1].Fields["KAPPA"] != "10.0" {
		t.Errorf("Unexpected second directive fields: %v", ds[1].Fields)
	}
	if ds[2].Label != "out" {
		t.Errorf("Expected LABEL=out form to set label, got %q", ds[2].Label)
	}
}

func TestParse_AutoLabel(t *testing.T) {
	ds, err := Parse(strings.NewReader("PRINT ARG=d1 STRIDE=1\n"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if ds[0].Label != "@1" {
		t.Errorf("Expected positional label @1, got %q", ds[0].Label)
	}
}

func TestParse_Flags(t *testing.T) {
	ds, err := Parse(strings.NewReader("w1: UPPER_WALLS ARG=d1 LIMIT=2.0 FATAL\n"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(ds[0].Flags) != 1 || ds[0].Flags[0] != "FATAL" {
		t.Errorf("Expected FATAL flag, got %v", ds[0].Flags)
	}
}

func TestParse_ContinuationBlock(t *testing.T) {
	input := `r1: RESTRAINT ...
   ARG=d1
   AT=1.0 KAPPA=10.0
...
`
	ds, err := Parse(strings.NewReader(input))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(ds) != 1 {
		t.Fatalf("Expected 1 directive, got %d", len(ds))
	}
	d := ds[0]
	if d.Line != 1 {
		t.Errorf("Expected directive attributed to line 1, got %d", d.Line)
	}
	if d.Fields["ARG"] != "d1" || d.Fields["AT"] != "1.0" || d.Fields["KAPPA"] != "10.0" {
		t.Errorf("Continuation fields not merged: %v", d.Fields)
	}
}

func TestParse_UnterminatedContinuation(t *testing.T) {
	_, err := Parse(strings.NewReader("r1: RESTRAINT ...\nARG=d1\n"))
	if err == nil {
		t.Fatal("Expected error for unterminated continuation")
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected ParseError, got %T", err)
	}
}

func TestParse_DuplicateKeywordOnLine(t *testing.T) {
	_, err := Parse(strings.NewReader("d1: DISTANCE ATOMS=1,2 ATOMS=3,4\n"))
	if err == nil {
		t.Fatal("Expected error for duplicate keyword")
	}
	var pe *ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("Expected ParseError, got %T", err)
	}
	if pe.Line != 1 {
		t.Errorf("Expected line 1, got %d", pe.Line)
	}
}

func TestParse_LabelGivenTwice(t *testing.T) {
	_, err := Parse(strings.NewReader("d1: DISTANCE ATOMS=1,2 LABEL=other\n"))
	if err == nil {
		t.Fatal("Expected error for double label")
	}
}

func TestParse_CommentsStripped(t *testing.T) {
	ds, err := Parse(strings.NewReader("d1: DISTANCE ATOMS=1,2 # two ends\n"))
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}
	if len(ds[0].Flags) != 0 {
		t.Errorf("Comment tokens leaked into flags: %v", ds[0].Flags)
	}
}
