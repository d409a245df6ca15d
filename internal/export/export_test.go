package export

import (
	"bytes"
	"strings"
	"testing"

	"github.com/tiralib/tirastore/internal/store"
)

func TestBuildSuffixesDistinctSourcesSharingAName(t *testing.T) {
	programs := []store.Program{
		{ProgramHash: "h1", ProgramName: "blur", SourceCode: "void blur_v1(){}"},
		{ProgramHash: "h2", ProgramName: "blur", SourceCode: "void blur_v2(){}"},
		{ProgramHash: "h3", ProgramName: "sharpen", SourceCode: "void sharpen(){}"},
	}

	data, order, err := Build(programs, func(name, source string) ([]ProgramRecordLike, error) {
		return []ProgramRecordLike{{Schedule: "R(L0,comps=['c1'])", IsLegal: true, ExecutionTimes: []float64{1}}}, nil
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	if len(order) != 3 {
		t.Fatalf("len(order) = %d, want 3", len(order))
	}
	for _, want := range []string{"blur_v1", "blur_v2", "sharpen"} {
		if _, ok := data[want]; !ok {
			t.Errorf("missing expected export key %q in %v", want, data)
		}
	}
	if data["blur_v1"].ProgramName != "blur" {
		t.Errorf("ProgramName = %q, want blur", data["blur_v1"].ProgramName)
	}
}

func TestBuildLeavesUniqueNameUnsuffixed(t *testing.T) {
	programs := []store.Program{
		{ProgramHash: "h1", ProgramName: "blur", SourceCode: "void blur(){}"},
	}
	data, order, err := Build(programs, func(name, source string) ([]ProgramRecordLike, error) {
		return nil, nil
	})
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}
	if len(order) != 1 || order[0] != "blur" {
		t.Fatalf("order = %v, want [\"blur\"]", order)
	}
	if _, ok := data["blur"]; !ok {
		t.Fatalf("expected unsuffixed key \"blur\", got %v", data)
	}
}

func TestWriteJSONLOneLinePerProgram(t *testing.T) {
	programs := []store.Program{
		{ProgramHash: "h1", ProgramName: "blur", SourceCode: "void blur(){}"},
		{ProgramHash: "h2", ProgramName: "sharpen", SourceCode: "void sharpen(){}"},
	}
	data, order, err := Build(programs, func(name, source string) ([]ProgramRecordLike, error) { return nil, nil })
	if err != nil {
		t.Fatalf("Build() error = %v", err)
	}

	var buf bytes.Buffer
	if err := WriteJSONL(&buf, data, order); err != nil {
		t.Fatalf("WriteJSONL() error = %v", err)
	}
	lines := strings.Split(strings.TrimRight(buf.String(), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("WriteJSONL produced %d lines, want 2", len(lines))
	}
}
