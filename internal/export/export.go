// Package export renders a Facade's contents into the external
// formats named by the export format contract: a name-keyed mapping
// of program source and its schedule results, as pretty JSON or as
// line-delimited JSON (one program per line). It never mutates the
// underlying store.
package export

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"

	"gopkg.in/yaml.v3"

	"github.com/tiralib/tirastore/internal/errs"
	"github.com/tiralib/tirastore/internal/store"
)

// ScheduleEntry is one element of a ProgramExport's schedules_list.
type ScheduleEntry struct {
	ScheduleStr    string    `json:"schedule_str"`
	IsLegal        bool      `json:"is_legal"`
	ExecutionTimes []float64 `json:"execution_times,omitempty"`
}

// ProgramExport is the per-program record emitted under its (possibly
// suffixed) name key.
type ProgramExport struct {
	TiramisuCpp   string          `json:"Tiramisu_cpp"`
	SchedulesList []ScheduleEntry `json:"schedules_list"`
	ProgramName   string          `json:"program_name"`
}

// ProgramRecordLike mirrors the fields of tirastore.ProgramRecord that
// the export needs; this package does not import the root package, so
// callers adapt their concrete type to this shape in the recordsOf
// callback passed to Build.
type ProgramRecordLike struct {
	Schedule       string
	IsLegal        bool
	ExecutionTimes []float64
}

// Build groups every program by name, assigning `_v1`, `_v2`, ...
// suffixes in insertion order whenever more than one distinct source
// shares a name, and returns the resulting name -> ProgramExport map
// plus the insertion-ordered list of keys (needed for deterministic
// JSONL rendering).
func Build(programs []store.Program, recordsOf func(name, source string) ([]ProgramRecordLike, error)) (map[string]ProgramExport, []string, error) {
	totalByName := make(map[string]int)
	for _, p := range programs {
		totalByName[p.ProgramName]++
	}

	out := make(map[string]ProgramExport)
	var order []string
	seenByName := make(map[string]int)

	for _, p := range programs {
		recs, err := recordsOf(p.ProgramName, p.SourceCode)
		if err != nil {
			return nil, nil, err
		}

		schedules := make([]ScheduleEntry, 0, len(recs))
		for _, r := range recs {
			schedules = append(schedules, ScheduleEntry{
				ScheduleStr:    r.Schedule,
				IsLegal:        r.IsLegal,
				ExecutionTimes: r.ExecutionTimes,
			})
		}

		key := p.ProgramName
		if totalByName[p.ProgramName] > 1 {
			seenByName[p.ProgramName]++
			key = fmt.Sprintf("%s_v%d", p.ProgramName, seenByName[p.ProgramName])
		}

		out[key] = ProgramExport{
			TiramisuCpp:   p.SourceCode,
			SchedulesList: schedules,
			ProgramName:   p.ProgramName,
		}
		order = append(order, key)
	}

	return out, order, nil
}

// WriteJSON renders the export map as pretty (indented) JSON.
func WriteJSON(w io.Writer, data map[string]ProgramExport) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	if err := enc.Encode(data); err != nil {
		return errs.Internalf(err, "export: write json")
	}
	return nil
}

// WriteJSONL renders one compact JSON object per line, in the given
// key order, each line of the shape {"<name>": <ProgramExport>}.
func WriteJSONL(w io.Writer, data map[string]ProgramExport, order []string) error {
	for _, key := range order {
		var buf bytes.Buffer
		if err := json.NewEncoder(&buf).Encode(map[string]ProgramExport{key: data[key]}); err != nil {
			return errs.Internalf(err, "export: encode jsonl line")
		}
		if _, err := w.Write(buf.Bytes()); err != nil {
			return errs.Internalf(err, "export: write jsonl line")
		}
	}
	return nil
}

// WriteStatsYAML renders a store.Stats value as YAML, for operators
// who prefer it over the JSON admin endpoint.
func WriteStatsYAML(w io.Writer, st *store.Stats) error {
	enc := yaml.NewEncoder(w)
	defer enc.Close()
	if err := enc.Encode(st); err != nil {
		return errs.Internalf(err, "export: write stats yaml")
	}
	return nil
}
