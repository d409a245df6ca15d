package store

import (
	"path/filepath"
	"testing"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	dir := t.TempDir()
	s := New(filepath.Join(dir, "test.db"))
	if err := s.InitDB("Intel Xeon Gold 6248", "N/A"); err != nil {
		t.Fatalf("InitDB() error = %v", err)
	}
	return s
}

func TestInitDBIsIdempotentOnMeta(t *testing.T) {
	s := newTestStore(t)
	if err := s.InitDB("AMD EPYC 7742", "8"); err != nil {
		t.Fatalf("second InitDB() error = %v", err)
	}
	cpu, err := s.GetCPUModel()
	if err != nil {
		t.Fatalf("GetCPUModel() error = %v", err)
	}
	if cpu != "Intel Xeon Gold 6248" {
		t.Fatalf("GetCPUModel() = %q, want original value preserved", cpu)
	}
}

func TestPutProgramInsertOnlyOnce(t *testing.T) {
	s := newTestStore(t)
	inserted, err := s.PutProgram("hash1", "blur", "void blur(){}")
	if err != nil || !inserted {
		t.Fatalf("PutProgram() first call = (%v, %v), want (true, nil)", inserted, err)
	}
	inserted, err = s.PutProgram("hash1", "blur", "different source text")
	if err != nil {
		t.Fatalf("PutProgram() second call error = %v", err)
	}
	if inserted {
		t.Fatal("PutProgram() should not report insertion for an existing hash")
	}
	p, err := s.GetProgram("hash1")
	if err != nil {
		t.Fatalf("GetProgram() error = %v", err)
	}
	if p.SourceCode != "void blur(){}" {
		t.Fatalf("existing program was overwritten: got %q", p.SourceCode)
	}
}

func TestPutInsertAndOverwriteSemantics(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.PutProgram("hash1", "blur", "void blur(){}"); err != nil {
		t.Fatalf("PutProgram() error = %v", err)
	}

	wrote, err := s.Put("key1", "hash1", "R(L0,comps=['c1'])", `{"is_legal":true,"execution_times":[0.1]}`, "node1", "alice", "proj", false)
	if err != nil || !wrote {
		t.Fatalf("first Put() = (%v, %v), want (true, nil)", wrote, err)
	}

	wrote, err = s.Put("key1", "hash1", "R(L0,comps=['c1'])", `{"is_legal":true,"execution_times":[9.9]}`, "node2", "bob", "proj", false)
	if err != nil {
		t.Fatalf("second Put() error = %v", err)
	}
	if wrote {
		t.Fatal("Put() with overwrite=false on existing key should return false")
	}

	rec, err := s.Get("key1")
	if err != nil || rec == nil {
		t.Fatalf("Get() = (%v, %v), want existing row", rec, err)
	}
	if rec.Hostname != "node1" {
		t.Fatalf("non-overwrite Put() mutated the row: hostname = %q", rec.Hostname)
	}

	wrote, err = s.Put("key1", "hash1", "R(L0,comps=['c1'])", `{"is_legal":true,"execution_times":[9.9]}`, "node2", "bob", "proj", true)
	if err != nil || !wrote {
		t.Fatalf("overwrite Put() = (%v, %v), want (true, nil)", wrote, err)
	}
	rec, err = s.Get("key1")
	if err != nil || rec == nil {
		t.Fatalf("Get() after overwrite = (%v, %v)", rec, err)
	}
	if rec.Hostname != "node2" {
		t.Fatalf("overwrite Put() did not update hostname: got %q", rec.Hostname)
	}
	if !rec.CreationDate.Equal(rec.CreationDate) || rec.CreationDate.After(rec.UpdateDate) {
		t.Fatalf("creation_date must not be after update_date")
	}
}

func TestContainsGetDeleteRoundTrip(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.PutProgram("hash1", "blur", "void blur(){}"); err != nil {
		t.Fatalf("PutProgram() error = %v", err)
	}
	if ok, err := s.Contains("missing"); err != nil || ok {
		t.Fatalf("Contains(missing) = (%v, %v), want (false, nil)", ok, err)
	}

	if _, err := s.Put("key1", "hash1", "R(L0,comps=['c1'])", `{"is_legal":true,"execution_times":[0.1]}`, "node1", "alice", "proj", false); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	ok, err := s.Contains("key1")
	if err != nil || !ok {
		t.Fatalf("Contains(key1) = (%v, %v), want (true, nil)", ok, err)
	}

	deleted, err := s.Delete("key1")
	if err != nil || !deleted {
		t.Fatalf("Delete(key1) = (%v, %v), want (true, nil)", deleted, err)
	}
	deleted, err = s.Delete("key1")
	if err != nil || deleted {
		t.Fatalf("second Delete(key1) = (%v, %v), want (false, nil)", deleted, err)
	}
	if ok, err := s.Contains("key1"); err != nil || ok {
		t.Fatalf("Contains(key1) after delete = (%v, %v), want (false, nil)", ok, err)
	}
}

func TestCountKeysAndStats(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.PutProgram("hash1", "blur", "void blur(){}"); err != nil {
		t.Fatalf("PutProgram() error = %v", err)
	}

	rows := []PutRow{
		{Key: "k1", Schedule: "R(L0,comps=['c1'])", ResultJSON: `{"is_legal":true,"execution_times":[0.1]}`},
		{Key: "k2", Schedule: "P(L0,comps=['c1'])", ResultJSON: `{"is_legal":false}`},
		{Key: "k3", Schedule: "F(L0,comps=['c1'])", ResultJSON: `{"is_legal":true,"execution_times":[0.2]}`},
	}
	written, err := s.PutMany(rows, "hash1", "node1", "alice", "proj", false)
	if err != nil {
		t.Fatalf("PutMany() error = %v", err)
	}
	if written != 3 {
		t.Fatalf("PutMany() wrote %d rows, want 3", written)
	}

	count, err := s.Count()
	if err != nil || count != 3 {
		t.Fatalf("Count() = (%d, %v), want (3, nil)", count, err)
	}

	keys, err := s.Keys(0, 0)
	if err != nil || len(keys) != 3 {
		t.Fatalf("Keys() = (%v, %v), want 3 keys", keys, err)
	}

	limited, err := s.Keys(2, 0)
	if err != nil || len(limited) != 2 {
		t.Fatalf("Keys(2,0) = (%v, %v), want 2 keys", limited, err)
	}

	offsetOnly, err := s.Keys(0, 1)
	if err != nil || len(offsetOnly) != 2 {
		t.Fatalf("Keys(0,1) = (%v, %v), want 2 keys (offset applied with no limit)", offsetOnly, err)
	}
	if offsetOnly[0] != keys[1] {
		t.Fatalf("Keys(0,1)[0] = %q, want %q (second-inserted key)", offsetOnly[0], keys[1])
	}

	st, err := s.Stats()
	if err != nil {
		t.Fatalf("Stats() error = %v", err)
	}
	if st.TotalRecords != 3 || st.LegalRecords != 2 || st.IllegalRecords != 1 {
		t.Fatalf("Stats() = %+v, want total=3 legal=2 illegal=1", st)
	}
	if st.TotalPrograms != 1 {
		t.Fatalf("Stats().TotalPrograms = %d, want 1", st.TotalPrograms)
	}
	if st.CPUModel != "Intel Xeon Gold 6248" {
		t.Fatalf("Stats().CPUModel = %q, want preserved cpu model", st.CPUModel)
	}
}

func TestGetProgramsByNameAndProgramCount(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.PutProgram("hashA", "blur", "void blur(){}"); err != nil {
		t.Fatalf("PutProgram() error = %v", err)
	}
	if _, err := s.PutProgram("hashB", "blur", "void blur(){ int x; }"); err != nil {
		t.Fatalf("PutProgram() error = %v", err)
	}
	if _, err := s.PutProgram("hashC", "sharpen", "void sharpen(){}"); err != nil {
		t.Fatalf("PutProgram() error = %v", err)
	}

	programs, err := s.GetProgramsByName("blur")
	if err != nil {
		t.Fatalf("GetProgramsByName() error = %v", err)
	}
	if len(programs) != 2 {
		t.Fatalf("GetProgramsByName(blur) returned %d rows, want 2", len(programs))
	}

	n, err := s.ProgramCount()
	if err != nil || n != 3 {
		t.Fatalf("ProgramCount() = (%d, %v), want (3, nil)", n, err)
	}
}

func TestGetJoinsProgramNameAndSource(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.PutProgram("hash1", "blur", "void blur(){}"); err != nil {
		t.Fatalf("PutProgram() error = %v", err)
	}
	if _, err := s.Put("key1", "hash1", "R(L0,comps=['c1'])", `{"is_legal":true,"execution_times":[0.1]}`, "node1", "alice", "proj", false); err != nil {
		t.Fatalf("Put() error = %v", err)
	}

	rec, err := s.Get("key1")
	if err != nil || rec == nil {
		t.Fatalf("Get() = (%v, %v), want existing row", rec, err)
	}
	if rec.ProgramName != "blur" || rec.SourceCode != "void blur(){}" {
		t.Fatalf("Get() did not join program row: ProgramName=%q SourceCode=%q", rec.ProgramName, rec.SourceCode)
	}

	recs, err := s.GetRecordsByProgramHash("hash1")
	if err != nil || len(recs) != 1 {
		t.Fatalf("GetRecordsByProgramHash() = (%v, %v), want 1 row", recs, err)
	}
	if recs[0].ProgramName != "blur" || recs[0].SourceCode != "void blur(){}" {
		t.Fatalf("GetRecordsByProgramHash() did not join program row: %+v", recs[0])
	}
}

func TestAllProgramsOrdersByInsertionWithinName(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.PutProgram("zzz_first_inserted", "blur", "void blur_v1(){}"); err != nil {
		t.Fatalf("PutProgram() error = %v", err)
	}
	if _, err := s.PutProgram("aaa_second_inserted", "blur", "void blur_v2(){}"); err != nil {
		t.Fatalf("PutProgram() error = %v", err)
	}

	programs, err := s.AllPrograms()
	if err != nil {
		t.Fatalf("AllPrograms() error = %v", err)
	}
	if len(programs) != 2 {
		t.Fatalf("AllPrograms() returned %d rows, want 2", len(programs))
	}
	// Despite "aaa_second_inserted" sorting first by hash, it was
	// inserted second, so insertion order (not hash order) must win.
	if programs[0].ProgramHash != "zzz_first_inserted" || programs[1].ProgramHash != "aaa_second_inserted" {
		t.Fatalf("AllPrograms() = %+v, want insertion order, not hash order", programs)
	}
}
