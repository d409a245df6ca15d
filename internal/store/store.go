// Package store owns the embedded SQLite database file and exposes
// atomic read and write operations over the programs/records schema.
// Callers are assumed to already hold the cross-node mutex for the
// duration of any call into this package; Store itself never locks.
package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"

	"github.com/tiralib/tirastore/internal/errs"
)

// Program is a row of the programs table.
type Program struct {
	ProgramHash string
	ProgramName string
	SourceCode  string
}

// Record is a row of the records table joined with its parent
// Program's name and source, the way every Store read of a single
// record or a program's record set returns it.
type Record struct {
	Key            string
	ProgramHash    string
	ProgramName    string
	SourceCode     string
	Schedule       string
	ResultJSON     string
	Hostname       string
	Username       string
	CreationDate   time.Time
	UpdateDate     time.Time
	SourceProject  string
}

// Stats is the aggregate view returned by Stats().
type Stats struct {
	TotalRecords    int
	LegalRecords    int
	IllegalRecords  int
	TotalPrograms   int
	Users           []string
	SourceProjects  []string
	CPUModel        string
	SlurmCPUs       string
}

// Store wraps the path to a SQLite database file. Every exported
// method opens a fresh connection, performs one transaction, and
// closes it; it never keeps a handle open between calls.
type Store struct {
	path string
}

// New returns a Store bound to path. No file or connection is touched
// until an operation is invoked.
func New(path string) *Store {
	return &Store{path: path}
}

// dsn builds a go-sqlite3 connection string with the shared-filesystem
// PRAGMA set mandated for this store: synchronous DELETE journaling,
// no internal busy retry (the cross-node mutex already serializes
// writers), full fsync durability, and foreign-key enforcement.
func (s *Store) dsn() string {
	return fmt.Sprintf(
		"file:%s?_journal_mode=DELETE&_busy_timeout=0&_synchronous=FULL&_foreign_keys=ON",
		s.path,
	)
}

func (s *Store) open() (*sql.DB, error) {
	db, err := sql.Open("sqlite3", s.dsn())
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	return db, nil
}

const schemaDDL = `
CREATE TABLE IF NOT EXISTS db_meta (
	key   TEXT PRIMARY KEY,
	value TEXT
);
CREATE TABLE IF NOT EXISTS programs (
	program_hash TEXT PRIMARY KEY,
	program_name TEXT NOT NULL,
	source_code  TEXT NOT NULL
);
CREATE TABLE IF NOT EXISTS records (
	key            TEXT PRIMARY KEY,
	program_hash   TEXT NOT NULL REFERENCES programs(program_hash),
	schedule       TEXT NOT NULL,
	result_json    TEXT NOT NULL,
	hostname       TEXT NOT NULL,
	username       TEXT NOT NULL,
	creation_date  TIMESTAMP NOT NULL,
	update_date    TIMESTAMP NOT NULL,
	source_project TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_records_program_hash ON records(program_hash);
`

// EnsureTables creates the schema if missing. It never touches meta rows.
func (s *Store) EnsureTables() error {
	db, err := s.open()
	if err != nil {
		return errs.Internalf(err, "store: open")
	}
	defer db.Close()
	if _, err := db.Exec(schemaDDL); err != nil {
		return errs.Internalf(err, "store: create schema")
	}
	return nil
}

// InitDB creates the schema (if missing) and inserts the initial meta
// rows (schema_version, cpu_model, slurm_cpus, created_at) using
// insert-if-absent semantics, so repeated calls are idempotent up to
// those keys. It also attempts to make the database file
// world-readable/writable; failure there is non-fatal.
func (s *Store) InitDB(cpuModel, slurmCPUs string) error {
	db, err := s.open()
	if err != nil {
		return errs.Internalf(err, "store: open")
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return errs.Internalf(err, "store: begin init")
	}
	defer tx.Rollback()

	if _, err := tx.Exec(schemaDDL); err != nil {
		return errs.Internalf(err, "store: create schema")
	}

	now := time.Now().UTC().Format(time.RFC3339Nano)
	for _, kv := range [][2]string{
		{"schema_version", "2"},
		{"cpu_model", cpuModel},
		{"slurm_cpus", slurmCPUs},
		{"created_at", now},
	} {
		if _, err := tx.Exec(`INSERT OR IGNORE INTO db_meta(key, value) VALUES (?, ?)`, kv[0], kv[1]); err != nil {
			return errs.Internalf(err, "store: insert meta %s", kv[0])
		}
	}
	if err := tx.Commit(); err != nil {
		return errs.Internalf(err, "store: commit init")
	}
	return chmodWorldReadWrite(s.path)
}

// GetMeta returns a meta value and whether the key exists.
func (s *Store) GetMeta(key string) (string, bool, error) {
	db, err := s.open()
	if err != nil {
		return "", false, errs.Internalf(err, "store: open")
	}
	defer db.Close()

	var v string
	err = db.QueryRow(`SELECT value FROM db_meta WHERE key = ?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, errs.Internalf(err, "store: get_meta %s", key)
	}
	return v, true, nil
}

// SetMeta upserts a meta key/value pair.
func (s *Store) SetMeta(key, value string) error {
	db, err := s.open()
	if err != nil {
		return errs.Internalf(err, "store: open")
	}
	defer db.Close()
	_, err = db.Exec(`INSERT INTO db_meta(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return errs.Internalf(err, "store: set_meta %s", key)
	}
	return nil
}

// GetCPUModel is a convenience reader over the cpu_model meta key.
func (s *Store) GetCPUModel() (string, error) {
	v, ok, err := s.GetMeta("cpu_model")
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return v, nil
}

// GetSlurmCPUs is a convenience reader over the slurm_cpus meta key.
func (s *Store) GetSlurmCPUs() (string, error) {
	v, ok, err := s.GetMeta("slurm_cpus")
	if err != nil {
		return "", err
	}
	if !ok {
		return "", nil
	}
	return v, nil
}

// PutProgram inserts a program row if absent. Returns whether it was
// inserted; an existing row with the same hash is never overwritten.
func (s *Store) PutProgram(programHash, name, source string) (bool, error) {
	db, err := s.open()
	if err != nil {
		return false, errs.Internalf(err, "store: open")
	}
	defer db.Close()

	res, err := db.Exec(
		`INSERT OR IGNORE INTO programs(program_hash, program_name, source_code) VALUES (?, ?, ?)`,
		programHash, name, source,
	)
	if err != nil {
		return false, errs.Internalf(err, "store: put_program")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.Internalf(err, "store: put_program rows affected")
	}
	return n > 0, nil
}

// GetProgram fetches a single program row by hash.
func (s *Store) GetProgram(programHash string) (*Program, error) {
	db, err := s.open()
	if err != nil {
		return nil, errs.Internalf(err, "store: open")
	}
	defer db.Close()

	var p Program
	err = db.QueryRow(
		`SELECT program_hash, program_name, source_code FROM programs WHERE program_hash = ?`,
		programHash,
	).Scan(&p.ProgramHash, &p.ProgramName, &p.SourceCode)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Internalf(err, "store: get_program")
	}
	return &p, nil
}

// GetProgramsByName returns every distinct program with the given
// name, ordered by hash.
func (s *Store) GetProgramsByName(name string) ([]Program, error) {
	db, err := s.open()
	if err != nil {
		return nil, errs.Internalf(err, "store: open")
	}
	defer db.Close()

	rows, err := db.Query(
		`SELECT program_hash, program_name, source_code FROM programs WHERE program_name = ? ORDER BY program_hash`,
		name,
	)
	if err != nil {
		return nil, errs.Internalf(err, "store: get_programs_by_name")
	}
	defer rows.Close()

	var out []Program
	for rows.Next() {
		var p Program
		if err := rows.Scan(&p.ProgramHash, &p.ProgramName, &p.SourceCode); err != nil {
			return nil, errs.Internalf(err, "store: scan program")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// AllPrograms returns every program row, ordered by name and then by
// insertion order within that name (rowid, since program_hash has no
// relationship to when a source was first recorded), for enumeration
// by export tooling that suffixes same-named programs _v1/_v2/... in
// the order their sources were first seen.
func (s *Store) AllPrograms() ([]Program, error) {
	db, err := s.open()
	if err != nil {
		return nil, errs.Internalf(err, "store: open")
	}
	defer db.Close()

	rows, err := db.Query(`SELECT program_hash, program_name, source_code FROM programs ORDER BY program_name, rowid`)
	if err != nil {
		return nil, errs.Internalf(err, "store: all_programs")
	}
	defer rows.Close()

	var out []Program
	for rows.Next() {
		var p Program
		if err := rows.Scan(&p.ProgramHash, &p.ProgramName, &p.SourceCode); err != nil {
			return nil, errs.Internalf(err, "store: scan program")
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// ProgramCount returns the number of distinct program rows.
func (s *Store) ProgramCount() (int, error) {
	db, err := s.open()
	if err != nil {
		return 0, errs.Internalf(err, "store: open")
	}
	defer db.Close()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM programs`).Scan(&n); err != nil {
		return 0, errs.Internalf(err, "store: program_count")
	}
	return n, nil
}

// Contains reports whether a record with the given key exists.
func (s *Store) Contains(key string) (bool, error) {
	db, err := s.open()
	if err != nil {
		return false, errs.Internalf(err, "store: open")
	}
	defer db.Close()

	var exists int
	err = db.QueryRow(`SELECT 1 FROM records WHERE key = ?`, key).Scan(&exists)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, errs.Internalf(err, "store: contains")
	}
	return true, nil
}

const recordSelectCols = `r.key, r.program_hash, p.program_name, p.source_code, r.schedule, r.result_json, r.hostname, r.username, r.creation_date, r.update_date, r.source_project`

const recordJoin = `records r JOIN programs p ON r.program_hash = p.program_hash`

func scanRecord(row interface{ Scan(...any) error }) (*Record, error) {
	var r Record
	if err := row.Scan(&r.Key, &r.ProgramHash, &r.ProgramName, &r.SourceCode, &r.Schedule, &r.ResultJSON, &r.Hostname, &r.Username, &r.CreationDate, &r.UpdateDate, &r.SourceProject); err != nil {
		return nil, err
	}
	return &r, nil
}

// Get fetches a single record by key, joined with its parent Program
// row for name/source.
func (s *Store) Get(key string) (*Record, error) {
	db, err := s.open()
	if err != nil {
		return nil, errs.Internalf(err, "store: open")
	}
	defer db.Close()

	row := db.QueryRow(`SELECT `+recordSelectCols+` FROM `+recordJoin+` WHERE r.key = ?`, key)
	rec, err := scanRecord(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errs.Internalf(err, "store: get")
	}
	return rec, nil
}

// GetRecordsByProgramHash returns every record for a program, joined
// with its Program row, ordered by creation_date.
func (s *Store) GetRecordsByProgramHash(programHash string) ([]Record, error) {
	db, err := s.open()
	if err != nil {
		return nil, errs.Internalf(err, "store: open")
	}
	defer db.Close()

	rows, err := db.Query(`SELECT `+recordSelectCols+` FROM `+recordJoin+` WHERE r.program_hash = ? ORDER BY r.creation_date`, programHash)
	if err != nil {
		return nil, errs.Internalf(err, "store: get_records_by_program_hash")
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, errs.Internalf(err, "store: scan record")
		}
		out = append(out, *rec)
	}
	return out, rows.Err()
}

// Put inserts or conditionally updates a record in one transaction.
// If the key exists and overwrite is false, it is a no-op returning
// false. If it exists and overwrite is true, every column except
// creation_date is updated and update_date is set to now. Otherwise a
// new row is inserted with creation_date == update_date == now.
// Returns whether a write occurred.
func (s *Store) Put(key, programHash, schedule, resultJSON, hostname, username, sourceProject string, overwrite bool) (bool, error) {
	db, err := s.open()
	if err != nil {
		return false, errs.Internalf(err, "store: open")
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return false, errs.Internalf(err, "store: begin put")
	}
	defer tx.Rollback()

	wrote, err := putInTx(tx, key, programHash, schedule, resultJSON, hostname, username, sourceProject, overwrite)
	if err != nil {
		return false, err
	}
	if err := tx.Commit(); err != nil {
		return false, errs.Internalf(err, "store: commit put")
	}
	return wrote, nil
}

// PutRow is one row of a PutMany batch: a record key, schedule, and
// result blob sharing a common program_hash/hostname/username/source_project.
type PutRow struct {
	Key        string
	Schedule   string
	ResultJSON string
}

// PutMany writes rows sharing a program in a single transaction,
// applying the same per-row semantics as Put. Returns the number of
// rows actually written.
func (s *Store) PutMany(rows []PutRow, programHash, hostname, username, sourceProject string, overwrite bool) (int, error) {
	db, err := s.open()
	if err != nil {
		return 0, errs.Internalf(err, "store: open")
	}
	defer db.Close()

	tx, err := db.Begin()
	if err != nil {
		return 0, errs.Internalf(err, "store: begin put_many")
	}
	defer tx.Rollback()

	written := 0
	for _, r := range rows {
		ok, err := putInTx(tx, r.Key, programHash, r.Schedule, r.ResultJSON, hostname, username, sourceProject, overwrite)
		if err != nil {
			return 0, err
		}
		if ok {
			written++
		}
	}
	if err := tx.Commit(); err != nil {
		return 0, errs.Internalf(err, "store: commit put_many")
	}
	return written, nil
}

func putInTx(tx *sql.Tx, key, programHash, schedule, resultJSON, hostname, username, sourceProject string, overwrite bool) (bool, error) {
	var exists int
	err := tx.QueryRow(`SELECT 1 FROM records WHERE key = ?`, key).Scan(&exists)
	switch {
	case err == sql.ErrNoRows:
		now := time.Now().UTC()
		_, err := tx.Exec(
			`INSERT INTO records(key, program_hash, schedule, result_json, hostname, username, creation_date, update_date, source_project)
			 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			key, programHash, schedule, resultJSON, hostname, username, now, now, sourceProject,
		)
		if err != nil {
			return false, errs.Internalf(err, "store: insert record")
		}
		return true, nil
	case err != nil:
		return false, errs.Internalf(err, "store: check existing record")
	default:
		if !overwrite {
			return false, nil
		}
		now := time.Now().UTC()
		_, err := tx.Exec(
			`UPDATE records SET schedule = ?, result_json = ?, hostname = ?, username = ?, update_date = ?, source_project = ?
			 WHERE key = ?`,
			schedule, resultJSON, hostname, username, now, sourceProject, key,
		)
		if err != nil {
			return false, errs.Internalf(err, "store: update record")
		}
		return true, nil
	}
}

// Delete removes a record by key. Returns whether a row was removed.
func (s *Store) Delete(key string) (bool, error) {
	db, err := s.open()
	if err != nil {
		return false, errs.Internalf(err, "store: open")
	}
	defer db.Close()

	res, err := db.Exec(`DELETE FROM records WHERE key = ?`, key)
	if err != nil {
		return false, errs.Internalf(err, "store: delete")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errs.Internalf(err, "store: delete rows affected")
	}
	return n > 0, nil
}

// Count returns the total number of records.
func (s *Store) Count() (int, error) {
	db, err := s.open()
	if err != nil {
		return 0, errs.Internalf(err, "store: open")
	}
	defer db.Close()

	var n int
	if err := db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&n); err != nil {
		return 0, errs.Internalf(err, "store: count")
	}
	return n, nil
}

// Keys returns record keys ordered by creation_date. limit == 0 means
// unbounded; offset applies regardless of whether limit is set.
func (s *Store) Keys(limit, offset int) ([]string, error) {
	db, err := s.open()
	if err != nil {
		return nil, errs.Internalf(err, "store: open")
	}
	defer db.Close()

	query := `SELECT key FROM records ORDER BY creation_date`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	} else if offset > 0 {
		// SQLite requires a LIMIT clause before OFFSET; -1 means unbounded.
		query += ` LIMIT -1`
	}
	if offset > 0 {
		query += ` OFFSET ?`
		args = append(args, offset)
	}
	rows, err := db.Query(query, args...)
	if err != nil {
		return nil, errs.Internalf(err, "store: keys")
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var k string
		if err := rows.Scan(&k); err != nil {
			return nil, errs.Internalf(err, "store: scan key")
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

// Stats returns the aggregate view: record/program counts split by
// legality, distinct users and source_projects, and cached hardware
// identity meta fields.
func (s *Store) Stats() (*Stats, error) {
	db, err := s.open()
	if err != nil {
		return nil, errs.Internalf(err, "store: open")
	}
	defer db.Close()

	st := &Stats{}
	if err := db.QueryRow(`SELECT COUNT(*) FROM records`).Scan(&st.TotalRecords); err != nil {
		return nil, errs.Internalf(err, "store: stats total_records")
	}
	if err := db.QueryRow(`SELECT COUNT(*) FROM programs`).Scan(&st.TotalPrograms); err != nil {
		return nil, errs.Internalf(err, "store: stats total_programs")
	}
	if err := db.QueryRow(
		`SELECT COUNT(*) FROM records WHERE json_extract(result_json, '$.is_legal') = 1`,
	).Scan(&st.LegalRecords); err != nil {
		return nil, errs.Internalf(err, "store: stats legal_records")
	}
	st.IllegalRecords = st.TotalRecords - st.LegalRecords

	users, err := distinctColumn(db, "username")
	if err != nil {
		return nil, err
	}
	st.Users = users

	projects, err := distinctColumn(db, "source_project")
	if err != nil {
		return nil, err
	}
	st.SourceProjects = projects

	if err := db.QueryRow(`SELECT value FROM db_meta WHERE key = 'cpu_model'`).Scan(&st.CPUModel); err != nil && err != sql.ErrNoRows {
		return nil, errs.Internalf(err, "store: stats cpu_model")
	}
	if err := db.QueryRow(`SELECT value FROM db_meta WHERE key = 'slurm_cpus'`).Scan(&st.SlurmCPUs); err != nil && err != sql.ErrNoRows {
		return nil, errs.Internalf(err, "store: stats slurm_cpus")
	}

	return st, nil
}

func distinctColumn(db *sql.DB, column string) ([]string, error) {
	rows, err := db.Query(`SELECT DISTINCT ` + column + ` FROM records`)
	if err != nil {
		return nil, errs.Internalf(err, "store: distinct %s", column)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, errs.Internalf(err, "store: scan distinct %s", column)
		}
		out = append(out, v)
	}
	return out, rows.Err()
}
