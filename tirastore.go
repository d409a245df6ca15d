// Package tirastore is a content-addressed lookup table for compiler
// autotuning measurements, shared across the nodes of an HPC cluster
// over a networked filesystem where byte-range locking is unreliable.
//
// A single Facade value composes a cross-node mutex, an embedded
// SQLite store, and the canonical content-addressing pipeline into a
// safe concurrent API: many worker processes on different nodes can
// record and look up (program, schedule) measurements without
// duplicating work or corrupting each other's writes.
package tirastore

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/user"
	"path/filepath"
	"strings"
	"time"

	"github.com/tiralib/tirastore/internal/errs"
	"github.com/tiralib/tirastore/internal/fingerprint"
	"github.com/tiralib/tirastore/internal/hostinfo"
	"github.com/tiralib/tirastore/internal/lock"
	"github.com/tiralib/tirastore/internal/normalize"
	"github.com/tiralib/tirastore/internal/store"
	"github.com/tiralib/tirastore/internal/telemetry"
)

// Options configures Facade construction. All fields are optional;
// zero values trigger the documented auto-detection/default.
type Options struct {
	// SourceProject tags every record written by this instance.
	SourceProject string
	// CPUModel overrides CPU auto-detection, both at DB creation time
	// and as the local identity for the admission check.
	CPUModel string
	// SlurmCPUs overrides the SLURM_CPUS_PER_TASK probe.
	SlurmCPUs string
	// AllowCPUMismatch permits writes despite an admission mismatch.
	AllowCPUMismatch bool
	// StaleLockTimeout, RetryLimit, BaseDelay, MaxDelay tune the
	// cross-node mutex. Zero values fall back to lock.Options defaults.
	StaleLockTimeout time.Duration
	RetryLimit       int
	BaseDelay        time.Duration
	MaxDelay         time.Duration
	// Logger receives diagnostic events (admission mismatch, lock
	// retries). Defaults to telemetry.Nop.
	Logger *telemetry.Logger
}

// result is the tagged {is_legal, execution_times} blob persisted as
// records.result_json.
type result struct {
	IsLegal        bool      `json:"is_legal"`
	ExecutionTimes []float64 `json:"execution_times,omitempty"`
}

// LookupResult is returned by Lookup on a hit.
type LookupResult struct {
	Schedule       string
	IsLegal        bool
	ExecutionTimes []float64
	Hostname       string
	Username       string
	CreationDate   time.Time
	UpdateDate     time.Time
	SourceProject  string
}

// Facade is the high-level entry point. A value is bound to a single
// database path for its lifetime; construct a new one to reopen.
type Facade struct {
	dbPath        string
	sourceProject string
	allowMismatch bool

	localCPUModel  string
	localSlurmCPUs string
	hostname       string
	username       string

	mutex *lock.Mutex
	store *store.Store
	log   *telemetry.Logger

	writesAllowed bool
}

// Open constructs a Facade over dbPath, creating the database on
// first use or validating hardware-identity admission against an
// existing one. Construction acquires the mutex exactly once.
func Open(dbPath string, opts Options) (*Facade, error) {
	if opts.Logger == nil {
		opts.Logger = telemetry.Nop
	}

	absPath, err := filepath.Abs(dbPath)
	if err != nil {
		return nil, errs.Internalf(err, "facade: resolve db path")
	}

	hostname, _ := os.Hostname()
	username := "unknown"
	if u, err := user.Current(); err == nil {
		username = u.Username
	}

	f := &Facade{
		dbPath:         absPath,
		sourceProject:  opts.SourceProject,
		allowMismatch:  opts.AllowCPUMismatch,
		localCPUModel:  firstNonEmpty(opts.CPUModel, hostinfo.CPUModel()),
		localSlurmCPUs: firstNonEmpty(opts.SlurmCPUs, hostinfo.SlurmCPUs()),
		hostname:       hostname,
		username:       username,
		mutex:          lock.New(lockPath(absPath), lock.Options{StaleTimeout: opts.StaleLockTimeout, RetryLimit: opts.RetryLimit, BaseDelay: opts.BaseDelay, MaxDelay: opts.MaxDelay, Logger: opts.Logger}),
		store:          store.New(absPath),
		log:            opts.Logger,
		writesAllowed:  true,
	}

	if err := f.mutex.WithLock(func() error {
		if _, err := os.Stat(f.dbPath); os.IsNotExist(err) {
			return f.createDB(opts.CPUModel, opts.SlurmCPUs)
		} else if err != nil {
			return errs.Internalf(err, "facade: stat db file")
		}
		return f.validateAdmission()
	}); err != nil {
		return nil, err
	}

	return f, nil
}

func firstNonEmpty(a, b string) string {
	if a != "" {
		return a
	}
	return b
}

// lockPath derives the sibling lock file path: the db path with its
// final suffix replaced by ".db.lock".
func lockPath(dbPath string) string {
	ext := filepath.Ext(dbPath)
	stem := strings.TrimSuffix(dbPath, ext)
	return stem + ".db.lock"
}

func (f *Facade) createDB(cpuModelArg, slurmCPUsArg string) error {
	dir := filepath.Dir(f.dbPath)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errs.Internalf(err, "facade: create db directory")
	}
	_ = os.Chmod(dir, 0o1777)

	dbCPU := firstNonEmpty(cpuModelArg, f.localCPUModel)
	dbSlurm := firstNonEmpty(slurmCPUsArg, f.localSlurmCPUs)
	return f.store.InitDB(dbCPU, dbSlurm)
}

func (f *Facade) validateAdmission() error {
	dbCPU, err := f.store.GetCPUModel()
	if err != nil {
		return err
	}
	dbSlurm, err := f.store.GetSlurmCPUs()
	if err != nil {
		return err
	}

	var mismatches []string
	if dbCPU != "" && dbCPU != f.localCPUModel {
		mismatches = append(mismatches, fmt.Sprintf("cpu_model: db=%q local=%q", dbCPU, f.localCPUModel))
	}
	if dbSlurm != "" && dbSlurm != "N/A" && dbSlurm != f.localSlurmCPUs {
		mismatches = append(mismatches, fmt.Sprintf("slurm_cpus: db=%q local=%q", dbSlurm, f.localSlurmCPUs))
	}

	if len(mismatches) > 0 {
		if !f.allowMismatch {
			f.writesAllowed = false
		}
		f.log.Warn("admission check detected a hardware mismatch", map[string]any{
			"db_path":        f.dbPath,
			"mismatches":     mismatches,
			"writes_allowed": f.writesAllowed,
		})
	}
	return nil
}

func (f *Facade) checkWrites() error {
	if !f.writesAllowed {
		return errs.PermissionDeniedf("write operations are disabled due to a CPU/SLURM admission mismatch; re-open with AllowCPUMismatch to override")
	}
	return nil
}

// WritesAllowed reports whether this instance may perform mutations.
func (f *Facade) WritesAllowed() bool { return f.writesAllowed }

// Lookup returns the stored measurement for (name, source, schedule),
// or nil if none exists.
func (f *Facade) Lookup(name, source, schedule string) (*LookupResult, error) {
	key := f.recordKey(source, schedule)

	var rec *store.Record
	err := f.mutex.WithLock(func() error {
		r, err := f.store.Get(key)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	if err != nil {
		return nil, err
	}
	if rec == nil {
		return nil, nil
	}

	var res result
	if err := json.Unmarshal([]byte(rec.ResultJSON), &res); err != nil {
		return nil, errs.Internalf(err, "facade: decode result_json")
	}
	return &LookupResult{
		Schedule:       rec.Schedule,
		IsLegal:        res.IsLegal,
		ExecutionTimes: res.ExecutionTimes,
		Hostname:       rec.Hostname,
		Username:       rec.Username,
		CreationDate:   rec.CreationDate,
		UpdateDate:     rec.UpdateDate,
		SourceProject:  rec.SourceProject,
	}, nil
}

// Record stores a measurement for (name, source, schedule). Returns
// whether a write occurred (false when overwrite is false and the key
// already exists).
func (f *Facade) Record(name, source, schedule string, isLegal bool, executionTimes []float64, overwrite bool) (bool, error) {
	if err := f.checkWrites(); err != nil {
		return false, err
	}
	if err := validateRecordInput(isLegal, executionTimes, schedule); err != nil {
		return false, err
	}

	programHash := fingerprint.ProgramHash(source)
	key := f.recordKey(source, schedule)
	resultJSON, err := marshalResult(isLegal, executionTimes)
	if err != nil {
		return false, err
	}
	normalizedSchedule := normalize.Schedule(schedule)

	var wrote bool
	err = f.mutex.WithLock(func() error {
		if _, err := f.store.PutProgram(programHash, name, source); err != nil {
			return err
		}
		w, err := f.store.Put(key, programHash, normalizedSchedule, resultJSON, f.hostname, f.username, f.sourceProject, overwrite)
		if err != nil {
			return err
		}
		wrote = w
		return nil
	})
	return wrote, err
}

// ScheduleInput is one entry of a RecordMany batch.
type ScheduleInput struct {
	Schedule       string
	IsLegal        bool
	ExecutionTimes []float64
}

// RecordMany validates every entry before performing any write, then
// ensures the Program row and writes all records in a single mutex
// acquisition. Returns the number of rows actually written.
func (f *Facade) RecordMany(name, source string, schedules []ScheduleInput, overwrite bool) (int, error) {
	if err := f.checkWrites(); err != nil {
		return 0, err
	}

	rows := make([]store.PutRow, 0, len(schedules))
	for _, s := range schedules {
		if err := validateRecordInput(s.IsLegal, s.ExecutionTimes, s.Schedule); err != nil {
			return 0, err
		}
		resultJSON, err := marshalResult(s.IsLegal, s.ExecutionTimes)
		if err != nil {
			return 0, err
		}
		rows = append(rows, store.PutRow{
			Key:        f.recordKey(source, s.Schedule),
			Schedule:   normalize.Schedule(s.Schedule),
			ResultJSON: resultJSON,
		})
	}

	programHash := fingerprint.ProgramHash(source)

	var written int
	err := f.mutex.WithLock(func() error {
		if _, err := f.store.PutProgram(programHash, name, source); err != nil {
			return err
		}
		n, err := f.store.PutMany(rows, programHash, f.hostname, f.username, f.sourceProject, overwrite)
		if err != nil {
			return err
		}
		written = n
		return nil
	})
	return written, err
}

func validateRecordInput(isLegal bool, executionTimes []float64, schedule string) error {
	if isLegal && len(executionTimes) == 0 {
		return errs.InvalidArgumentf("execution_times must be a non-empty list when is_legal is true")
	}
	if ok, reason := normalize.ValidateSchedule(schedule); !ok {
		return errs.InvalidArgumentf("%s", reason)
	}
	return nil
}

func marshalResult(isLegal bool, executionTimes []float64) (string, error) {
	b, err := json.Marshal(result{IsLegal: isLegal, ExecutionTimes: executionTimes})
	if err != nil {
		return "", errs.Internalf(err, "facade: encode result_json")
	}
	return string(b), nil
}

func (f *Facade) recordKey(source, schedule string) string {
	return fingerprint.RecordKey(fingerprint.ProgramHash(source), schedule)
}

// Contains reports whether a record exists for (name, source, schedule).
func (f *Facade) Contains(name, source, schedule string) (bool, error) {
	key := f.recordKey(source, schedule)
	var exists bool
	err := f.mutex.WithLock(func() error {
		e, err := f.store.Contains(key)
		if err != nil {
			return err
		}
		exists = e
		return nil
	})
	return exists, err
}

// Get retrieves a raw record by its content-addressed key.
func (f *Facade) Get(key string) (*store.Record, error) {
	var rec *store.Record
	err := f.mutex.WithLock(func() error {
		r, err := f.store.Get(key)
		if err != nil {
			return err
		}
		rec = r
		return nil
	})
	return rec, err
}

// Delete removes a record by key. Returns whether a row was removed.
func (f *Facade) Delete(key string) (bool, error) {
	if err := f.checkWrites(); err != nil {
		return false, err
	}
	var removed bool
	err := f.mutex.WithLock(func() error {
		r, err := f.store.Delete(key)
		if err != nil {
			return err
		}
		removed = r
		return nil
	})
	return removed, err
}

// Count returns the total number of records.
func (f *Facade) Count() (int, error) {
	var n int
	err := f.mutex.WithLock(func() error {
		c, err := f.store.Count()
		if err != nil {
			return err
		}
		n = c
		return nil
	})
	return n, err
}

// ProgramCount returns the total number of distinct programs.
func (f *Facade) ProgramCount() (int, error) {
	var n int
	err := f.mutex.WithLock(func() error {
		c, err := f.store.ProgramCount()
		if err != nil {
			return err
		}
		n = c
		return nil
	})
	return n, err
}

// Stats returns aggregate statistics about the database.
func (f *Facade) Stats() (*store.Stats, error) {
	var st *store.Stats
	err := f.mutex.WithLock(func() error {
		s, err := f.store.Stats()
		if err != nil {
			return err
		}
		st = s
		return nil
	})
	return st, err
}

// Keys returns record keys, ordered by creation date, with optional
// pagination (limit == 0 means unbounded).
func (f *Facade) Keys(limit, offset int) ([]string, error) {
	var keys []string
	err := f.mutex.WithLock(func() error {
		ks, err := f.store.Keys(limit, offset)
		if err != nil {
			return err
		}
		keys = ks
		return nil
	})
	return keys, err
}

// GetProgramSource returns every distinct (program_hash, source_code)
// pair recorded under the given program name.
func (f *Facade) GetProgramSource(name string) ([]store.Program, error) {
	var programs []store.Program
	err := f.mutex.WithLock(func() error {
		p, err := f.store.GetProgramsByName(name)
		if err != nil {
			return err
		}
		programs = p
		return nil
	})
	return programs, err
}

// ProgramRecord is one Result belonging to a specific program source,
// as returned by GetProgramRecords.
type ProgramRecord struct {
	Key            string
	Schedule       string
	IsLegal        bool
	ExecutionTimes []float64
	CreationDate   time.Time
	UpdateDate     time.Time
}

// GetProgramRecords returns every Result recorded against the exact
// program identified by (name, source) — i.e. a single program_hash.
func (f *Facade) GetProgramRecords(name, source string) ([]ProgramRecord, error) {
	programHash := fingerprint.ProgramHash(source)

	var rows []store.Record
	err := f.mutex.WithLock(func() error {
		r, err := f.store.GetRecordsByProgramHash(programHash)
		if err != nil {
			return err
		}
		rows = r
		return nil
	})
	if err != nil {
		return nil, err
	}

	out := make([]ProgramRecord, 0, len(rows))
	for _, rec := range rows {
		var res result
		if err := json.Unmarshal([]byte(rec.ResultJSON), &res); err != nil {
			return nil, errs.Internalf(err, "facade: decode result_json")
		}
		out = append(out, ProgramRecord{
			Key:            rec.Key,
			Schedule:       rec.Schedule,
			IsLegal:        res.IsLegal,
			ExecutionTimes: res.ExecutionTimes,
			CreationDate:   rec.CreationDate,
			UpdateDate:     rec.UpdateDate,
		})
	}
	return out, nil
}

// AllPrograms returns every distinct program row in the database,
// ordered by name then insertion order within a name, for export
// tooling.
func (f *Facade) AllPrograms() ([]store.Program, error) {
	var programs []store.Program
	err := f.mutex.WithLock(func() error {
		p, err := f.store.AllPrograms()
		if err != nil {
			return err
		}
		programs = p
		return nil
	})
	return programs, err
}

// Backup copies the database file to destPath under the mutex,
// preserving modification time and permission bits. An empty destPath
// defaults to "<stem>_<UTC-ISO-compact>.db" next to the source.
// Returns the path actually written.
func (f *Facade) Backup(destPath string) (string, error) {
	if destPath == "" {
		ts := time.Now().UTC().Format("20060102T150405Z")
		ext := filepath.Ext(f.dbPath)
		stem := strings.TrimSuffix(f.dbPath, ext)
		destPath = fmt.Sprintf("%s_%s.db", stem, ts)
	}

	err := f.mutex.WithLock(func() error {
		return copyFilePreservingMeta(f.dbPath, destPath)
	})
	if err != nil {
		return "", err
	}
	return destPath, nil
}

func copyFilePreservingMeta(srcPath, destPath string) error {
	info, err := os.Stat(srcPath)
	if err != nil {
		return errs.Internalf(err, "facade: stat source db")
	}

	src, err := os.Open(srcPath)
	if err != nil {
		return errs.Internalf(err, "facade: open source db")
	}
	defer src.Close()

	dst, err := os.OpenFile(destPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, info.Mode())
	if err != nil {
		return errs.Internalf(err, "facade: create backup file")
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return errs.Internalf(err, "facade: copy db contents")
	}
	if err := dst.Close(); err != nil {
		return errs.Internalf(err, "facade: close backup file")
	}
	// OpenFile's mode is filtered by the umask (and ignored for an existing
	// file), so set the permission bits explicitly.
	if err := os.Chmod(destPath, info.Mode().Perm()); err != nil {
		return errs.Internalf(err, "facade: preserve backup mode")
	}
	if err := os.Chtimes(destPath, info.ModTime(), info.ModTime()); err != nil {
		return errs.Internalf(err, "facade: preserve backup mtime")
	}
	return nil
}
