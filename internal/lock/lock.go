// Package lock implements a cross-node mutual-exclusion primitive built
// on atomic hard-link creation, the only reliably atomic filesystem
// operation on networked filesystems (e.g. Lustre) where byte-range
// advisory locking is unreliable.
package lock

import (
	"encoding/json"
	"math/rand"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/tiralib/tirastore/internal/errs"
	"github.com/tiralib/tirastore/internal/telemetry"
)

// Options tunes acquisition behavior.
type Options struct {
	// StaleTimeout is how old the holder's acquisition timestamp may be
	// before a waiter will attempt to break the lock as abandoned. The
	// timestamp is written once at acquisition and never refreshed.
	// Default 10 minutes.
	StaleTimeout time.Duration
	// RetryLimit bounds the number of acquire attempts before giving up
	// with a Timeout error. Default 120.
	RetryLimit int
	// BaseDelay is the initial backoff delay. Default 50ms.
	BaseDelay time.Duration
	// MaxDelay caps the backoff delay. Default 5s.
	MaxDelay time.Duration
	// Logger receives Debug-level events for retries and stale-break
	// attempts. Defaults to telemetry.Nop.
	Logger *telemetry.Logger
}

func (o Options) withDefaults() Options {
	if o.StaleTimeout <= 0 {
		o.StaleTimeout = 10 * time.Minute
	}
	if o.RetryLimit <= 0 {
		o.RetryLimit = 120
	}
	if o.BaseDelay <= 0 {
		o.BaseDelay = 50 * time.Millisecond
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = 5 * time.Second
	}
	if o.Logger == nil {
		o.Logger = telemetry.Nop
	}
	return o
}

// holderInfo is the advisory descriptor written into the temp file that
// becomes the lock once link()'d into place. The atomicity guarantee
// lives in the link syscall, not in these contents.
type holderInfo struct {
	Hostname  string `json:"hostname"`
	PID       int    `json:"pid"`
	Timestamp int64  `json:"timestamp"` // unix nanoseconds
}

// Mutex is a single-holder distributed mutex over lockPath. It is not
// safe for concurrent use by multiple goroutines and does not support
// nested acquisition on the same instance.
type Mutex struct {
	lockPath string
	opts     Options

	tmpPath string
	held    bool
}

// New returns a Mutex guarding lockPath.
func New(lockPath string, opts Options) *Mutex {
	return &Mutex{lockPath: lockPath, opts: opts.withDefaults()}
}

// Acquire blocks until the lock is held, a bounded number of retries is
// exhausted (returning a Timeout *errs.Error), or an unrecoverable
// filesystem error occurs.
func (m *Mutex) Acquire() error {
	delay := m.opts.BaseDelay
	for attempt := 0; attempt < m.opts.RetryLimit; attempt++ {
		if err := m.createTempFile(); err != nil {
			return errs.Internalf(err, "lock: create temp descriptor")
		}
		if err := os.Link(m.tmpPath, m.lockPath); err == nil {
			m.held = true
			return nil
		}
		m.removeTempFile()
		m.tryBreakStaleLock()

		jitter := time.Duration(rand.Int63n(int64(delay)/2 + 1))
		m.opts.Logger.Debug("lock: acquire retry", map[string]any{
			"lock_path": m.lockPath,
			"attempt":   attempt,
			"delay_ms":  (delay + jitter).Milliseconds(),
		})
		time.Sleep(delay + jitter)
		delay *= 2
		if delay > m.opts.MaxDelay {
			delay = m.opts.MaxDelay
		}
	}
	return errs.Timeoutf("lock: could not acquire %s after %d attempts", m.lockPath, m.opts.RetryLimit)
}

// Release is safe to call multiple times and when Acquire never
// succeeded. It unlinks the lock file (if held) and the retained
// temp descriptor, ignoring missing-file errors.
func (m *Mutex) Release() {
	if !m.held {
		m.removeTempFile()
		return
	}
	_ = os.Remove(m.lockPath)
	m.removeTempFile()
	m.held = false
}

// WithLock acquires the mutex, runs fn, and releases on every exit path.
func (m *Mutex) WithLock(fn func() error) error {
	if err := m.Acquire(); err != nil {
		return err
	}
	defer m.Release()
	return fn()
}

func (m *Mutex) createTempFile() error {
	m.removeTempFile()
	dir := filepath.Dir(m.lockPath)
	hostname, _ := os.Hostname()
	pattern := ".lock_" + hostname + "_" + strconv.Itoa(os.Getpid()) + "_*"
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return err
	}
	defer f.Close()

	info := holderInfo{Hostname: hostname, PID: os.Getpid(), Timestamp: time.Now().UTC().UnixNano()}
	b, err := json.Marshal(info)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		return err
	}
	m.tmpPath = f.Name()
	return nil
}

func (m *Mutex) removeTempFile() {
	if m.tmpPath == "" {
		return
	}
	_ = os.Remove(m.tmpPath)
	m.tmpPath = ""
}

// tryBreakStaleLock is best-effort: any error reading or unlinking the
// current holder's descriptor is swallowed, since a racing breaker or a
// holder releasing concurrently is benign and the next retry iteration
// re-observes the true state.
func (m *Mutex) tryBreakStaleLock() {
	data, err := os.ReadFile(m.lockPath)
	if err != nil {
		return
	}
	var info holderInfo
	if err := json.Unmarshal(data, &info); err != nil {
		return
	}
	age := time.Since(time.Unix(0, info.Timestamp))
	if age > m.opts.StaleTimeout {
		m.opts.Logger.Debug("lock: breaking stale holder", map[string]any{
			"lock_path":  m.lockPath,
			"holder":     info.Hostname,
			"age_ms":     age.Milliseconds(),
		})
		_ = os.Remove(m.lockPath)
	}
}
