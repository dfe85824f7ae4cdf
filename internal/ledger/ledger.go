// Package ledger is the durable record of per-item outcomes.
//
// A Ledger owns one file through a single writer goroutine. Producers hand records to the
// writer over a channel, so concurrent callers never interleave partial rows. Two forms
// are supported: append (only failures and crashes, one row each, never rewritten) and
// compact (every transition, reduced to the latest row per item by periodic atomic
// snapshots of the in-memory map).
package ledger

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"docscale/internal/logging"
	"docscale/internal/model"
)

// ErrClosed is returned by Record and RecordCrash after Close.
var ErrClosed = errors.New("ledger is closed")

const (
	FormatAppend  = "append"
	FormatCompact = "compact"
)

type Options struct {
	Format           string
	AutosaveInterval time.Duration
	WriteAttempts    int
	RetryPause       time.Duration
	Buffer           int
	Clock            clockwork.Clock
	Log              *zap.Logger
}

type request struct {
	entry model.Entry
	flush chan error
}

type Ledger struct {
	path  string
	opts  Options
	clock clockwork.Clock
	log   *zap.Logger

	reqs chan request
	done chan struct{}

	mu     sync.RWMutex
	closed bool

	stateMu  sync.Mutex
	latest   map[string]model.Entry
	written  int
	writeErr error

	// owned by the writer goroutine
	file *os.File
	w    *csv.Writer
}

// Open loads any existing ledger at path and starts the writer.
func Open(path string, opts Options) (*Ledger, error) {
	if opts.Format == "" {
		opts.Format = FormatAppend
	}
	if opts.Format != FormatAppend && opts.Format != FormatCompact {
		return nil, fmt.Errorf("unknown ledger format %q", opts.Format)
	}
	if opts.WriteAttempts <= 0 {
		opts.WriteAttempts = 3
	}
	if opts.RetryPause <= 0 {
		opts.RetryPause = 50 * time.Millisecond
	}
	if opts.Buffer <= 0 {
		opts.Buffer = 256
	}
	if opts.Clock == nil {
		opts.Clock = clockwork.NewRealClock()
	}
	log := logging.OrNop(opts.Log).Named("ledger").With(zap.String("path", path))

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create ledger directory for %s: %w", path, err)
	}

	entries, rowErrs, err := Load(path)
	if err != nil {
		return nil, err
	}
	for _, re := range rowErrs {
		log.Warn("rejected malformed ledger row", zap.Int("line", re.Line), zap.Error(re.Err))
	}

	l := &Ledger{
		path:   path,
		opts:   opts,
		clock:  opts.Clock,
		log:    log,
		reqs:   make(chan request, opts.Buffer),
		done:   make(chan struct{}),
		latest: Latest(entries),
	}

	torn := slices.ContainsFunc(rowErrs, func(re RowError) bool { return errors.Is(re.Err, ErrTornRow) })
	if torn || (opts.Format == FormatCompact && len(rowErrs) > 0) {
		// Rewrite the recovered rows so new appends do not join a half-written line.
		recovered := entries
		if opts.Format == FormatCompact {
			recovered = l.snapshotLocked()
		}
		log.Warn("repairing ledger after interrupted write", zap.Int("rows", len(recovered)))
		if err := WriteAll(path, recovered); err != nil {
			return nil, err
		}
	}

	if err := l.openAppend(); err != nil {
		return nil, err
	}
	go l.run()
	return l, nil
}

func (l *Ledger) Path() string { return l.path }

func (l *Ledger) Format() string { return l.opts.Format }

// Record stores the outcome of one stage. In append form successes are implied and
// not written.
func (l *Ledger) Record(itemID, stage string, success bool, errMsg, fullPath string) error {
	if success && l.opts.Format == FormatAppend {
		return l.checkOpen()
	}
	return l.submit(model.Entry{
		Timestamp: l.clock.Now().UTC(),
		ItemID:    itemID,
		Stage:     stage,
		Success:   success,
		Error:     errMsg,
		FullPath:  fullPath,
	})
}

// RecordCrash stores an unexpected failure under a fresh time-ordered key.
func (l *Ledger) RecordCrash(errMsg, fullPath string) error {
	return l.submit(NewCrashEntry(l.clock.Now(), errMsg, fullPath))
}

// Append forwards an entry produced elsewhere, for example by a worker process.
func (l *Ledger) Append(e model.Entry) error {
	if e.Success && l.opts.Format == FormatAppend {
		return l.checkOpen()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = l.clock.Now().UTC()
	}
	return l.submit(e)
}

// NewCrashEntry builds a crash row keyed by a UUIDv7.
func NewCrashEntry(now time.Time, errMsg, fullPath string) model.Entry {
	id, err := uuid.NewV7()
	if err != nil {
		id = uuid.New()
	}
	return model.Entry{
		Timestamp: now.UTC(),
		ItemID:    "crash-" + id.String(),
		Stage:     model.StageCrash,
		Success:   false,
		Error:     errMsg,
		FullPath:  fullPath,
	}
}

func (l *Ledger) checkOpen() error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	return nil
}

func (l *Ledger) submit(e model.Entry) error {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if l.closed {
		return ErrClosed
	}
	l.reqs <- request{entry: e}
	return nil
}

// Flush blocks until every record submitted before the call is on disk.
func (l *Ledger) Flush() error {
	l.mu.RLock()
	if l.closed {
		l.mu.RUnlock()
		return l.Err()
	}
	reply := make(chan error, 1)
	l.reqs <- request{flush: reply}
	l.mu.RUnlock()
	return <-reply
}

// Close drains pending records, compacts (compact form) and closes the file.
// It is safe to call more than once.
func (l *Ledger) Close() error {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		close(l.reqs)
	}
	l.mu.Unlock()
	<-l.done
	return l.Err()
}

// Err returns the first write error that exhausted its attempts.
func (l *Ledger) Err() error {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.writeErr
}

// Known returns the latest entry recorded for itemID, including entries loaded at open.
func (l *Ledger) Known(itemID string) (model.Entry, bool) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	e, ok := l.latest[itemID]
	return e, ok
}

// Snapshot returns the latest entry per key ordered by time.
func (l *Ledger) Snapshot() []model.Entry {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.snapshotLocked()
}

// Written counts rows appended by this instance.
func (l *Ledger) Written() int {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	return l.written
}

func (l *Ledger) snapshotLocked() []model.Entry {
	out := make([]model.Entry, 0, len(l.latest))
	for _, e := range l.latest {
		out = append(out, e)
	}
	slices.SortFunc(out, func(a, b model.Entry) int {
		if c := a.Timestamp.Compare(b.Timestamp); c != 0 {
			return c
		}
		if a.ItemID < b.ItemID {
			return -1
		}
		if a.ItemID > b.ItemID {
			return 1
		}
		return 0
	})
	return out
}

func (l *Ledger) run() {
	defer close(l.done)

	var tick <-chan time.Time
	if l.opts.Format == FormatCompact && l.opts.AutosaveInterval > 0 {
		ticker := l.clock.NewTicker(l.opts.AutosaveInterval)
		defer ticker.Stop()
		tick = ticker.Chan()
	}

	for {
		select {
		case req, ok := <-l.reqs:
			if !ok {
				l.finish()
				return
			}
			if req.flush != nil {
				req.flush <- l.sync()
				continue
			}
			l.write(req.entry)
		case <-tick:
			l.compact()
		}
	}
}

func (l *Ledger) write(e model.Entry) {
	l.stateMu.Lock()
	l.latest[e.ItemID] = e
	l.stateMu.Unlock()

	var err error
	for attempt := 1; attempt <= l.opts.WriteAttempts; attempt++ {
		if err = l.appendRow(e); err == nil {
			l.stateMu.Lock()
			l.written++
			l.stateMu.Unlock()
			return
		}
		l.log.Warn("ledger append failed",
			zap.Int("attempt", attempt),
			zap.String("item", e.ItemID),
			zap.Error(err),
		)
		if attempt < l.opts.WriteAttempts {
			l.clock.Sleep(l.opts.RetryPause)
			_ = l.reopen()
		}
	}
	l.setErr(fmt.Errorf("append ledger row for %s after %d attempts: %w", e.ItemID, l.opts.WriteAttempts, err))
}

func (l *Ledger) appendRow(e model.Entry) error {
	if l.w == nil {
		return errors.New("ledger file is not open")
	}
	if err := l.w.Write(encodeRow(e)); err != nil {
		return err
	}
	l.w.Flush()
	return l.w.Error()
}

func (l *Ledger) sync() error {
	if l.w != nil {
		l.w.Flush()
		if err := l.w.Error(); err != nil {
			l.setErr(fmt.Errorf("flush ledger %s: %w", l.path, err))
		}
	}
	if l.file != nil {
		if err := l.file.Sync(); err != nil {
			l.setErr(fmt.Errorf("sync ledger %s: %w", l.path, err))
		}
	}
	return l.Err()
}

// compact rewrites the live file from the in-memory map via temp file and rename,
// then reopens the append handle on the new file.
func (l *Ledger) compact() {
	snapshot := l.Snapshot()
	if l.w != nil {
		l.w.Flush()
	}
	var err error
	for attempt := 1; attempt <= l.opts.WriteAttempts; attempt++ {
		if err = WriteAll(l.path, snapshot); err == nil {
			break
		}
		l.log.Warn("ledger compaction failed", zap.Int("attempt", attempt), zap.Error(err))
		if attempt < l.opts.WriteAttempts {
			l.clock.Sleep(l.opts.RetryPause)
		}
	}
	if err != nil {
		l.setErr(fmt.Errorf("compact ledger %s: %w", l.path, err))
	}
	if rerr := l.reopen(); rerr != nil {
		l.setErr(rerr)
	}
	l.log.Debug("ledger compacted", zap.Int("rows", len(snapshot)))
}

func (l *Ledger) finish() {
	if l.opts.Format == FormatCompact {
		l.compact()
	}
	_ = l.sync()
	if l.file != nil {
		if err := l.file.Close(); err != nil {
			l.setErr(fmt.Errorf("close ledger %s: %w", l.path, err))
		}
		l.file = nil
		l.w = nil
	}
}

func (l *Ledger) openAppend() error {
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open ledger %s: %w", l.path, err)
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return fmt.Errorf("stat ledger %s: %w", l.path, err)
	}
	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(Header); err != nil {
			_ = f.Close()
			return fmt.Errorf("write ledger header %s: %w", l.path, err)
		}
		w.Flush()
		if err := w.Error(); err != nil {
			_ = f.Close()
			return fmt.Errorf("write ledger header %s: %w", l.path, err)
		}
	}
	l.file = f
	l.w = w
	return nil
}

func (l *Ledger) reopen() error {
	if l.file != nil {
		_ = l.file.Close()
	}
	l.file = nil
	l.w = nil
	return l.openAppend()
}

func (l *Ledger) setErr(err error) {
	l.stateMu.Lock()
	defer l.stateMu.Unlock()
	if l.writeErr == nil {
		l.writeErr = err
		l.log.Error("ledger write error", zap.Error(err))
	}
}
