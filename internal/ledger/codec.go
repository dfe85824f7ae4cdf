package ledger

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"time"

	"docscale/internal/model"
	"docscale/internal/runstore"
)

// Header is the fixed column layout of every ledger file.
var Header = []string{"timestamp", "item", "stage", "status", "error", "full_path"}

// legacyTimestamp is accepted on load for ledgers written by older tooling.
const legacyTimestamp = "2006-01-02 15:04:05"

// RowError describes a ledger row that was rejected on load.
type RowError struct {
	Path string
	Line int
	Err  error
}

func (e RowError) Error() string {
	return fmt.Sprintf("%s:%d: %v", e.Path, e.Line, e.Err)
}

func (e RowError) Unwrap() error { return e.Err }

// ErrTornRow rejects a last row that has no line ending.
var ErrTornRow = errors.New("row cut off by an interrupted write")

func encodeRow(e model.Entry) []string {
	return []string{
		e.Timestamp.UTC().Format(time.RFC3339Nano),
		e.ItemID,
		e.Stage,
		strconv.FormatBool(e.Success),
		e.Error,
		e.FullPath,
	}
}

func decodeRow(rec []string) (model.Entry, error) {
	if len(rec) != len(Header) {
		return model.Entry{}, fmt.Errorf("expected %d columns, got %d", len(Header), len(rec))
	}
	ts, err := parseTimestamp(rec[0])
	if err != nil {
		return model.Entry{}, err
	}
	if strings.TrimSpace(rec[1]) == "" {
		return model.Entry{}, errors.New("empty item identifier")
	}
	if strings.TrimSpace(rec[2]) == "" {
		return model.Entry{}, errors.New("empty stage")
	}
	status, err := strconv.ParseBool(strings.TrimSpace(rec[3]))
	if err != nil {
		return model.Entry{}, fmt.Errorf("invalid status %q", rec[3])
	}
	return model.Entry{
		Timestamp: ts,
		ItemID:    rec[1],
		Stage:     rec[2],
		Success:   status,
		Error:     rec[4],
		FullPath:  rec[5],
	}, nil
}

func parseTimestamp(raw string) (time.Time, error) {
	raw = strings.TrimSpace(raw)
	if ts, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return ts.UTC(), nil
	}
	if ts, err := time.ParseInLocation(legacyTimestamp, raw, time.Local); err == nil {
		return ts.UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
}

func isHeader(rec []string) bool {
	return slices.Equal(rec, Header)
}

// Load reads a ledger file. A missing file yields no entries. Malformed rows are
// returned as RowErrors and excluded from the entries.
func Load(path string) ([]model.Entry, []RowError, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil, nil
		}
		return nil, nil, fmt.Errorf("open ledger %s: %w", path, err)
	}
	complete, tail := splitTornTail(data)
	entries, rowErrs, err := decodeAll(path, bytes.NewReader(complete))
	if err != nil {
		return nil, nil, err
	}
	if len(tail) > 0 {
		line := bytes.Count(complete, []byte("\n")) + 1
		rowErrs = append(rowErrs, RowError{Path: path, Line: line, Err: ErrTornRow})
	}
	return entries, rowErrs, nil
}

// splitTornTail separates a final line without a line ending from the rows before it.
// Such a line was cut by an interrupted write and may still parse into a full row.
func splitTornTail(data []byte) (complete, tail []byte) {
	if len(data) == 0 || data[len(data)-1] == '\n' {
		return data, nil
	}
	i := bytes.LastIndexByte(data, '\n')
	return data[:i+1], data[i+1:]
}

func decodeAll(path string, src io.Reader) ([]model.Entry, []RowError, error) {
	r := csv.NewReader(src)
	r.FieldsPerRecord = -1

	var entries []model.Entry
	var rowErrs []RowError
	first := true
	for {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		var parseErr *csv.ParseError
		if errors.As(err, &parseErr) {
			rowErrs = append(rowErrs, RowError{Path: path, Line: parseErr.StartLine, Err: parseErr.Err})
			continue
		}
		if err != nil {
			return nil, nil, fmt.Errorf("read ledger %s: %w", path, err)
		}
		line, _ := r.FieldPos(0)
		if first {
			first = false
			if isHeader(rec) {
				continue
			}
		}
		entry, err := decodeRow(rec)
		if err != nil {
			rowErrs = append(rowErrs, RowError{Path: path, Line: line, Err: err})
			continue
		}
		entries = append(entries, entry)
	}
	return entries, rowErrs, nil
}

// ShardPath is the per-process ledger file used by shard n in per-process sharing.
func ShardPath(path string, shard int) string {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	return fmt.Sprintf("%s_shard%d%s", stem, shard, ext)
}

// Siblings lists the per-process ledger files that belong to path.
func Siblings(path string) ([]string, error) {
	ext := filepath.Ext(path)
	stem := strings.TrimSuffix(path, ext)
	matches, err := filepath.Glob(stem + "_shard*" + ext)
	if err != nil {
		return nil, fmt.Errorf("glob ledger siblings of %s: %w", path, err)
	}
	slices.Sort(matches)
	return matches, nil
}

// LoadAll reads the main ledger and all of its per-process siblings.
func LoadAll(path string) ([]model.Entry, []RowError, error) {
	paths := []string{path}
	siblings, err := Siblings(path)
	if err != nil {
		return nil, nil, err
	}
	paths = append(paths, siblings...)

	var entries []model.Entry
	var rowErrs []RowError
	for _, p := range paths {
		e, re, err := Load(p)
		if err != nil {
			return nil, nil, err
		}
		entries = append(entries, e...)
		rowErrs = append(rowErrs, re...)
	}
	slices.SortStableFunc(entries, func(a, b model.Entry) int {
		return a.Timestamp.Compare(b.Timestamp)
	})
	return entries, rowErrs, nil
}

func encodeAll(entries []model.Entry) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Header); err != nil {
		return nil, err
	}
	for _, e := range entries {
		if err := w.Write(encodeRow(e)); err != nil {
			return nil, err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// WriteAll atomically replaces path with the given entries.
func WriteAll(path string, entries []model.Entry) error {
	data, err := encodeAll(entries)
	if err != nil {
		return fmt.Errorf("encode ledger %s: %w", path, err)
	}
	return runstore.WriteBytes(path, data)
}

// Latest reduces entries to the most recent one per item identifier.
func Latest(entries []model.Entry) map[string]model.Entry {
	out := make(map[string]model.Entry, len(entries))
	for _, e := range entries {
		prev, ok := out[e.ItemID]
		if !ok || !e.Timestamp.Before(prev.Timestamp) {
			out[e.ItemID] = e
		}
	}
	return out
}

// Since returns the entries written at or after t.
func Since(entries []model.Entry, t time.Time) []model.Entry {
	out := make([]model.Entry, 0, len(entries))
	for _, e := range entries {
		if !e.Timestamp.Before(t) {
			out = append(out, e)
		}
	}
	return out
}

// Failures returns the failed and crash entries written at or after since.
func Failures(entries []model.Entry, since time.Time) []model.Entry {
	var out []model.Entry
	for _, e := range Since(entries, since) {
		if !e.Success {
			out = append(out, e)
		}
	}
	return out
}
