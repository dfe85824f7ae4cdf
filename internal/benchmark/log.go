package benchmark

import (
	"bytes"
	"cmp"
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

var Header = []string{
	"timestamp", "device", "processes", "threads",
	"total_time", "avg_time_per_image", "success", "errors", "images_count",
}

const legacyTimestamp = "2006-01-02 15:04:05"

func encodeRecord(r model.BenchmarkRecord) []string {
	return []string{
		r.Timestamp.UTC().Format(time.RFC3339),
		r.Device,
		strconv.Itoa(r.Processes),
		strconv.Itoa(r.Threads),
		strconv.FormatFloat(r.TotalTime, 'f', 4, 64),
		strconv.FormatFloat(r.AvgTime, 'f', 4, 64),
		strconv.Itoa(r.Success),
		strconv.Itoa(r.Errors),
		strconv.Itoa(r.ImagesCount),
	}
}

func decodeRecord(rec []string) (model.BenchmarkRecord, error) {
	if len(rec) != len(Header) {
		return model.BenchmarkRecord{}, fmt.Errorf("expected %d columns, got %d", len(Header), len(rec))
	}
	var r model.BenchmarkRecord
	ts, err := time.Parse(time.RFC3339, rec[0])
	if err != nil {
		if ts, err = time.ParseInLocation(legacyTimestamp, rec[0], time.Local); err != nil {
			return r, fmt.Errorf("timestamp %q: %w", rec[0], err)
		}
	}
	r.Timestamp = ts
	r.Device = strings.TrimSpace(rec[1])
	ints := []*int{&r.Processes, &r.Threads}
	for i, dst := range ints {
		if *dst, err = strconv.Atoi(rec[2+i]); err != nil {
			return r, fmt.Errorf("%s %q: %w", Header[2+i], rec[2+i], err)
		}
	}
	if r.TotalTime, err = strconv.ParseFloat(rec[4], 64); err != nil {
		return r, fmt.Errorf("total_time %q: %w", rec[4], err)
	}
	if r.AvgTime, err = strconv.ParseFloat(rec[5], 64); err != nil {
		return r, fmt.Errorf("avg_time_per_image %q: %w", rec[5], err)
	}
	counts := []*int{&r.Success, &r.Errors, &r.ImagesCount}
	for i, dst := range counts {
		if *dst, err = strconv.Atoi(rec[6+i]); err != nil {
			return r, fmt.Errorf("%s %q: %w", Header[6+i], rec[6+i], err)
		}
	}
	if r.Device == "" || r.Processes <= 0 || r.Threads <= 0 {
		return r, fmt.Errorf("incomplete combination %v", rec[1:4])
	}
	return r, nil
}

// LoadLog reads the benchmark log. A missing file is an empty log. A last row without a
// line ending was cut by an interrupted append and is left out; any other malformed row
// is an error, because skipping it would re-run or forget a combination.
func LoadLog(path string) ([]model.BenchmarkRecord, error) {
	recs, _, err := readLog(path)
	return recs, err
}

// readLog is LoadLog that also reports whether an unterminated last row was dropped.
func readLog(path string) ([]model.BenchmarkRecord, bool, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("open benchmark log %s: %w", path, err)
	}
	torn := false
	if n := len(data); n > 0 && data[n-1] != '\n' {
		data = data[:bytes.LastIndexByte(data, '\n')+1]
		torn = true
	}

	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	var out []model.BenchmarkRecord
	for line := 1; ; line++ {
		rec, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, false, fmt.Errorf("benchmark log %s: %w", path, err)
		}
		if line == 1 && len(rec) > 0 && rec[0] == Header[0] {
			continue
		}
		if len(rec) == 1 && strings.TrimSpace(rec[0]) == "" {
			continue
		}
		br, err := decodeRecord(rec)
		if err != nil {
			return nil, false, fmt.Errorf("benchmark log %s line %d: %w", path, line, err)
		}
		out = append(out, br)
	}
	return out, torn, nil
}

// AppendRecord adds one row and syncs it, writing the header into a new file.
func AppendRecord(path string, rec model.BenchmarkRecord) error {
	if err := runstore.Mkdir(filepath.Dir(path)); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open benchmark log %s: %w", path, err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("stat benchmark log %s: %w", path, err)
	}

	w := csv.NewWriter(f)
	if info.Size() == 0 {
		if err := w.Write(Header); err != nil {
			return err
		}
	}
	if err := w.Write(encodeRecord(rec)); err != nil {
		return err
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("append benchmark record: %w", err)
	}
	return f.Sync()
}

// SortRecords orders rows by device, then threads, then processes.
func SortRecords(recs []model.BenchmarkRecord) {
	slices.SortStableFunc(recs, func(a, b model.BenchmarkRecord) int {
		return cmp.Or(
			cmp.Compare(a.Device, b.Device),
			cmp.Compare(a.Threads, b.Threads),
			cmp.Compare(a.Processes, b.Processes),
		)
	})
}

// WriteLog atomically replaces the log with recs in sorted order.
func WriteLog(path string, recs []model.BenchmarkRecord) error {
	sorted := slices.Clone(recs)
	SortRecords(sorted)

	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(Header); err != nil {
		return err
	}
	for _, r := range sorted {
		if err := w.Write(encodeRecord(r)); err != nil {
			return err
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return fmt.Errorf("encode benchmark log: %w", err)
	}
	return runstore.WriteBytes(path, buf.Bytes())
}

// Best returns the fastest viable record. Ties keep the earlier row.
func Best(recs []model.BenchmarkRecord) (model.BenchmarkRecord, bool) {
	var best model.BenchmarkRecord
	found := false
	for _, r := range recs {
		if !r.Viable() {
			continue
		}
		if !found || r.AvgTime < best.AvgTime {
			best = r
			found = true
		}
	}
	return best, found
}

// LoadBest reads the persisted best configuration. ok is false when none exists yet.
func LoadBest(path string) (cfg model.BestConfig, ok bool, err error) {
	if !runstore.FileExists(path) {
		return model.BestConfig{}, false, nil
	}
	if err := runstore.ReadJSON(path, &cfg); err != nil {
		return model.BestConfig{}, false, err
	}
	return cfg, cfg.Valid(), nil
}

func SaveBest(path string, cfg model.BestConfig) error {
	return runstore.WriteJSON(path, cfg)
}
