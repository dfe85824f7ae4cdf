package runstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// RunSummary is written to the output root after every orchestrated run.
type RunSummary struct {
	RunID       string         `json:"run_id"`
	StartedAt   string         `json:"started_at"`
	FinishedAt  string         `json:"finished_at,omitempty"`
	Attempt     int            `json:"attempt,omitempty"`
	Processes   int            `json:"processes"`
	Threads     int            `json:"threads"`
	Device      string         `json:"device"`
	Discovered  int            `json:"discovered"`
	AlreadyDone int            `json:"already_done"`
	Pending     int            `json:"pending"`
	Succeeded   int            `json:"succeeded"`
	Failed      int            `json:"failed"`
	Groups      map[string]int `json:"failed_by_group,omitempty"`
	LedgerPath  string         `json:"ledger_path"`
	Error       string         `json:"error,omitempty"`
}

func Mkdir(path string) error {
	if err := os.MkdirAll(path, 0o755); err != nil {
		return fmt.Errorf("create directory %s: %w", path, err)
	}
	return nil
}

// FileExists reports whether path names an existing regular file.
func FileExists(path string) bool {
	info, err := os.Stat(path)
	if err != nil {
		return false
	}
	return info.Mode().IsRegular()
}

// WriteBytes replaces path atomically: readers see the old or the new content, never a mix.
func WriteBytes(path string, data []byte) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create parent for %s: %w", path, err)
	}

	tmp, err := os.CreateTemp(dir, ".docscale-tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file for %s: %w", path, err)
	}
	tmpPath := tmp.Name()
	cleanup := func() {
		_ = os.Remove(tmpPath)
	}

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("write temp file for %s: %w", path, err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("sync temp file for %s: %w", path, err)
	}
	if err := tmp.Chmod(0o644); err != nil {
		_ = tmp.Close()
		cleanup()
		return fmt.Errorf("chmod temp file for %s: %w", path, err)
	}
	if err := tmp.Close(); err != nil {
		cleanup()
		return fmt.Errorf("close temp file for %s: %w", path, err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		cleanup()
		return fmt.Errorf("atomic rename for %s: %w", path, err)
	}
	return nil
}

func WriteJSON(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON for %s: %w", path, err)
	}
	data = append(data, '\n')
	return WriteBytes(path, data)
}

func ReadJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read file %s: %w", path, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("parse JSON %s: %w", path, err)
	}
	return nil
}

// ListDirs returns the sorted subdirectories of root whose names start with prefix.
func ListDirs(root, prefix string) ([]string, error) {
	entries, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return []string{}, nil
		}
		return nil, fmt.Errorf("read directory %s: %w", root, err)
	}

	dirs := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() && strings.HasPrefix(e.Name(), prefix) {
			dirs = append(dirs, filepath.Join(root, e.Name()))
		}
	}
	sort.Strings(dirs)
	return dirs, nil
}

// RemoveTree deletes path recursively; a missing path is not an error.
func RemoveTree(path string) error {
	if strings.TrimSpace(path) == "" || filepath.Clean(path) == string(filepath.Separator) {
		return fmt.Errorf("refusing to remove %q", path)
	}
	if err := os.RemoveAll(path); err != nil {
		return fmt.Errorf("remove %s: %w", path, err)
	}
	return nil
}

func RunSummaryPath(outputRoot string) string {
	return filepath.Join(outputRoot, "last_run.json")
}

func LoadRunSummary(outputRoot string) (RunSummary, error) {
	var s RunSummary
	if err := ReadJSON(RunSummaryPath(outputRoot), &s); err != nil {
		return RunSummary{}, err
	}
	return s, nil
}

func SaveRunSummary(outputRoot string, s RunSummary) error {
	return WriteJSON(RunSummaryPath(outputRoot), s)
}
