// Package discovery enumerates the input tree and checks the local environment.
package discovery

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"docscale/internal/imaging"
	"docscale/internal/model"
)

type ScanOptions struct {
	InputDir         string
	SuperResolvedDir string
	OutputDir        string
	// Exclude lists directories to prune, such as output roots nested under the input.
	Exclude []string
}

// Scan walks InputDir and returns one Item per supported image, sorted by ID. Partial
// downloads and hidden entries are ignored.
func Scan(opts ScanOptions) ([]model.Item, error) {
	root := filepath.Clean(opts.InputDir)
	info, err := os.Stat(root)
	if err != nil {
		return nil, fmt.Errorf("input directory %s: %w", root, err)
	}
	if !info.IsDir() {
		return nil, fmt.Errorf("input directory %s is not a directory", root)
	}

	exclude := map[string]bool{}
	for _, dir := range append([]string{opts.SuperResolvedDir, opts.OutputDir}, opts.Exclude...) {
		if strings.TrimSpace(dir) == "" {
			continue
		}
		if abs, err := filepath.Abs(dir); err == nil {
			exclude[abs] = true
		}
	}

	var items []model.Item
	err = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		name := d.Name()
		if d.IsDir() {
			if path != root && strings.HasPrefix(name, ".") {
				return filepath.SkipDir
			}
			if abs, err := filepath.Abs(path); err == nil && exclude[abs] {
				return filepath.SkipDir
			}
			return nil
		}
		if strings.HasPrefix(name, ".") || isPartial(name) || !imaging.IsSupported(name) {
			return nil
		}
		rel, err := filepath.Rel(root, path)
		if err != nil {
			return err
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		items = append(items, newItem(opts, rel, path, fi.Size()))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan %s: %w", root, err)
	}
	slices.SortFunc(items, func(a, b model.Item) int { return strings.Compare(a.ID, b.ID) })
	return items, nil
}

func newItem(opts ScanOptions, rel, path string, size int64) model.Item {
	group := filepath.ToSlash(filepath.Dir(rel))
	return model.Item{
		ID:                filepath.ToSlash(rel),
		Group:             group,
		SourcePath:        path,
		SuperResolvedPath: filepath.Join(opts.SuperResolvedDir, rel),
		OutputPath:        filepath.Join(opts.OutputDir, rel),
		Size:              size,
	}
}

// Relocate rebuilds the derived paths of items under different output roots.
func Relocate(items []model.Item, superResolvedDir, outputDir string) []model.Item {
	out := make([]model.Item, len(items))
	for i, it := range items {
		rel := filepath.FromSlash(it.ID)
		it.SuperResolvedPath = filepath.Join(superResolvedDir, rel)
		it.OutputPath = filepath.Join(outputDir, rel)
		out[i] = it
	}
	return out
}

func isPartial(name string) bool {
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".tmp") || strings.HasSuffix(lower, ".part") || strings.Contains(lower, ".docscale-tmp-")
}

// Groups returns the distinct groups of items in sorted order.
func Groups(items []model.Item) []string {
	seen := map[string]bool{}
	var out []string
	for _, it := range items {
		if !seen[it.Group] {
			seen[it.Group] = true
			out = append(out, it.Group)
		}
	}
	slices.Sort(out)
	return out
}

// GroupDir is the input folder that holds a group's images.
func GroupDir(inputDir, group string) string {
	return filepath.Join(inputDir, filepath.FromSlash(group))
}

// Pending drops items whose final output already exists.
func Pending(items []model.Item) []model.Item {
	out := make([]model.Item, 0, len(items))
	for _, it := range items {
		if info, err := os.Stat(it.OutputPath); err == nil && !info.IsDir() {
			continue
		}
		out = append(out, it)
	}
	return out
}

// Largest returns the n largest items by size, ties broken by ID.
func Largest(items []model.Item, n int) []model.Item {
	sorted := slices.Clone(items)
	slices.SortStableFunc(sorted, func(a, b model.Item) int {
		if a.Size != b.Size {
			if a.Size > b.Size {
				return -1
			}
			return 1
		}
		return strings.Compare(a.ID, b.ID)
	})
	if n < len(sorted) {
		sorted = sorted[:n]
	}
	return sorted
}
