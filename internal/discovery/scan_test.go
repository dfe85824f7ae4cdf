package discovery

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"docscale/internal/model"
)

func touch(t *testing.T, path string, size int) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, make([]byte, size), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestScanBuildsItemsPerFolder(t *testing.T) {
	root := t.TempDir()
	in := filepath.Join(root, "input")
	touch(t, filepath.Join(in, "box_b", "002.jpg"), 20)
	touch(t, filepath.Join(in, "box_a", "001.TIF"), 10)
	touch(t, filepath.Join(in, "box_a", "nested", "003.png"), 30)
	touch(t, filepath.Join(in, "box_a", "notes.txt"), 5)
	touch(t, filepath.Join(in, "box_a", "004.png.part"), 5)
	touch(t, filepath.Join(in, ".cache", "005.png"), 5)
	touch(t, filepath.Join(in, "loose.bmp"), 1)

	items, err := Scan(ScanOptions{
		InputDir:         in,
		SuperResolvedDir: filepath.Join(root, "out", "super_resolved", "x2"),
		OutputDir:        filepath.Join(root, "out", "downscaled", "x2"),
	})
	if err != nil {
		t.Fatal(err)
	}

	var ids []string
	for _, it := range items {
		ids = append(ids, it.ID)
	}
	want := []string{"box_a/001.TIF", "box_a/nested/003.png", "box_b/002.jpg", "loose.bmp"}
	if !slices.Equal(ids, want) {
		t.Fatalf("unexpected ids: got %v want %v", ids, want)
	}

	first := items[0]
	if first.Group != "box_a" || first.Size != 10 {
		t.Fatalf("unexpected item: %+v", first)
	}
	if first.OutputPath != filepath.Join(root, "out", "downscaled", "x2", "box_a", "001.TIF") {
		t.Fatalf("unexpected output path %s", first.OutputPath)
	}
	if items[1].Group != "box_a/nested" {
		t.Fatalf("unexpected nested group %s", items[1].Group)
	}
	if items[3].Group != "." {
		t.Fatalf("expected root group '.', got %s", items[3].Group)
	}

	groups := Groups(items)
	if !slices.Equal(groups, []string{".", "box_a", "box_a/nested", "box_b"}) {
		t.Fatalf("unexpected groups %v", groups)
	}
}

func TestScanPrunesOutputRootsInsideInput(t *testing.T) {
	root := t.TempDir()
	touch(t, filepath.Join(root, "a", "1.png"), 1)
	touch(t, filepath.Join(root, "out", "a", "1.png"), 1)

	items, err := Scan(ScanOptions{InputDir: root, SuperResolvedDir: filepath.Join(root, "sr"), OutputDir: filepath.Join(root, "out")})
	if err != nil {
		t.Fatal(err)
	}
	if len(items) != 1 || items[0].ID != "a/1.png" {
		t.Fatalf("expected only the input image, got %+v", items)
	}
}

func TestScanMissingInput(t *testing.T) {
	if _, err := Scan(ScanOptions{InputDir: filepath.Join(t.TempDir(), "missing")}); err == nil {
		t.Fatal("expected error for missing input directory")
	}
}

func TestPendingAndLargest(t *testing.T) {
	root := t.TempDir()
	done := filepath.Join(root, "done.png")
	touch(t, done, 1)
	items := []model.Item{
		{ID: "a", Size: 5, OutputPath: done},
		{ID: "b", Size: 50, OutputPath: filepath.Join(root, "b.png")},
		{ID: "c", Size: 50, OutputPath: filepath.Join(root, "c.png")},
		{ID: "d", Size: 7, OutputPath: filepath.Join(root, "d.png")},
	}
	pending := Pending(items)
	if len(pending) != 3 || pending[0].ID != "b" {
		t.Fatalf("unexpected pending %+v", pending)
	}

	top := Largest(items, 3)
	var ids []string
	for _, it := range top {
		ids = append(ids, it.ID)
	}
	if !slices.Equal(ids, []string{"b", "c", "d"}) {
		t.Fatalf("unexpected largest %v", ids)
	}
	if got := Largest(items, 10); len(got) != 4 {
		t.Fatalf("expected all items, got %d", len(got))
	}
}

func TestRelocate(t *testing.T) {
	items := []model.Item{{ID: "g/1.png", OutputPath: "/old/g/1.png"}}
	moved := Relocate(items, "/bench/sr", "/bench/out")
	if moved[0].OutputPath != filepath.Join("/bench/out", "g", "1.png") {
		t.Fatalf("unexpected output path %s", moved[0].OutputPath)
	}
	if items[0].OutputPath != "/old/g/1.png" {
		t.Fatal("relocate must not modify its input")
	}
}

func TestDoctorReportsMissingBinary(t *testing.T) {
	t.Setenv("PATH", t.TempDir())
	root := t.TempDir()
	res, err := Doctor(DoctorOptions{
		InputDir:   root,
		OutputDir:  filepath.Join(root, "out"),
		ScratchDir: filepath.Join(root, "tmp"),
		LedgerDir:  filepath.Join(root, "logs"),
		Engine:     "exec",
		Binary:     "realesrgan-ncnn-vulkan",
		ModelDir:   root,
	})
	if err != nil {
		t.Fatal(err)
	}
	if res.OK {
		t.Fatal("expected doctor to fail without the binary")
	}
	if res.Checks[0].Name != "dependency:realesrgan-ncnn-vulkan" || res.Checks[0].OK {
		t.Fatalf("unexpected first check %+v", res.Checks[0])
	}
	for _, c := range res.Checks[1:] {
		if !c.OK {
			t.Fatalf("expected %s to pass: %s", c.Name, c.Message)
		}
	}
}
