package model

import (
	"fmt"
	"strings"
	"time"
)

// Item is one discovered input image plus the derived output paths of each stage.
type Item struct {
	ID                string `json:"id"`
	Group             string `json:"group"`
	SourcePath        string `json:"source_path"`
	SuperResolvedPath string `json:"super_resolved_path"`
	OutputPath        string `json:"output_path"`
	Size              int64  `json:"size"`
}

// Entry is one ledger row.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	ItemID    string    `json:"item"`
	Stage     string    `json:"stage"`
	Success   bool      `json:"status"`
	Error     string    `json:"error,omitempty"`
	FullPath  string    `json:"full_path,omitempty"`
}

// IsCrash reports whether the entry was written by RecordCrash.
func (e Entry) IsCrash() bool {
	return e.Stage == StageCrash
}

// Subject is the path an entry is about, falling back to the item id.
func (e Entry) Subject() string {
	if strings.TrimSpace(e.FullPath) != "" {
		return e.FullPath
	}
	return e.ItemID
}

type BenchmarkKey struct {
	Device    string
	Processes int
	Threads   int
}

func (k BenchmarkKey) String() string {
	return fmt.Sprintf("%s_p%d_t%d", k.Device, k.Processes, k.Threads)
}

// BenchmarkRecord is one executed grid cell of the benchmark search.
type BenchmarkRecord struct {
	Timestamp   time.Time `json:"timestamp"`
	Device      string    `json:"device"`
	Processes   int       `json:"processes"`
	Threads     int       `json:"threads"`
	TotalTime   float64   `json:"total_time"`
	AvgTime     float64   `json:"avg_time_per_image"`
	Success     int       `json:"success"`
	Errors      int       `json:"errors"`
	ImagesCount int       `json:"images_count"`
}

func (r BenchmarkRecord) Key() BenchmarkKey {
	return BenchmarkKey{Device: r.Device, Processes: r.Processes, Threads: r.Threads}
}

// Viable reports whether every sampled image went through cleanly.
func (r BenchmarkRecord) Viable() bool {
	return r.ImagesCount > 0 && r.Errors == 0 && r.Success == r.ImagesCount
}

// BestConfig is the persisted fastest viable execution shape.
type BestConfig struct {
	Device    string  `json:"device"`
	Processes int     `json:"processes"`
	Threads   int     `json:"threads"`
	AvgTime   float64 `json:"avg_time_per_image,omitempty"`
	UpdatedAt string  `json:"updated_at,omitempty"`
}

func (b BestConfig) Valid() bool {
	return strings.TrimSpace(b.Device) != "" && b.Processes > 0 && b.Threads > 0
}

const (
	DeviceGPU = "gpu"
	DeviceCPU = "cpu"
)
