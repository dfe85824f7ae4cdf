// Package progress renders the live state of a processing run.
package progress

import (
	"fmt"
	"io"
	"math"
	"os"
	"strings"
	"time"
)

// Snapshot is the aggregated state of a run at one moment.
type Snapshot struct {
	Label     string
	Total     int
	Done      int
	Completed int
	Skipped   int
	Failed    int
	Shards    int
	Elapsed   time.Duration
	// P50 and P95 are per-item latencies of processed (not skipped) items.
	P50 time.Duration
	P95 time.Duration
}

func (s Snapshot) Fraction() float64 {
	if s.Total <= 0 {
		return 1
	}
	return math.Min(1, float64(s.Done)/float64(s.Total))
}

// ETA extrapolates the remaining time from the pace so far.
func (s Snapshot) ETA() string {
	if s.Done <= 0 || s.Total <= s.Done || s.Elapsed <= 0 {
		if s.Total > 0 && s.Done >= s.Total {
			return "0m"
		}
		return ""
	}
	perItem := s.Elapsed.Seconds() / float64(s.Done)
	return formatETASeconds(perItem * float64(s.Total-s.Done))
}

type Reporter interface {
	Start()
	Update(Snapshot)
	Stop(final string)
}

const (
	ModeAuto  = "auto"
	ModeTUI   = "tui"
	ModeLines = "lines"
	ModeNone  = "none"
)

// New picks a reporter for mode. Auto chooses the interactive view on a terminal and
// plain lines otherwise.
func New(mode string, w io.Writer) (Reporter, error) {
	switch strings.ToLower(strings.TrimSpace(mode)) {
	case "", ModeAuto:
		if isTerminal(w) {
			return NewTUI(w), nil
		}
		return NewLines(w), nil
	case ModeTUI:
		return NewTUI(w), nil
	case ModeLines:
		return NewLines(w), nil
	case ModeNone:
		return Nop{}, nil
	default:
		return nil, fmt.Errorf("invalid progress mode %q (expected auto, tui, lines or none)", mode)
	}
}

func isTerminal(w io.Writer) bool {
	f, ok := w.(*os.File)
	if !ok {
		return false
	}
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return info.Mode()&os.ModeCharDevice != 0
}

type Nop struct{}

func (Nop) Start()          {}
func (Nop) Update(Snapshot) {}
func (Nop) Stop(string)     {}

func summaryLine(s Snapshot) string {
	parts := []string{fmt.Sprintf("[%d/%d]", s.Done, s.Total)}
	if s.Label != "" {
		parts = append(parts, s.Label)
	}
	parts = append(parts, fmt.Sprintf("completed %d", s.Completed))
	if s.Skipped > 0 {
		parts = append(parts, fmt.Sprintf("skipped %d", s.Skipped))
	}
	if s.Failed > 0 {
		parts = append(parts, fmt.Sprintf("failed %d", s.Failed))
	}
	if s.Shards > 0 {
		parts = append(parts, fmt.Sprintf("shards %d", s.Shards))
	}
	if s.P50 > 0 {
		parts = append(parts, fmt.Sprintf("p50 %s p95 %s", s.P50.Round(time.Millisecond), s.P95.Round(time.Millisecond)))
	}
	if eta := s.ETA(); eta != "" {
		parts = append(parts, "eta ~ "+eta)
	}
	return strings.Join(parts, "  ")
}

func formatETASeconds(seconds float64) string {
	if seconds <= 0 {
		return ""
	}
	secs := int64(math.Round(seconds))
	if secs < 60 {
		return "<1m"
	}
	minutes := secs / 60
	if minutes < 60 {
		return fmt.Sprintf("%dm", minutes)
	}
	hours := minutes / 60
	remMinutes := minutes % 60
	if hours < 24 {
		if remMinutes == 0 {
			return fmt.Sprintf("%dh", hours)
		}
		return fmt.Sprintf("%dh %dm", hours, remMinutes)
	}
	days := hours / 24
	remHours := hours % 24
	if remHours == 0 {
		return fmt.Sprintf("%dd", days)
	}
	return fmt.Sprintf("%dd %dh", days, remHours)
}
