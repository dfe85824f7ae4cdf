package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"docscale/internal/progress"
)

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// changedFlags maps the flags the user actually set to config dot paths.
func changedFlags(cmd *cobra.Command, paths map[string]string) map[string]string {
	out := map[string]string{}
	for flag, path := range paths {
		f := cmd.Flags().Lookup(flag)
		if f != nil && f.Changed {
			out[path] = f.Value.String()
		}
	}
	return out
}

// reporterFactory returns progress reporters drawing on stderr, which keeps stdout for
// command output.
func (a *app) reporterFactory(log *zap.Logger) func() progress.Reporter {
	return func() progress.Reporter {
		r, err := progress.New(a.progress, os.Stderr)
		if err != nil {
			log.Warn("falling back to line progress", zap.Error(err))
			return progress.NewLines(os.Stderr)
		}
		return r
	}
}

func formatSeconds(s float64) string {
	return strconv.FormatFloat(s, 'f', 2, 64) + "s"
}

func formatDuration(d time.Duration) string {
	if d <= 0 {
		return "-"
	}
	if d < time.Second {
		return d.Round(time.Millisecond).String()
	}
	return d.Round(100 * time.Millisecond).String()
}

func fprintf(w io.Writer, format string, args ...any) {
	_, _ = fmt.Fprintf(w, format, args...)
}
