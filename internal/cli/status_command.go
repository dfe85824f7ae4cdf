package cli

import (
	"cmp"
	"io"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/spf13/cobra"

	"docscale/internal/config"
	"docscale/internal/discovery"
	"docscale/internal/ledger"
	"docscale/internal/model"
	"docscale/internal/runstore"
)

const recentFailureLimit = 10

type statusReport struct {
	Discovered      int                  `json:"discovered"`
	Completed       int                  `json:"completed"`
	Pending         int                  `json:"pending"`
	OpenFailures    int                  `json:"open_failures"`
	FailuresByStage map[string]int       `json:"failures_by_stage,omitempty"`
	Crashes         int                  `json:"crashes"`
	RecentFailures  []model.Entry        `json:"recent_failures,omitempty"`
	RejectedRows    int                  `json:"rejected_ledger_rows,omitempty"`
	LedgerPath      string               `json:"ledger_path"`
	LastRun         *runstore.RunSummary `json:"last_run,omitempty"`
}

func newStatusCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Summarise finished and pending images and the failures still open",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(nil)
			if err != nil {
				return err
			}
			report, err := buildStatus(cfg)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(a.stdout, report)
			}
			writeStatus(a.stdout, report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

// buildStatus joins the ledger with the input tree. A failure counts as open while the
// item it belongs to still has no final output; crash rows are matched by path.
func buildStatus(cfg *config.Config) (statusReport, error) {
	items, err := discovery.Scan(discovery.ScanOptions{
		InputDir:         cfg.Paths.InputDir,
		SuperResolvedDir: cfg.SuperResolvedDir(),
		OutputDir:        cfg.DownscaledDir(),
		Exclude:          []string{cfg.Paths.OutputDir, cfg.Paths.ScratchDir},
	})
	if err != nil {
		return statusReport{}, err
	}
	pending := discovery.Pending(items)
	r := statusReport{
		Discovered: len(items),
		Pending:    len(pending),
		Completed:  len(items) - len(pending),
		LedgerPath: cfg.Paths.LedgerPath,
	}

	entries, rowErrs, err := ledger.LoadAll(cfg.Paths.LedgerPath)
	if err != nil {
		return statusReport{}, err
	}
	r.RejectedRows = len(rowErrs)

	open := map[string]bool{}
	byPath := map[string]bool{}
	for _, it := range pending {
		open[it.ID] = true
		byPath[filepath.Clean(it.SourcePath)] = true
	}

	var failures []model.Entry
	for _, e := range ledger.Latest(entries) {
		if e.Success {
			continue
		}
		if e.IsCrash() {
			if e.FullPath != "" && byPath[filepath.Clean(e.FullPath)] {
				r.Crashes++
				failures = append(failures, e)
			}
			continue
		}
		if open[e.ItemID] {
			failures = append(failures, e)
		}
	}
	r.OpenFailures = len(failures)
	if len(failures) > 0 {
		r.FailuresByStage = map[string]int{}
		for _, e := range failures {
			r.FailuresByStage[e.Stage]++
		}
		slices.SortFunc(failures, func(a, b model.Entry) int {
			return cmp.Or(b.Timestamp.Compare(a.Timestamp), cmp.Compare(a.ItemID, b.ItemID))
		})
		r.RecentFailures = failures[:min(recentFailureLimit, len(failures))]
	}

	if last, err := runstore.LoadRunSummary(cfg.Paths.OutputDir); err == nil {
		r.LastRun = &last
	}
	return r, nil
}

func writeStatus(w io.Writer, r statusReport) {
	bold := lipgloss.NewStyle().Bold(true)
	fprintf(w, "%s  discovered %d  completed %d  pending %d\n", bold.Render("images"), r.Discovered, r.Completed, r.Pending)
	fprintf(w, "%s  open failures %d  crashes %d\n", bold.Render("ledger"), r.OpenFailures, r.Crashes)
	if r.RejectedRows > 0 {
		fprintf(w, "  %d malformed ledger rows were rejected\n", r.RejectedRows)
	}

	if len(r.FailuresByStage) > 0 {
		stages := append(model.Stages(), model.StageCrash)
		rows := [][]string{}
		for _, s := range stages {
			if n := r.FailuresByStage[s]; n > 0 {
				rows = append(rows, []string{s, strconv.Itoa(n)})
			}
		}
		fprintf(w, "%s\n", table.New().Border(lipgloss.NormalBorder()).Headers("STAGE", "FAILED").Rows(rows...).String())
	}
	if len(r.RecentFailures) > 0 {
		rows := make([][]string, 0, len(r.RecentFailures))
		for _, e := range r.RecentFailures {
			rows = append(rows, []string{e.Timestamp.Local().Format("2006-01-02 15:04"), e.Subject(), e.Stage, truncate(e.Error, 60)})
		}
		fprintf(w, "recent failures\n%s\n", table.New().Border(lipgloss.NormalBorder()).Headers("WHEN", "IMAGE", "STAGE", "ERROR").Rows(rows...).String())
	}
	if r.LastRun != nil {
		lr := r.LastRun
		fprintf(w, "%s  %s  started %s  %s p%d t%d  succeeded %d  failed %d\n",
			bold.Render("last run"), lr.RunID, lr.StartedAt, lr.Device, lr.Processes, lr.Threads, lr.Succeeded, lr.Failed)
		if lr.Error != "" {
			fprintf(w, "  ended with error: %s\n", lr.Error)
		}
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-1]) + "…"
}
