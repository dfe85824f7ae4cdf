package cli

import (
	"errors"
	"path/filepath"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"docscale/internal/discovery"
)

var errDoctorFailed = errors.New("one or more checks failed")

func newDoctorCommand(a *app) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Check directories and the super-resolution engine before a run",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			cfg, err := a.loadConfig(nil)
			if err != nil {
				return err
			}
			res, err := discovery.Doctor(discovery.DoctorOptions{
				InputDir:   cfg.Paths.InputDir,
				OutputDir:  cfg.Paths.OutputDir,
				ScratchDir: cfg.Paths.ScratchDir,
				LedgerDir:  filepath.Dir(cfg.Paths.LedgerPath),
				Engine:     cfg.Model.Engine,
				Binary:     cfg.Model.Binary,
				ModelDir:   cfg.Model.Dir,
			})
			if err != nil {
				return err
			}
			if asJSON {
				if err := printJSON(a.stdout, res); err != nil {
					return err
				}
			} else {
				pass := lipgloss.NewStyle().Foreground(lipgloss.Color("42"))
				fail := lipgloss.NewStyle().Foreground(lipgloss.Color("203"))
				for _, c := range res.Checks {
					mark := pass.Render("ok  ")
					if !c.OK {
						mark = fail.Render("FAIL")
					}
					fprintf(a.stdout, "%s %-22s %s\n", mark, c.Name, c.Message)
				}
			}
			if !res.OK {
				return errDoctorFailed
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}
