package cli

import (
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"docscale/internal/logging"
	"docscale/internal/worker"
)

// newWorkerCommand is the child side of the exec launcher: it processes one shard and
// streams its events as JSON lines on stdout.
func newWorkerCommand(a *app) *cobra.Command {
	var specPath string
	cmd := &cobra.Command{
		Use:    "worker",
		Short:  "Process one shard (started by docscale run)",
		Hidden: true,
		Args:   cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			spec, err := worker.ReadSpec(specPath)
			if err != nil {
				return err
			}
			log := logging.New(spec.Logging).With(zap.String("run_id", spec.RunID))
			defer func() { _ = log.Sync() }()

			ctx := cmd.Context()
			sum, err := worker.RunShard(ctx, spec, worker.DefaultDeps(log), worker.NewStreamEmitter(os.Stdout))
			if err != nil {
				return err
			}
			log.Debug("shard finished", zap.Int("shard", spec.Shard), zap.Any("summary", sum))
			return ctx.Err()
		},
	}
	cmd.Flags().StringVar(&specPath, "spec", "", "shard spec written by the parent run")
	_ = cmd.MarkFlagRequired("spec")
	return cmd
}
