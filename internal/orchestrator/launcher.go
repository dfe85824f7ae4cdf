package orchestrator

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"time"

	"go.uber.org/zap"

	"docscale/internal/logging"
	"docscale/internal/worker"
)

// Launcher runs one shard and reports its events through handle, which may be called
// from several goroutines at once.
type Launcher interface {
	Launch(ctx context.Context, spec worker.ShardSpec, specPath string, handle func(worker.Event)) error
}

const defaultGracePeriod = 10 * time.Second

// ExecLauncher runs each shard in a child process: the same binary re-executed with the
// hidden worker command. The child's stdout carries JSON events; its stderr is passed through.
type ExecLauncher struct {
	// Executable defaults to the running binary.
	Executable string
	// Args precede "--spec <path>", normally just "worker".
	Args []string
	// GracePeriod is how long a canceled child may take to stop after SIGINT before it is killed.
	GracePeriod time.Duration
	Stderr      io.Writer
	Log         *zap.Logger
}

func (l ExecLauncher) Launch(ctx context.Context, spec worker.ShardSpec, specPath string, handle func(worker.Event)) error {
	log := logging.OrNop(l.Log).Named("launcher").With(zap.Int("shard", spec.Shard))
	exe := l.Executable
	if exe == "" {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve worker executable: %w", err)
		}
		exe = self
	}
	args := l.Args
	if len(args) == 0 {
		args = []string{"worker"}
	}
	args = append(append([]string{}, args...), "--spec", specPath)

	cmd := exec.CommandContext(ctx, exe, args...)
	cmd.Cancel = func() error {
		return cmd.Process.Signal(os.Interrupt)
	}
	cmd.WaitDelay = l.GracePeriod
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = defaultGracePeriod
	}
	cmd.Stderr = l.Stderr
	if cmd.Stderr == nil {
		cmd.Stderr = os.Stderr
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("shard %d: stdout pipe: %w", spec.Shard, err)
	}
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("shard %d: start worker: %w", spec.Shard, err)
	}
	log.Debug("worker started", zap.Int("pid", cmd.Process.Pid), zap.Int("items", len(spec.Items)))

	var fatal string
	sc := bufio.NewScanner(stdout)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		line := sc.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev worker.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			log.Warn("ignoring non-event worker output", zap.ByteString("line", line))
			continue
		}
		if ev.Type == worker.EventFatal {
			fatal = ev.Error
		}
		handle(ev)
	}
	scanErr := sc.Err()
	waitErr := cmd.Wait()

	if ctx.Err() != nil {
		return ctx.Err()
	}
	if fatal != "" {
		return fmt.Errorf("shard %d: %s", spec.Shard, fatal)
	}
	if waitErr != nil {
		return fmt.Errorf("shard %d: worker exited: %w", spec.Shard, waitErr)
	}
	if scanErr != nil {
		return fmt.Errorf("shard %d: read worker events: %w", spec.Shard, scanErr)
	}
	return nil
}

// InProcessLauncher runs shards as goroutines of the current process.
type InProcessLauncher struct {
	Deps worker.Deps
}

func (l InProcessLauncher) Launch(ctx context.Context, spec worker.ShardSpec, _ string, handle func(worker.Event)) error {
	_, err := worker.RunShard(ctx, spec, l.Deps, worker.FuncEmitter(func(ev worker.Event) error {
		handle(ev)
		return nil
	}))
	if err != nil {
		return fmt.Errorf("shard %d: %w", spec.Shard, err)
	}
	return nil
}
