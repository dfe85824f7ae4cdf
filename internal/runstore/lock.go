package runstore

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

const (
	runLockDirName   = ".docscale.lock"
	runLockOwnerFile = "owner.json"
)

// ErrLocked is returned when another live process holds the lock.
var ErrLocked = errors.New("directory is locked")

type RunLock struct {
	lockDir string
}

type runLockOwner struct {
	PID       int    `json:"pid"`
	CreatedAt string `json:"created_at"`
	Hostname  string `json:"hostname,omitempty"`
	RunID     string `json:"run_id,omitempty"`
}

// AcquireRunLock takes an exclusive lock on dir. A lock left behind by a process that
// no longer exists on this host is reclaimed.
func AcquireRunLock(dir, runID string) (RunLock, error) {
	target := strings.TrimSpace(dir)
	if target == "" {
		return RunLock{}, fmt.Errorf("lock directory is required")
	}
	if err := Mkdir(target); err != nil {
		return RunLock{}, err
	}

	lockDir := filepath.Join(target, runLockDirName)
	ownerPath := filepath.Join(lockDir, runLockOwnerFile)
	for attempt := 0; attempt < 2; attempt++ {
		err := os.Mkdir(lockDir, 0o755)
		if err == nil {
			break
		}
		if !os.IsExist(err) {
			return RunLock{}, fmt.Errorf("acquire run lock for %s: %w", target, err)
		}
		var owner runLockOwner
		readErr := ReadJSON(ownerPath, &owner)
		if readErr == nil && owner.PID > 0 && ownerIsStale(owner) && attempt == 0 {
			_ = os.Remove(ownerPath)
			_ = os.Remove(lockDir)
			continue
		}
		if readErr == nil && owner.PID > 0 && owner.CreatedAt != "" {
			return RunLock{}, fmt.Errorf(
				"%w: %s (pid=%d created_at=%s host=%s)",
				ErrLocked, target, owner.PID, owner.CreatedAt, owner.Hostname,
			)
		}
		return RunLock{}, fmt.Errorf("%w: %s", ErrLocked, target)
	}

	owner := runLockOwner{
		PID:       os.Getpid(),
		CreatedAt: time.Now().UTC().Format(time.RFC3339),
		Hostname:  hostnameOrUnknown(),
		RunID:     runID,
	}
	if err := WriteJSON(ownerPath, owner); err != nil {
		_ = os.Remove(lockDir)
		return RunLock{}, fmt.Errorf("write run lock owner for %s: %w", target, err)
	}

	return RunLock{lockDir: lockDir}, nil
}

func (l RunLock) Release() error {
	if strings.TrimSpace(l.lockDir) == "" {
		return nil
	}
	_ = os.Remove(filepath.Join(l.lockDir, runLockOwnerFile))
	if err := os.Remove(l.lockDir); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("release run lock %s: %w", l.lockDir, err)
	}
	return nil
}

func ownerIsStale(owner runLockOwner) bool {
	if owner.Hostname != hostnameOrUnknown() {
		return false
	}
	if owner.PID == os.Getpid() {
		return false
	}
	proc, err := os.FindProcess(owner.PID)
	if err != nil {
		return true
	}
	err = proc.Signal(syscall.Signal(0))
	return errors.Is(err, os.ErrProcessDone) || errors.Is(err, syscall.ESRCH)
}

func hostnameOrUnknown() string {
	host, err := os.Hostname()
	if err != nil {
		return "unknown"
	}
	host = strings.TrimSpace(host)
	if host == "" {
		return "unknown"
	}
	return host
}
