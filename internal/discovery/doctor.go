package discovery

import (
	"os"
	"os/exec"
	"strings"

	"docscale/internal/runstore"
)

type DoctorOptions struct {
	InputDir   string
	OutputDir  string
	ScratchDir string
	LedgerDir  string
	Engine     string
	Binary     string
	ModelDir   string
}

type DoctorResult struct {
	OK     bool          `json:"ok"`
	Checks []DoctorCheck `json:"checks"`
}

type DoctorCheck struct {
	Name    string `json:"name"`
	OK      bool   `json:"ok"`
	Message string `json:"message"`
}

func Doctor(opts DoctorOptions) (DoctorResult, error) {
	checks := make([]DoctorCheck, 0, 6)

	if opts.Engine == "exec" {
		bin := strings.TrimSpace(opts.Binary)
		path, err := exec.LookPath(bin)
		checks = append(checks, DoctorCheck{
			Name:    "dependency:" + bin,
			OK:      err == nil,
			Message: dependencyMessage(err == nil, path, bin),
		})
		modelOK, modelMessage := existingDir(opts.ModelDir)
		checks = append(checks, DoctorCheck{Name: "directory:model", OK: modelOK, Message: modelMessage})
	}

	inputOK, inputMessage := existingDir(opts.InputDir)
	checks = append(checks, DoctorCheck{Name: "directory:input", OK: inputOK, Message: inputMessage})

	for _, d := range []struct{ name, path string }{
		{"directory:output", opts.OutputDir},
		{"directory:scratch", opts.ScratchDir},
		{"directory:ledger", opts.LedgerDir},
	} {
		ok, msg := ensureWritableDir(d.path)
		checks = append(checks, DoctorCheck{Name: d.name, OK: ok, Message: msg})
	}

	ok := true
	for _, c := range checks {
		if !c.OK {
			ok = false
			break
		}
	}
	return DoctorResult{OK: ok, Checks: checks}, nil
}

func dependencyMessage(ok bool, path, name string) string {
	if ok {
		return name + " found at " + path
	}
	return name + " not found on PATH"
}

func existingDir(path string) (bool, string) {
	if strings.TrimSpace(path) == "" {
		return false, "empty path"
	}
	info, err := os.Stat(path)
	if err != nil {
		return false, err.Error()
	}
	if !info.IsDir() {
		return false, "not a directory"
	}
	return true, "exists"
}

func ensureWritableDir(path string) (bool, string) {
	if strings.TrimSpace(path) == "" {
		return false, "empty path"
	}
	if err := runstore.Mkdir(path); err != nil {
		return false, err.Error()
	}
	f, err := os.CreateTemp(path, "docscale-check-*.tmp")
	if err != nil {
		return false, err.Error()
	}
	_ = f.Close()
	_ = os.Remove(f.Name())
	return true, "writable"
}
