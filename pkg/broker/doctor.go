package broker

import (
	"context"
	"os"
	"path/filepath"
)

// DoctorReport is advisory environment diagnostics. It is never consulted
// by run() and produces no side effects beyond a throwaway file in
// StateDir to check writability.
type DoctorReport struct {
	RuntimeName     string
	RuntimePath     string
	RuntimeVersion  string // empty if unparsable
	ContainerUp     bool
	ServerCount     int
	ServerNames     []string
	StateDir        string
	StateDirWriteOK bool
	IPCRoot         string
}

// Doctor produces a DoctorReport without mutating any broker state.
func (b *Broker) Doctor(ctx context.Context) DoctorReport {
	rt := b.container.Runtime()

	report := DoctorReport{
		ContainerUp: b.container.Running(),
		StateDir:    b.cfg.StateDir,
		IPCRoot:     b.ipc.Root(),
	}
	if rt != nil {
		report.RuntimeName = rt.Name
		report.RuntimePath = rt.Path
		if rt.Version != nil {
			report.RuntimeVersion = rt.Version.String()
		}
	}

	report.ServerNames = b.KnownServers()
	report.ServerCount = len(report.ServerNames)

	report.StateDirWriteOK = checkWritable(report.StateDir)

	return report
}

// checkWritable reports whether dir (or the OS temp dir, if empty) can be
// written to, by creating and removing a throwaway probe file.
func checkWritable(dir string) bool {
	if dir == "" {
		dir = os.TempDir()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return false
	}
	probe := filepath.Join(dir, ".pyrunner-doctor-probe")
	f, err := os.Create(probe)
	if err != nil {
		return false
	}
	f.Close()
	os.Remove(probe)
	return true
}
