package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/pyrunner/pyrunner/pkg/broker"
	"github.com/pyrunner/pyrunner/pkg/discovery"
	"github.com/pyrunner/pyrunner/pkg/output"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Print environment diagnostics (runtime, discovered servers, state dir)",
	RunE: func(cmd *cobra.Command, args []string) error {
		return runDoctor()
	},
}

func runDoctor() error {
	ctx := context.Background()
	cfg, err := broker.LoadConfig(cfgPath)
	if err != nil {
		return err
	}

	var report broker.DoctorReport
	var runtimeErr error

	b, err := broker.New(ctx, cfg, discovery.New(cfg.InlineServers))
	if err != nil {
		var unavailable *broker.RuntimeUnavailableError
		if !errors.As(err, &unavailable) {
			return err
		}
		runtimeErr = err
		report = fallbackDoctorReport(cfg)
	} else {
		b.SetLogger(appLogger)
		defer b.Shutdown()
		report = b.Doctor(ctx)
	}

	printer := output.New()
	rows := []output.CheckRow{runtimeCheckRow(report, runtimeErr)}

	serverStatus := "ok"
	if report.ServerCount == 0 {
		serverStatus = "warn"
	}
	rows = append(rows, output.CheckRow{
		Check:  "tool servers",
		Status: serverStatus,
		Detail: fmt.Sprintf("%d discovered", report.ServerCount),
	})

	stateStatus := "ok"
	if !report.StateDirWriteOK {
		stateStatus = "fail"
	}
	stateDetail := report.StateDir
	if stateDetail == "" {
		stateDetail = "(default temp dir)"
	}
	rows = append(rows, output.CheckRow{Check: "state dir writable", Status: stateStatus, Detail: stateDetail})

	containerStatus := "ok"
	if !report.ContainerUp {
		containerStatus = "warn"
	}
	rows = append(rows, output.CheckRow{
		Check:  "sandbox container",
		Status: containerStatus,
		Detail: map[bool]string{true: "running", false: "not yet launched"}[report.ContainerUp],
	})

	printer.Checks(rows)
	return nil
}

func runtimeCheckRow(report broker.DoctorReport, runtimeErr error) output.CheckRow {
	if runtimeErr != nil {
		return output.CheckRow{Check: "container runtime", Status: "fail", Detail: runtimeErr.Error()}
	}
	detail := report.RuntimeName + " (" + report.RuntimePath + ")"
	if report.RuntimeVersion != "" {
		detail = report.RuntimeName + " " + report.RuntimeVersion + " (" + report.RuntimePath + ")"
	}
	return output.CheckRow{Check: "container runtime", Status: "ok", Detail: detail}
}

// fallbackDoctorReport assembles the parts of a DoctorReport that don't
// require a live container runtime, for the case where broker.New itself
// failed because none was found.
func fallbackDoctorReport(cfg broker.BrokerConfig) broker.DoctorReport {
	d := discovery.New(cfg.InlineServers)
	records, _ := d.Discover()

	serverNames := make([]string, 0, len(records))
	for _, r := range records {
		serverNames = append(serverNames, r.Name)
	}

	return broker.DoctorReport{
		ServerCount:     len(serverNames),
		ServerNames:     serverNames,
		StateDir:        cfg.StateDir,
		StateDirWriteOK: probeStateDir(cfg.StateDir),
	}
}

// probeStateDir mirrors pkg/broker's own writability probe: it creates
// and removes a throwaway file rather than trusting a stat() alone, since
// a directory can be listable but not writable (e.g. a read-only mount).
func probeStateDir(dir string) bool {
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
