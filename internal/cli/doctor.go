package cli

import (
	"context"
	"fmt"
	"os/exec"
	"runtime"

	"github.com/spf13/cobra"

	"github.com/clauderon/clauderon/internal/session"
)

var doctorCmd = &cobra.Command{
	Use:   "doctor",
	Short: "Check that the daemon's configuration and host dependencies are sound",
	Long: `doctor loads configuration, opens the store, and verifies the binaries
each enabled backend shells out to are on PATH, printing a pass/fail report
without starting the daemon.`,
	RunE: runDoctor,
}

func init() {
	rootCmd.AddCommand(doctorCmd)
}

type checkResult struct {
	name string
	ok   bool
	note string
}

func runDoctor(cmd *cobra.Command, args []string) error {
	ctx := context.Background()
	var results []checkResult

	d, err := bootstrap(ctx)
	if err != nil {
		results = append(results, checkResult{name: "bootstrap", ok: false, note: err.Error()})
		printDoctorReport(results)
		return fmt.Errorf("doctor checks failed")
	}
	defer d.Close()
	results = append(results, checkResult{name: "config + store + credentials + proxy CA", ok: true})

	results = append(results, checkBinary("git", "required for the worktree service"))

	if _, ok := d.backends[session.BackendMultiplexer]; ok {
		results = append(results, checkBinary("tmux", "required for the multiplexer backend"))
	}
	if _, ok := d.backends[session.BackendContainer]; ok {
		results = append(results, checkBinary("docker", "required for the container backend"))
	}
	if _, ok := d.backends[session.BackendAppleContainer]; ok {
		results = append(results, checkBinary("container", "required for the Apple container backend"))
	}
	if _, ok := d.backends[session.BackendOrchestrator]; ok {
		results = append(results, checkResult{name: "orchestrator backend", ok: true, note: "kubernetes client built successfully"})
	}
	if runtime.GOOS != "darwin" {
		results = append(results, checkResult{name: "apple container backend", ok: true, note: "skipped: not running on macOS"})
	}

	printDoctorReport(results)

	for _, r := range results {
		if !r.ok {
			return fmt.Errorf("doctor checks failed")
		}
	}
	return nil
}

func checkBinary(name, why string) checkResult {
	path, err := exec.LookPath(name)
	if err != nil {
		return checkResult{name: name, ok: false, note: why + ": not found on PATH"}
	}
	return checkResult{name: name, ok: true, note: path}
}

func printDoctorReport(results []checkResult) {
	for _, r := range results {
		status := "ok  "
		if !r.ok {
			status = "FAIL"
		}
		if r.note != "" {
			fmt.Printf("[%s] %-40s %s\n", status, r.name, r.note)
		} else {
			fmt.Printf("[%s] %-40s\n", status, r.name)
		}
	}
}
