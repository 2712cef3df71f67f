package main

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/capture"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/events"
	"github.com/cybersharkvin/llmitm-v2-sub002/internal/run"
)

var (
	runTargetFlag      string
	runCaptureFlag     string
	runIDFlag          string
	runRepairLimitFlag int
	runStatusFilter    string
	runForceReset      bool
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Manage orchestration runs",
	Long: `Create, drive, and inspect orchestration runs.

'run start' creates a run against a configured target profile and drives
it through recon, critic, and execution in the foreground. A stopped run
resumes from its checkpoint with 'run resume'.`,
}

var runStartCmd = &cobra.Command{
	Use:   "start --target <profile> [--capture replay|live]",
	Short: "Create a run and drive it to completion",
	Long: `Create a run against a configured target profile and drive it in the
foreground, streaming events as phases and nodes progress.

With --run, an existing stopped run is driven from its checkpoint
instead of creating a new one.`,
	Args: cobra.NoArgs,
	RunE: runStart,
}

var runResumeCmd = &cobra.Command{
	Use:   "resume <run-id>",
	Short: "Resume a stopped run from its checkpoint",
	Args:  cobra.ExactArgs(1),
	RunE:  runResume,
}

var runStopCmd = &cobra.Command{
	Use:   "stop <run-id>",
	Short: "Request a cooperative stop of a running run",
	Args:  cobra.ExactArgs(1),
	RunE:  runStop,
}

var runResetCmd = &cobra.Command{
	Use:   "reset <run-id>",
	Short: "Rewind a run to pending, clearing its graph and event log",
	Args:  cobra.ExactArgs(1),
	RunE:  runReset,
}

var runStatusCmd = &cobra.Command{
	Use:   "status <run-id>",
	Short: "Show detailed run state",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

var runListCmd = &cobra.Command{
	Use:   "list",
	Short: "List runs, newest first",
	Args:  cobra.NoArgs,
	RunE:  runList,
}

func init() {
	runCmd.AddCommand(runStartCmd)
	runCmd.AddCommand(runResumeCmd)
	runCmd.AddCommand(runStopCmd)
	runCmd.AddCommand(runResetCmd)
	runCmd.AddCommand(runStatusCmd)
	runCmd.AddCommand(runListCmd)

	runStartCmd.Flags().StringVar(&runTargetFlag, "target", "", "Target profile from the config")
	runStartCmd.Flags().StringVar(&runCaptureFlag, "capture", "replay", "Capture mode: replay or live")
	runStartCmd.Flags().StringVar(&runIDFlag, "run", "", "Resume this stopped run instead of creating one")
	runStartCmd.Flags().IntVar(&runRepairLimitFlag, "repair-limit", 0, "Repair attempts per node lineage (0 uses the configured default)")

	runListCmd.Flags().StringVar(&runStatusFilter, "status", "", "Filter by status (pending, executing, completed, failed, stopped, ...)")

	runResetCmd.Flags().BoolVar(&runForceReset, "force", false, "Skip confirmation prompt")
}

func runStart(cmd *cobra.Command, args []string) error {
	if runIDFlag == "" && runTargetFlag == "" {
		return fmt.Errorf("either --target (new run) or --run (resume) is required")
	}

	app, err := buildAppContext(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	if runIDFlag != "" {
		return driveRun(cmd, app, runIDFlag)
	}

	target := runTargetFlag
	mode := capture.Mode(runCaptureFlag)
	if !mode.IsValid() {
		return fmt.Errorf("unknown capture mode %q (expected replay or live)", runCaptureFlag)
	}
	if _, ok := cfg.Targets[target]; !ok {
		known := make([]string, 0, len(cfg.Targets))
		for name := range cfg.Targets {
			known = append(known, name)
		}
		return fmt.Errorf("unknown target profile %q (configured: %s)", target, strings.Join(known, ", "))
	}

	ctx := cmd.Context()
	r := run.NewRun(target, mode)
	r.RepairLimit = cfg.Run.RepairLimit
	if runRepairLimitFlag > 0 {
		r.RepairLimit = runRepairLimitFlag
	}
	if err := app.runs.Create(ctx, r); err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Run %s created for target %s (%s mode)\n", r.ID, target, mode)
	return driveRun(cmd, app, r.ID)
}

func runResume(cmd *cobra.Command, args []string) error {
	app, err := buildAppContext(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	return driveRun(cmd, app, args[0])
}

// driveRun drives a run with the controller while rendering its event
// stream, then reports the outcome. Resumed runs tail only the new
// session's events.
func driveRun(cmd *cobra.Command, app *appContext, runID string) error {
	ctx := cmd.Context()

	fromSeq := int64(1)
	if last, err := app.emitter.Log().LastSequence(ctx, runID); err == nil {
		fromSeq = last + 1
	}

	stream, unsubscribe, err := app.emitter.Subscribe(ctx, runID, fromSeq)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	drained := make(chan struct{})
	go func() {
		defer close(drained)
		for e := range stream {
			fmt.Fprintln(out, renderEvent(e))
			if e.Type == events.EventRunEnd {
				return
			}
		}
	}()

	final, startErr := app.controller.Start(ctx, runID)
	if startErr == nil {
		// The terminal event is already published; give the renderer a
		// moment to print it before tearing the subscription down.
		select {
		case <-drained:
		case <-time.After(time.Second):
		}
	}
	unsubscribe()
	<-drained

	if startErr != nil {
		return startErr
	}
	return printRunOutcome(cmd, final)
}

func runStop(cmd *cobra.Command, args []string) error {
	app, err := buildAppContext(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.controller.Stop(cmd.Context(), args[0]); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Stop requested for run %s\n", args[0])
	return nil
}

func runReset(cmd *cobra.Command, args []string) error {
	runID := args[0]

	if !runForceReset {
		fmt.Printf("Reset run '%s'? This clears its graph and event log.\n", runID)
		fmt.Print("Type 'yes' to confirm: ")

		reader := bufio.NewReader(os.Stdin)
		response, err := reader.ReadString('\n')
		if err != nil {
			return fmt.Errorf("failed to read confirmation: %w", err)
		}
		if strings.TrimSpace(strings.ToLower(response)) != "yes" {
			fmt.Println("Reset cancelled")
			return nil
		}
	}

	app, err := buildAppContext(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	if err := app.controller.Reset(cmd.Context(), runID); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Run %s reset to pending\n", runID)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	app, err := buildAppContext(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	r, err := app.controller.Status(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintf(tw, "ID:\t%s\n", r.ID)
	fmt.Fprintf(tw, "TARGET:\t%s\n", r.TargetProfile)
	fmt.Fprintf(tw, "MODE:\t%s\n", r.CaptureMode)
	fmt.Fprintf(tw, "STATUS:\t%s\n", r.Status)
	if r.Phase != "" {
		fmt.Fprintf(tw, "PHASE:\t%s\n", r.Phase)
	}
	if r.Error != "" {
		fmt.Fprintf(tw, "ERROR:\t%s\n", r.Error)
	}
	fmt.Fprintf(tw, "REPAIRS:\t%d/%d\n", r.RepairsUsed, r.RepairLimit)
	if r.StopRequested {
		fmt.Fprintf(tw, "STOP REQUESTED:\tyes\n")
	}
	fmt.Fprintf(tw, "CREATED:\t%s\n", r.CreatedAt.Format(time.RFC3339))
	if r.StartedAt != nil {
		fmt.Fprintf(tw, "STARTED:\t%s\n", r.StartedAt.Format(time.RFC3339))
	}
	if r.EndedAt != nil {
		fmt.Fprintf(tw, "ENDED:\t%s\n", r.EndedAt.Format(time.RFC3339))
	}
	return nil
}

func runList(cmd *cobra.Command, args []string) error {
	app, err := buildAppContext(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	all, err := app.controller.List(cmd.Context())
	if err != nil {
		return err
	}

	filtered := all[:0]
	for _, r := range all {
		if runStatusFilter != "" && r.Status.String() != runStatusFilter {
			continue
		}
		filtered = append(filtered, r)
	}

	if len(filtered) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No runs found")
		return nil
	}

	tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
	defer tw.Flush()

	fmt.Fprintln(tw, "ID\tTARGET\tMODE\tSTATUS\tREPAIRS\tCREATED")
	for _, r := range filtered {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%d/%d\t%s\n",
			r.ID,
			r.TargetProfile,
			r.CaptureMode,
			r.Status,
			r.RepairsUsed,
			r.RepairLimit,
			r.CreatedAt.Format("2006-01-02 15:04:05"))
	}
	return nil
}

// printRunOutcome reports the final run state on stdout and maps failed
// runs to a command error so the process exits nonzero.
func printRunOutcome(cmd *cobra.Command, r *run.Run) error {
	switch r.Status {
	case run.StatusCompleted:
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s completed\n", r.ID)
		return nil
	case run.StatusStopped:
		fmt.Fprintf(cmd.OutOrStdout(), "Run %s stopped (resume with 'llmitm run resume %s')\n", r.ID, r.ID)
		return nil
	default:
		if r.Error != "" {
			return fmt.Errorf("run %s %s: %s", r.ID, r.Status, r.Error)
		}
		return fmt.Errorf("run %s ended with status %s", r.ID, r.Status)
	}
}
