package main

import (
	"fmt"
	"time"

	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"

	"github.com/cybersharkvin/llmitm-v2-sub002/internal/events"
)

var eventsFromSeq int64

var eventsCmd = &cobra.Command{
	Use:   "events",
	Short: "Inspect and follow run event streams",
}

var eventsWatchCmd = &cobra.Command{
	Use:   "watch <run-id>",
	Short: "Tail a run's event stream",
	Long: `Tail a run's event stream.

Watch replays durable history from --from, then tails the log for new
events, so it follows a run driven by another process. It exits when the
run's run_end event arrives; for an already finished run that event is
part of the replay, so watch prints the full history and returns.`,
	Args: cobra.ExactArgs(1),
	RunE: runEventsWatch,
}

func init() {
	eventsCmd.AddCommand(eventsWatchCmd)

	eventsWatchCmd.Flags().Int64Var(&eventsFromSeq, "from", 1, "First sequence number to replay")
}

// watchPollInterval is how often watch re-reads the durable log. The log
// is the cross-process source of truth; the in-memory subscription bus
// only reaches subscribers inside the publishing process.
const watchPollInterval = 250 * time.Millisecond

func runEventsWatch(cmd *cobra.Command, args []string) error {
	runID := args[0]

	app, err := buildAppContext(cmd)
	if err != nil {
		return err
	}
	defer app.Close()

	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	connected := events.Event{RunID: runID, Type: events.EventConnected, Timestamp: time.Now().UTC()}
	fmt.Fprintln(out, renderEvent(connected))

	ticker := time.NewTicker(watchPollInterval)
	defer ticker.Stop()

	lastSeq := eventsFromSeq - 1
	for {
		batch, err := app.emitter.Log().After(ctx, runID, lastSeq)
		if err != nil {
			return err
		}
		for _, e := range batch {
			fmt.Fprintln(out, renderEvent(e))
			lastSeq = e.Sequence
			if e.Type == events.EventRunEnd {
				return nil
			}
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

var (
	eventTimeStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
	eventSeqStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("245"))

	eventTypeStyles = map[events.EventType]lipgloss.Style{
		events.EventConnected:    lipgloss.NewStyle().Foreground(lipgloss.Color("245")),
		events.EventRunStart:     lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
		events.EventStepStart:    lipgloss.NewStyle().Foreground(lipgloss.Color("75")),
		events.EventCompileIter:  lipgloss.NewStyle().Foreground(lipgloss.Color("75")),
		events.EventReconResult:  lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		events.EventCriticResult: lipgloss.NewStyle().Foreground(lipgloss.Color("42")),
		events.EventStepResult:   lipgloss.NewStyle().Foreground(lipgloss.Color("252")),
		events.EventRepairStart:  lipgloss.NewStyle().Foreground(lipgloss.Color("214")),
		events.EventFailure:      lipgloss.NewStyle().Foreground(lipgloss.Color("196")).Bold(true),
		events.EventRunEnd:       lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true),
	}

	eventDefaultStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("252"))
)

// renderEvent formats one event as a single styled line.
func renderEvent(e events.Event) string {
	style, ok := eventTypeStyles[e.Type]
	if !ok {
		style = eventDefaultStyle
	}

	return fmt.Sprintf("%s %s %s %s",
		eventTimeStyle.Render(e.Timestamp.Format(time.TimeOnly)),
		eventSeqStyle.Render(fmt.Sprintf("#%-3d", e.Sequence)),
		style.Render(fmt.Sprintf("%-13s", e.Type)),
		summarizeEvent(e))
}

// summarizeEvent renders the payload fields a human scans for.
func summarizeEvent(e events.Event) string {
	switch e.Type {
	case events.EventConnected:
		return "stream attached"

	case events.EventRunStart:
		var p events.RunStartPayload
		if e.DecodePayload(&p) != nil {
			return ""
		}
		s := fmt.Sprintf("target=%s mode=%s", p.Target, p.Mode)
		if p.Resume {
			s += " resume=true"
		}
		return s

	case events.EventStepStart:
		var p events.StepStartPayload
		if e.DecodePayload(&p) != nil {
			return ""
		}
		return fmt.Sprintf("phase=%s", p.Phase)

	case events.EventCompileIter:
		var p events.CompileIterPayload
		if e.DecodePayload(&p) != nil {
			return ""
		}
		s := fmt.Sprintf("phase=%s attempt=%d", p.Phase, p.Attempt)
		if p.Corrective {
			s += " corrective=true"
		}
		return s

	case events.EventReconResult, events.EventCriticResult:
		var p events.PhaseResultPayload
		if e.DecodePayload(&p) != nil {
			return ""
		}
		return fmt.Sprintf("opportunities=%d created=%d updated=%d edges=%d skipped=%d",
			p.Opportunities, p.Created, p.Updated, p.Edges, p.Skipped)

	case events.EventStepResult:
		var p events.StepResultPayload
		if e.DecodePayload(&p) != nil {
			return ""
		}
		outcome := "ok"
		if !p.Success {
			outcome = "failed"
		}
		return fmt.Sprintf("%s node=%s (%s, %dms)", outcome, p.Name, shortID(p.NodeID), p.DurationMS)

	case events.EventRepairStart:
		var p events.RepairStartPayload
		if e.DecodePayload(&p) != nil {
			return ""
		}
		return fmt.Sprintf("node=%s attempt=%d", shortID(p.NodeID), p.Attempt)

	case events.EventFailure:
		var p events.FailurePayload
		if e.DecodePayload(&p) != nil {
			return ""
		}
		s := fmt.Sprintf("[%s] %s", p.Code, p.Message)
		if p.Phase != "" {
			s = fmt.Sprintf("phase=%s %s", p.Phase, s)
		}
		if p.NodeID != "" {
			s = fmt.Sprintf("node=%s %s", shortID(p.NodeID), s)
		}
		return s

	case events.EventRunEnd:
		var p events.RunEndPayload
		if e.DecodePayload(&p) != nil {
			return ""
		}
		s := fmt.Sprintf("status=%s duration=%dms", p.Status, p.DurationMS)
		if p.Error != "" {
			s += " error=" + p.Error
		}
		return s
	}
	return string(e.Payload)
}

// shortID truncates content-derived node IDs for single-line display.
func shortID(id string) string {
	if len(id) <= 12 {
		return id
	}
	return id[:12]
}
