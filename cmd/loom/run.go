package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/internal/config"
	"github.com/ShayCichocki/loom/internal/executor"
	"github.com/ShayCichocki/loom/internal/orchestrator"
	"github.com/ShayCichocki/loom/internal/planfile"
	"github.com/ShayCichocki/loom/internal/replan"
	"github.com/ShayCichocki/loom/pkg/models"
)

var (
	runStrategy string
	runWatch    bool
)

var runCmd = &cobra.Command{
	Use:   "run <plan.yaml>",
	Short: "Execute a plan definition",
	Long: `Execute the task hierarchy declared in a plan file.

Tasks above the decomposition threshold are split by the chosen strategy,
then the task graph runs group by group. Every executor call goes through
a circuit breaker; transactional tasks run as sagas.

A built-in "sh" executor runs params.command through the shell in the plan
file's directory. Plan files may declare further executors.

When escalation.mode is "block", escalations are answered on stdin:
  continue            keep executing the current plan
  replan <name>       switch to the named alternative
  abandon             give the plan up

Examples:
  loom run release.yaml
  loom run release.yaml --strategy by-phase
  loom run release.yaml --watch     # apply config edits while running`,
	Args: cobra.ExactArgs(1),
	RunE: runPlan,
}

func init() {
	runCmd.Flags().StringVar(&runStrategy, "strategy", "", "Decomposition strategy (overrides config and plan file)")
	runCmd.Flags().BoolVar(&runWatch, "watch", false, "Reload scheduler settings when the config file changes")
}

func runPlan(cmd *cobra.Command, args []string) error {
	def, err := planfile.Load(args[0])
	if err != nil {
		return err
	}
	baseDir, err := filepath.Abs(filepath.Dir(args[0]))
	if err != nil {
		return fmt.Errorf("resolve plan directory: %w", err)
	}

	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	execs := executor.NewRegistry()
	execs.Register("sh", executor.NewCommandExecutor(baseDir))
	def.Register(execs, baseDir)

	opts := []orchestrator.Option{orchestrator.WithConfig(a.cfg)}
	opts = append(opts, def.Options(time.Now())...)
	if runStrategy != "" {
		opts = append(opts, orchestrator.WithStrategy(runStrategy))
	}
	opts = append(opts,
		orchestrator.WithStore(a.store),
		orchestrator.WithEmitter(a.emitter),
		orchestrator.WithLogger(a.logger),
		orchestrator.WithMetrics(a.metrics),
	)
	eng := orchestrator.New(orchestrator.RequiredConfig{Executors: execs}, opts...)

	if err := eng.Breakers().Load(ctx, a.store); err != nil {
		a.logger.Warn("restore breakers", "error", err)
	}
	if a.metrics != nil {
		go func() {
			if err := a.metrics.Serve(ctx, a.cfg.Metrics.Addr); err != nil {
				a.logger.Error("metrics server", "addr", a.cfg.Metrics.Addr, "error", err)
			}
		}()
	}
	if runWatch {
		path := watchedConfigPath()
		go func() {
			if err := config.Watch(ctx, path, a.logger, eng.Reconfigure); err != nil {
				a.logger.Warn("config watch", "path", path, "error", err)
			}
		}()
	}
	if a.cfg.Escalation.Mode == config.EscalationBlock {
		go answerEscalations(ctx, eng.Escalator(), os.Stdin, os.Stdout)
	}

	name := def.Name
	if name == "" {
		name = def.RootID()
	}
	fmt.Printf("Running %s (%d declared tasks)\n", color.CyanString(name), len(def.Tasks()))

	report, err := eng.Run(ctx, def.Tasks(), def.RootID())
	if report != nil {
		printReport(report)
	}
	if err != nil {
		if errors.Is(err, orchestrator.ErrIncomplete) || errors.Is(err, orchestrator.ErrAbandoned) {
			return fmt.Errorf("plan did not complete: %w", err)
		}
		return err
	}
	return nil
}

// answerEscalations prompts for a resolution whenever one is pending.
func answerEscalations(ctx context.Context, esc *replan.Escalator, in io.Reader, out io.Writer) {
	lines := make(chan string)
	go func() {
		sc := bufio.NewScanner(in)
		for sc.Scan() {
			lines <- sc.Text()
		}
		close(lines)
	}()

	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	prompted := time.Time{}
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			req, ok := esc.Pending()
			if !ok || req.RaisedAt.Equal(prompted) {
				continue
			}
			prompted = req.RaisedAt
			printEscalation(out, req)
		case line, ok := <-lines:
			if !ok {
				return
			}
			resp, err := parseResolution(line)
			if err != nil {
				fmt.Fprintf(out, "%s %v\n", color.RedString("✗"), err)
				continue
			}
			if err := esc.Respond(resp); err != nil {
				fmt.Fprintf(out, "%s %v\n", color.RedString("✗"), err)
			}
		}
	}
}

func printEscalation(out io.Writer, req replan.EscalationRequest) {
	fmt.Fprintf(out, "\n%s plan %s@v%d needs a decision\n", color.YellowString("⚠"), req.PlanID, req.Version)
	for _, t := range req.Triggers {
		fmt.Fprintf(out, "  trigger: %s\n", t)
	}
	if req.Verdict.Rationale != "" {
		fmt.Fprintf(out, "  %s\n", req.Verdict.Rationale)
	}
	for _, s := range req.Verdict.Scored {
		fmt.Fprintf(out, "  alternative %s: net %.3f (confidence %.2f)\n", s.Name, s.NetValue, s.Confidence)
	}
	fmt.Fprint(out, "continue | replan <name> | abandon > ")
}

func parseResolution(line string) (replan.EscalationResponse, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return replan.EscalationResponse{}, errors.New("empty answer")
	}
	resp := replan.EscalationResponse{Resolution: replan.Resolution(strings.ToLower(fields[0])), At: time.Now()}
	switch resp.Resolution {
	case replan.ResolveContinue, replan.ResolveAbandon:
		resp.Reason = strings.Join(fields[1:], " ")
	case replan.ResolveReplan:
		if len(fields) < 2 {
			return replan.EscalationResponse{}, errors.New("replan needs an alternative name")
		}
		resp.Alternative = fields[1]
		resp.Reason = strings.Join(fields[2:], " ")
	default:
		return replan.EscalationResponse{}, fmt.Errorf("unknown answer %q", fields[0])
	}
	if resp.Reason == "" {
		resp.Reason = "operator"
	}
	return resp, nil
}

func printReport(r *orchestrator.Report) {
	fmt.Println()
	switch {
	case r.Status == models.PlanStatusCompleted && r.FullSuccess():
		printStatus("✓", fmt.Sprintf("Plan %s@v%d completed in %s", r.PlanID, r.Version, formatDuration(r.Duration)), color.FgGreen)
	case r.Status == models.PlanStatusCompleted:
		printStatus("⚠", fmt.Sprintf("Plan %s@v%d completed degraded in %s", r.PlanID, r.Version, formatDuration(r.Duration)), color.FgYellow)
	default:
		printStatus("✗", fmt.Sprintf("Plan %s@v%d %s after %s", r.PlanID, r.Version, r.Status, formatDuration(r.Duration)), color.FgRed)
	}

	fmt.Printf("  Completed: %d\n", len(r.Completed))
	printList("Failed", r.Failed, color.FgRed)
	printList("Blocked", r.Blocked, color.FgRed)
	printList("Degraded", r.Degraded, color.FgYellow)
	printList("Manual intervention", r.ManualIntervention, color.FgRed)
	if r.Replans > 0 {
		fmt.Printf("  Replans: %d\n", r.Replans)
	}
	if len(r.CriticalPath) > 0 {
		fmt.Printf("  Critical path (%d pts): %s\n", r.CriticalEffort, strings.Join(r.CriticalPath, " → "))
	}
	ids := make([]string, 0, len(r.Conflicts))
	for id := range r.Conflicts {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	for _, id := range ids {
		for _, c := range r.Conflicts[id] {
			fmt.Printf("  %s conflict in %s: %s\n", color.YellowString("⚠"), id, c)
		}
	}
	if len(r.Result) > 0 {
		fmt.Println()
		fmt.Println(strings.TrimRight(string(r.Result), "\n"))
	}
}

func printList(label string, ids []string, attr color.Attribute) {
	if len(ids) == 0 {
		return
	}
	fmt.Printf("  %s: %s\n", color.New(attr).Sprint(label), strings.Join(ids, ", "))
}

// formatDuration formats a duration in a human-readable way.
func formatDuration(d time.Duration) string {
	if d < time.Second {
		return fmt.Sprintf("%dms", d.Milliseconds())
	}
	if d < time.Minute {
		return fmt.Sprintf("%ds", int(d.Seconds()))
	}
	if d < time.Hour {
		return fmt.Sprintf("%dm", int(d.Minutes()))
	}
	if d < 24*time.Hour {
		h := int(d.Hours())
		m := int(d.Minutes()) % 60
		if m > 0 {
			return fmt.Sprintf("%dh%dm", h, m)
		}
		return fmt.Sprintf("%dh", h)
	}
	days := int(d.Hours()) / 24
	return fmt.Sprintf("%dd", days)
}
