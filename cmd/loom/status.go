package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/internal/state"
	"github.com/ShayCichocki/loom/pkg/models"
)

var statusLimit int

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show persisted plans and interrupted work",
	Long: `Display the plans recorded in the state database.

Shows:
  - Recent plans with their version, status and health
  - Replan history of unfinished plans
  - Sagas left unfinished or needing manual intervention`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().IntVarP(&statusLimit, "limit", "n", 10, "Number of plans to show")
}

func runStatus(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	plans, err := a.store.ListPlans(ctx)
	if err != nil {
		return fmt.Errorf("list plans: %w", err)
	}
	if len(plans) == 0 {
		fmt.Println("No plans recorded. Run 'loom run <plan.yaml>' to start.")
		return nil
	}
	sort.Slice(plans, func(i, j int) bool { return plans[i].CreatedAt.After(plans[j].CreatedAt) })
	if statusLimit > 0 && len(plans) > statusLimit {
		plans = plans[:statusLimit]
	}

	fmt.Println("Plans:")
	for _, p := range plans {
		displayPlan(p)
	}

	found, err := state.NewRecoveryManager(a.store).CheckForInterrupted(ctx)
	if err != nil {
		return err
	}
	if found.Empty() {
		return nil
	}
	fmt.Println()
	if len(found.Sagas) > 0 {
		printStatus("⚠", fmt.Sprintf("%d unfinished sagas: %v (run 'loom saga recover')", len(found.Sagas), found.Sagas), color.FgYellow)
	}
	if len(found.ManualIntervention) > 0 {
		printStatus("✗", fmt.Sprintf("%d sagas need manual intervention: %v", len(found.ManualIntervention), found.ManualIntervention), color.FgRed)
	}
	if len(found.Plans) > 0 {
		printStatus("⚠", fmt.Sprintf("%d plans were interrupted: %v", len(found.Plans), found.Plans), color.FgYellow)
	}
	return nil
}

func displayPlan(p models.Plan) {
	fmt.Printf("  %s@v%d  %s  %s  %s ago\n",
		p.ID, p.Version,
		planStatusColor(p.Status).Sprintf("%-10s", p.Status),
		healthColor(p.Metrics.Health).Sprintf("%-8s", orDash(string(p.Metrics.Health))),
		formatDuration(time.Since(p.CreatedAt)),
	)
	if p.Strategy != "" {
		fmt.Printf("      strategy: %s  progress: %.0f%%  risk: %.2f\n", p.Strategy, p.Metrics.Progress*100, p.Metrics.RiskScore)
	}
	for _, rec := range p.ReplanHistory {
		fmt.Printf("      v%d→v%d %s: %s\n", rec.FromVersion, rec.ToVersion, rec.Decision, rec.Trigger)
	}
}

func planStatusColor(s models.PlanStatus) *color.Color {
	switch s {
	case models.PlanStatusCompleted:
		return color.New(color.FgGreen)
	case models.PlanStatusAbandoned:
		return color.New(color.FgRed)
	default:
		return color.New(color.FgCyan)
	}
}

func healthColor(h models.PlanHealth) *color.Color {
	switch h {
	case models.HealthHealthy:
		return color.New(color.FgGreen)
	case models.HealthAtRisk:
		return color.New(color.FgYellow)
	case models.HealthCritical:
		return color.New(color.FgRed)
	default:
		return color.New(color.Reset)
	}
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
