package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/pkg/models"
)

var breakersCmd = &cobra.Command{
	Use:   "breakers",
	Short: "Show persisted circuit breaker states",
	Long: `List the last persisted state of every executor's circuit breaker.

An open breaker rejects calls until its timeout elapses; the next run
restores these states before dispatching work.`,
	RunE: runBreakers,
}

func runBreakers(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	snaps, err := a.store.LoadBreakers(cmd.Context())
	if err != nil {
		return fmt.Errorf("load breakers: %w", err)
	}
	if len(snaps) == 0 {
		fmt.Println("No breaker state recorded.")
		return nil
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].ExecutorID < snaps[j].ExecutorID })

	for _, s := range snaps {
		line := fmt.Sprintf("%-20s failures %d/%d  successes %d/%d  timeout %s",
			s.ExecutorID, s.FailureCount, s.FailureThreshold, s.SuccessCount, s.SuccessThreshold, s.Timeout)
		if s.State == models.BreakerOpen && s.OpenedAt != nil {
			retry := s.OpenedAt.Add(s.Timeout)
			if wait := time.Until(retry); wait > 0 {
				line += fmt.Sprintf("  retry in %s", formatDuration(wait))
			}
		}
		fmt.Printf("  %s %s\n", breakerColor(s.State).Sprintf("%-9s", s.State), line)
	}
	return nil
}

func breakerColor(s models.BreakerState) *color.Color {
	switch s {
	case models.BreakerClosed:
		return color.New(color.FgGreen)
	case models.BreakerHalfOpen:
		return color.New(color.FgYellow)
	default:
		return color.New(color.FgRed)
	}
}
