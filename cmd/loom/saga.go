package main

import (
	"fmt"
	"path/filepath"
	"sort"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/ShayCichocki/loom/internal/executor"
	"github.com/ShayCichocki/loom/internal/orchestrator"
	"github.com/ShayCichocki/loom/internal/planfile"
	"github.com/ShayCichocki/loom/internal/saga"
	"github.com/ShayCichocki/loom/pkg/models"
)

var sagaPlan string

var sagaCmd = &cobra.Command{
	Use:   "saga",
	Short: "Inspect and recover sagas",
}

var sagaListCmd = &cobra.Command{
	Use:   "list",
	Short: "List persisted sagas",
	RunE:  runSagaList,
}

var sagaRecoverCmd = &cobra.Command{
	Use:   "recover [id]",
	Short: "Resume interrupted sagas",
	Long: `Resume a saga a previous process left unfinished.

A saga still moving forward continues with its next pending step; a saga
that was compensating finishes its rollback. Without an id every
unfinished saga is resumed and persisted breaker states are restored.

The executors named by the saga's steps must be available: pass the plan
file that declared them with --plan. The built-in "sh" executor is always
registered.`,
	Args: cobra.MaximumNArgs(1),
	RunE: runSagaRecover,
}

func init() {
	sagaRecoverCmd.Flags().StringVar(&sagaPlan, "plan", "", "Plan file declaring the saga's executors")
	sagaCmd.AddCommand(sagaListCmd)
	sagaCmd.AddCommand(sagaRecoverCmd)
}

func runSagaList(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()

	sagas, err := a.store.ListSagas(cmd.Context())
	if err != nil {
		return fmt.Errorf("list sagas: %w", err)
	}
	if len(sagas) == 0 {
		fmt.Println("No sagas recorded.")
		return nil
	}
	sort.Slice(sagas, func(i, j int) bool { return sagas[i].UpdatedAt.After(sagas[j].UpdatedAt) })
	for i := range sagas {
		displaySaga(&sagas[i])
	}
	return nil
}

func runSagaRecover(cmd *cobra.Command, args []string) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer a.Close()
	ctx := cmd.Context()

	execs := executor.NewRegistry()
	execs.Register("sh", executor.NewCommandExecutor("."))
	if sagaPlan != "" {
		def, err := planfile.Load(sagaPlan)
		if err != nil {
			return err
		}
		dir, err := filepath.Abs(filepath.Dir(sagaPlan))
		if err != nil {
			return fmt.Errorf("resolve plan directory: %w", err)
		}
		def.Register(execs, dir)
	}
	eng := orchestrator.New(orchestrator.RequiredConfig{Executors: execs},
		orchestrator.WithConfig(a.cfg),
		orchestrator.WithStore(a.store),
		orchestrator.WithEmitter(a.emitter),
		orchestrator.WithLogger(a.logger),
	)

	if len(args) == 1 {
		sg, err := eng.RecoverSaga(ctx, args[0])
		if sg != nil {
			displaySaga(sg)
		}
		return err
	}

	res, err := eng.Recover(ctx)
	if err != nil {
		return err
	}
	if len(res.Sagas) == 0 {
		fmt.Println("No unfinished sagas.")
	}
	for _, sg := range res.Sagas {
		displaySaga(sg)
	}
	for _, id := range res.Interrupted.Plans {
		printStatus("⚠", fmt.Sprintf("plan %s was interrupted and is not resumed", id), color.FgYellow)
	}
	if len(res.Errors) > 0 {
		return fmt.Errorf("%d sagas rolled back during recovery", len(res.Errors))
	}
	return nil
}

func displaySaga(sg *models.Saga) {
	symbol, attr := "•", color.FgCyan
	switch {
	case sg.NeedsManualIntervention():
		symbol, attr = "✗", color.FgRed
	case sg.FinalState == models.FinalCommitted:
		symbol, attr = "✓", color.FgGreen
	case sg.FinalState == models.FinalRolledBack:
		symbol, attr = "↺", color.FgYellow
	}
	label := sg.ID
	if sg.TaskID != "" {
		label += " (task " + sg.TaskID + ")"
	}
	printStatus(symbol, fmt.Sprintf("%s: %s", label, saga.Summary(sg)), attr)
	for _, st := range sg.Steps {
		line := fmt.Sprintf("    %-12s %s", st.Status, st.Name)
		if st.Error != "" {
			line += ": " + st.Error
		}
		if st.CompensationError != "" {
			line += color.RedString(" (compensation failed: %s)", st.CompensationError)
		}
		fmt.Println(line)
	}
}
