package state

import (
	"context"
	"fmt"
)

// Interrupted lists work left unfinished by a previous process.
type Interrupted struct {
	// Sagas are sagas whose latest persisted revision is not terminal.
	Sagas []string
	// Plans are plans whose latest version is neither completed nor abandoned.
	Plans []string
	// ManualIntervention are terminal sagas with failed compensations.
	ManualIntervention []string
}

// Empty reports whether nothing needs attention.
func (i *Interrupted) Empty() bool {
	return len(i.Sagas) == 0 && len(i.Plans) == 0 && len(i.ManualIntervention) == 0
}

// RecoveryManager detects interrupted work on startup.
type RecoveryManager struct {
	store *Store
}

// NewRecoveryManager creates a RecoveryManager over store.
func NewRecoveryManager(store *Store) *RecoveryManager {
	return &RecoveryManager{store: store}
}

// CheckForInterrupted scans persisted sagas and plans.
func (rm *RecoveryManager) CheckForInterrupted(ctx context.Context) (*Interrupted, error) {
	out := &Interrupted{}

	sagas, err := rm.store.ListSagas(ctx)
	if err != nil {
		return nil, fmt.Errorf("list sagas: %w", err)
	}
	for _, sg := range sagas {
		switch {
		case !sg.Status.Terminal():
			out.Sagas = append(out.Sagas, sg.ID)
		case sg.NeedsManualIntervention():
			out.ManualIntervention = append(out.ManualIntervention, sg.ID)
		}
	}

	plans, err := rm.store.ListPlans(ctx)
	if err != nil {
		return nil, fmt.Errorf("list plans: %w", err)
	}
	for _, p := range plans {
		if !p.Status.Terminal() {
			out.Plans = append(out.Plans, p.ID)
		}
	}
	return out, nil
}
