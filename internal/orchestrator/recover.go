package orchestrator

import (
	"context"
	"errors"
	"fmt"

	"github.com/ShayCichocki/loom/internal/state"
	"github.com/ShayCichocki/loom/pkg/models"
)

// RecoveryResult lists what Recover found and did.
type RecoveryResult struct {
	Interrupted *state.Interrupted
	// Sagas holds the terminal state of every resumed saga.
	Sagas []*models.Saga
	// Errors maps saga IDs to the error their resumption returned.
	Errors map[string]error
}

// Recover resumes every saga a previous process left unfinished and
// restores persisted breaker states. Interrupted plans are reported, not
// resumed: their executors may have side effects the engine cannot judge.
func (e *Engine) Recover(ctx context.Context) (*RecoveryResult, error) {
	if e.store == nil {
		return nil, errors.New("recover requires a state store")
	}
	if err := e.breakers.Load(ctx, e.store); err != nil {
		return nil, fmt.Errorf("restore breakers: %w", err)
	}

	found, err := state.NewRecoveryManager(e.store).CheckForInterrupted(ctx)
	if err != nil {
		return nil, err
	}
	res := &RecoveryResult{Interrupted: found, Errors: map[string]error{}}
	for _, id := range found.Sagas {
		sg, err := e.sagas.Recover(ctx, id)
		if sg != nil {
			res.Sagas = append(res.Sagas, sg)
		}
		if err != nil {
			res.Errors[id] = err
			e.logger.Warn("saga recovery ended in rollback", "saga", id, "error", err)
		}
	}
	if len(found.ManualIntervention) > 0 {
		e.logger.Warn("sagas need manual intervention", "sagas", found.ManualIntervention)
	}
	return res, nil
}

// RecoverSaga resumes one saga.
func (e *Engine) RecoverSaga(ctx context.Context, id string) (*models.Saga, error) {
	return e.sagas.Recover(ctx, id)
}
