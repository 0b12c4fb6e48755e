package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/ShayCichocki/loom/internal/blackboard"
	"github.com/ShayCichocki/loom/pkg/models"
)

// Contributor adds knowledge to a blackboard, one round at a time. It sees
// the board's latest synthesis and returns new entries; an empty slice
// means it has nothing more to add.
type Contributor interface {
	ID() string
	Contribute(ctx context.Context, problem string, current blackboard.Synthesis) ([]models.KnowledgeEntry, error)
}

// ContributorFunc adapts a function to the Contributor interface.
type ContributorFunc struct {
	Name string
	Fn   func(ctx context.Context, problem string, current blackboard.Synthesis) ([]models.KnowledgeEntry, error)
}

// ID implements Contributor.
func (c ContributorFunc) ID() string { return c.Name }

// Contribute implements Contributor.
func (c ContributorFunc) Contribute(ctx context.Context, problem string, current blackboard.Synthesis) ([]models.KnowledgeEntry, error) {
	return c.Fn(ctx, problem, current)
}

// FrameBudget bounds a framing phase. Zero values are unbounded.
type FrameBudget struct {
	Rounds   int
	Duration time.Duration
}

// Frame opens a blackboard for problem and lets contributors work on it
// concurrently, round by round, until the board is solved, the
// contributors run dry, or the budget runs out. An unsolved board is
// abandoned and its best synthesis returned flagged LowConfidence.
func (e *Engine) Frame(ctx context.Context, problem string, contributors []Contributor, budget FrameBudget) (blackboard.Synthesis, error) {
	e.mu.RLock()
	prev := e.phase
	e.mu.RUnlock()
	e.setPhase(PhaseFraming, problem, false)
	defer e.setPhase(prev, "framing done", false)

	id, err := e.boards.Open(ctx, problem)
	if err != nil {
		return blackboard.Synthesis{}, fmt.Errorf("open blackboard: %w", err)
	}

	fctx := ctx
	if budget.Duration > 0 {
		var cancel context.CancelFunc
		fctx, cancel = context.WithTimeout(ctx, budget.Duration)
		defer cancel()
	}

	syn, err := e.boards.Synthesize(fctx, id)
	if err != nil {
		return syn, err
	}

	reason := "contributors exhausted"
	for round := 0; syn.Status == models.BoardActive; round++ {
		if budget.Rounds > 0 && round >= budget.Rounds {
			reason = fmt.Sprintf("round budget of %d exhausted", budget.Rounds)
			break
		}
		if fctx.Err() != nil {
			reason = "time budget exhausted"
			break
		}

		started := e.now()
		added, err := e.contributeRound(fctx, id, problem, syn, contributors)
		if err != nil && fctx.Err() == nil {
			return syn, err
		}
		if added == 0 {
			break
		}
		if err := e.waitInterval(fctx, started); err != nil {
			reason = "time budget exhausted"
			break
		}
		if syn, err = e.boards.Synthesize(fctx, id); err != nil {
			return syn, err
		}
		e.logger.Debug("framing round",
			"board", id,
			"round", round,
			"added", added,
			"confidence", syn.ConfidenceScore,
			"saturation", syn.Saturation,
		)
	}
	if syn.Status != models.BoardActive {
		return syn, nil
	}

	bg := context.WithoutCancel(ctx)
	if err := e.boards.Abandon(bg, id, reason); err != nil {
		return syn, err
	}
	final, err := e.boards.Synthesize(bg, id)
	if err != nil {
		return syn, err
	}
	final.LowConfidence = true
	return final, nil
}

// contributeRound asks every contributor for entries concurrently and
// returns how many were appended.
func (e *Engine) contributeRound(ctx context.Context, boardID, problem string, syn blackboard.Synthesis, contributors []Contributor) (int, error) {
	var added atomic.Int64
	eg, gctx := errgroup.WithContext(ctx)
	for _, c := range contributors {
		c := c
		eg.Go(func() error {
			entries, err := c.Contribute(gctx, problem, syn)
			if err != nil {
				e.logger.Warn("contributor failed", "contributor", c.ID(), "error", err)
				return nil
			}
			for _, entry := range entries {
				if entry.ContributorID == "" {
					entry.ContributorID = c.ID()
				}
				if _, err := e.boards.Contribute(gctx, boardID, entry); err != nil {
					if errors.Is(err, blackboard.ErrArchived) {
						return nil
					}
					return fmt.Errorf("contributor %s: %w", c.ID(), err)
				}
				added.Add(1)
			}
			return nil
		})
	}
	err := eg.Wait()
	return int(added.Load()), err
}

// waitInterval sleeps until the blackboard will recompute its synthesis.
func (e *Engine) waitInterval(ctx context.Context, since time.Time) error {
	wait := e.boardCfg.MinInterval - e.now().Sub(since)
	if wait <= 0 {
		return nil
	}
	t := time.NewTimer(wait)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
