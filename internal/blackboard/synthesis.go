package blackboard

import (
	"context"
	"math"
	"sort"
	"time"

	"github.com/ShayCichocki/loom/internal/audit"
	"github.com/ShayCichocki/loom/pkg/models"
)

// evidenceTarget is the number of supporting entries at which a candidate's
// evidence strength saturates.
const evidenceTarget = 3

// Conflict is a set of incompatible claims of similar confidence made by
// different contributors about the same sub-question.
type Conflict struct {
	Topic        string   `json:"topic"`
	EntryIDs     []string `json:"entry_ids"`
	Contributors []string `json:"contributors"`
}

// Synthesis is the board's current understanding.
type Synthesis struct {
	BoardID              string                     `json:"board_id"`
	Status               models.BoardStatus         `json:"status"`
	CurrentUnderstanding string                     `json:"current_understanding"`
	ConfidenceScore      float64                    `json:"confidence_score"`
	ConsensusAreas       []string                   `json:"consensus_areas,omitempty"`
	ConflictingViews     []Conflict                 `json:"conflicting_views,omitempty"`
	Candidates           []models.SolutionCandidate `json:"candidates,omitempty"`
	Saturation           float64                    `json:"saturation"`
	Entries              int                        `json:"entries"`
	// LowConfidence is set when the board was abandoned on budget.
	LowConfidence bool      `json:"low_confidence,omitempty"`
	ComputedAt    time.Time `json:"computed_at"`
}

// Synthesize returns the board's current understanding. The result is
// recomputed only when new entries arrived and MinInterval has passed since
// the last computation; otherwise the cached synthesis is returned, so two
// calls without contributions in between yield the same understanding.
// A recomputation may solve the board; exhausting the budget abandons it.
func (s *Store) Synthesize(ctx context.Context, id string) (Synthesis, error) {
	b, err := s.get(id)
	if err != nil {
		return Synthesis{}, err
	}

	b.mu.Lock()
	snap := b.state.Load()
	now := s.now()

	stale := b.cache == nil ||
		(b.status == models.BoardActive && len(snap.entries) != b.cachedLen && now.Sub(b.cachedAt) >= s.cfg.MinInterval)
	if stale {
		syn := s.compute(b.id, snap.entries, now)
		b.cache = &syn
		b.cachedAt = now
		b.cachedLen = len(snap.entries)
		b.iterations++
		s.metrics.SynthesisComputed()
	}
	syn := *b.cache
	syn.Candidates = append([]models.SolutionCandidate(nil), b.cache.Candidates...)
	syn.Status = b.status

	var ev *audit.Event
	if b.status == models.BoardActive {
		switch {
		case stale && syn.ConfidenceScore >= s.cfg.SolveConfidence && syn.Saturation >= s.cfg.Saturation && len(syn.Candidates) > 0:
			s.closeLocked(b, models.BoardSolved)
			e := audit.NewEvent(audit.EntityBlackboard, b.id, string(models.BoardActive), string(models.BoardSolved), "converged")
			ev = &e
		case s.budgetExhausted(b, now):
			s.closeLocked(b, models.BoardAbandoned)
			b.cache.LowConfidence = true
			e := withDegraded(audit.NewEvent(audit.EntityBlackboard, b.id, string(models.BoardActive), string(models.BoardAbandoned), "budget exhausted"))
			ev = &e
		}
		syn.Status = b.status
		syn.LowConfidence = b.cache.LowConfidence
	}
	b.mu.Unlock()

	if ev != nil {
		s.emitter.Emit(*ev)
		s.logger.Info("blackboard closed",
			"board", id,
			"status", syn.Status,
			"confidence", syn.ConfidenceScore,
			"saturation", syn.Saturation,
		)
		if err := s.saveMeta(ctx, b); err != nil {
			return syn, err
		}
	}
	return syn, nil
}

func (s *Store) budgetExhausted(b *board, now time.Time) bool {
	if s.cfg.MaxIterations > 0 && b.iterations >= s.cfg.MaxIterations {
		return true
	}
	return s.cfg.Budget > 0 && now.Sub(b.createdAt) >= s.cfg.Budget
}

// compute derives a synthesis from one consistent snapshot of entries.
func (s *Store) compute(id string, entries []models.KnowledgeEntry, now time.Time) Synthesis {
	syn := Synthesis{BoardID: id, Entries: len(entries), ComputedAt: now}
	if len(entries) == 0 {
		return syn
	}

	superseded := make(map[string]bool)
	for _, e := range entries {
		for _, old := range e.Supersedes {
			superseded[old] = true
		}
	}
	var active []models.KnowledgeEntry
	for _, e := range entries {
		if !superseded[e.ID] {
			active = append(active, e)
		}
	}

	syn.Saturation = s.saturation(entries, now)

	// Sub-questions: entries joined by dependency links or by similarity.
	groups := s.group(active)
	type scored struct {
		topic      string
		top        models.KnowledgeEntry
		confidence float64
	}
	var topics []scored
	for _, g := range groups {
		conf := s.weightedConfidence(g, now)
		top := g[0]
		for _, e := range g[1:] {
			if e.Confidence > top.Confidence {
				top = e
			}
		}
		topics = append(topics, scored{topic: g[0].Content, top: top, confidence: conf})

		conflicts := s.conflicts(g)
		syn.ConflictingViews = append(syn.ConflictingViews, conflicts...)
		if len(conflicts) == 0 && contributors(g) >= 2 {
			syn.ConsensusAreas = append(syn.ConsensusAreas, g[0].Content)
		}
	}
	sort.SliceStable(topics, func(i, j int) bool { return topics[i].confidence > topics[j].confidence })

	syn.Candidates = s.score(active)
	if len(syn.Candidates) > 0 {
		syn.CurrentUnderstanding = syn.Candidates[0].Content
		syn.ConfidenceScore = syn.Candidates[0].Confidence
	} else if len(topics) > 0 {
		syn.CurrentUnderstanding = topics[0].top.Content
		syn.ConfidenceScore = topics[0].confidence
	}
	return syn
}

// saturation is 1 - recent/total: the share of entries older than Window.
func (s *Store) saturation(entries []models.KnowledgeEntry, now time.Time) float64 {
	recent := 0
	for _, e := range entries {
		if now.Sub(e.CreatedAt) < s.cfg.Window {
			recent++
		}
	}
	return 1 - float64(recent)/float64(len(entries))
}

// group partitions entries with union-find over dependency links and
// similarity at or above ClusterThreshold. Groups and their members keep
// append order.
func (s *Store) group(entries []models.KnowledgeEntry) [][]models.KnowledgeEntry {
	n := len(entries)
	parent := make([]int, n)
	for i := range parent {
		parent[i] = i
	}
	var find func(i int) int
	find = func(i int) int {
		if parent[i] != i {
			parent[i] = find(parent[i])
		}
		return parent[i]
	}
	union := func(i, j int) {
		pi, pj := find(i), find(j)
		if pi == pj {
			return
		}
		// Keep the earliest entry as representative.
		if pi < pj {
			parent[pj] = pi
		} else {
			parent[pi] = pj
		}
	}

	pos := make(map[string]int, n)
	for i, e := range entries {
		pos[e.ID] = i
	}
	for i, e := range entries {
		for _, dep := range e.DependsOn {
			if j, ok := pos[dep]; ok {
				union(i, j)
			}
		}
	}
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			if s.sim.Score(entries[i].Content, entries[j].Content) >= s.cfg.ClusterThreshold {
				union(i, j)
			}
		}
	}

	byRoot := make(map[int][]models.KnowledgeEntry)
	var roots []int
	for i, e := range entries {
		r := find(i)
		if _, ok := byRoot[r]; !ok {
			roots = append(roots, r)
		}
		byRoot[r] = append(byRoot[r], e)
	}
	out := make([][]models.KnowledgeEntry, 0, len(roots))
	for _, r := range roots {
		out = append(out, byRoot[r])
	}
	return out
}

// weightedConfidence averages entry confidence, weighting each entry by
// recency decay and dividing each contributor's weight across their
// entries so prolific contributors do not dominate.
func (s *Store) weightedConfidence(g []models.KnowledgeEntry, now time.Time) float64 {
	perContributor := make(map[string]int)
	for _, e := range g {
		perContributor[e.ContributorID]++
	}
	num, den := 0.0, 0.0
	for _, e := range g {
		w := s.decay(now.Sub(e.CreatedAt)) / float64(perContributor[e.ContributorID])
		num += w * e.Confidence
		den += w
	}
	if den == 0 {
		return 0
	}
	return num / den
}

func (s *Store) decay(age time.Duration) float64 {
	if s.cfg.HalfLife <= 0 || age <= 0 {
		return 1
	}
	return math.Pow(0.5, float64(age)/float64(s.cfg.HalfLife))
}

// conflicts flags pairs of claims from different contributors that are
// dissimilar yet held with confidence within ConflictDelta of each other.
func (s *Store) conflicts(g []models.KnowledgeEntry) []Conflict {
	var out []Conflict
	for i := 0; i < len(g); i++ {
		if !isClaim(g[i]) {
			continue
		}
		for j := i + 1; j < len(g); j++ {
			a, b := g[i], g[j]
			if !isClaim(b) || a.ContributorID == b.ContributorID {
				continue
			}
			if s.sim.Score(a.Content, b.Content) >= s.cfg.ClusterThreshold {
				continue
			}
			if math.Abs(a.Confidence-b.Confidence) <= s.cfg.ConflictDelta {
				out = append(out, Conflict{
					Topic:        g[0].Content,
					EntryIDs:     []string{a.ID, b.ID},
					Contributors: []string{a.ContributorID, b.ContributorID},
				})
			}
		}
	}
	return out
}

func isClaim(e models.KnowledgeEntry) bool {
	return e.Type == models.EntryHypothesis || e.Type == models.EntrySolution || e.Type == models.EntryObservation
}

func contributors(g []models.KnowledgeEntry) int {
	seen := make(map[string]bool)
	for _, e := range g {
		seen[e.ContributorID] = true
	}
	return len(seen)
}

// score turns voted candidates into convergence scores:
// 0.4*avg entry confidence + 0.3*vote ratio + 0.3*evidence strength.
func (s *Store) score(active []models.KnowledgeEntry) []models.SolutionCandidate {
	candidates := Vote(active, s.sim, s.cfg.ClusterThreshold)
	if len(candidates) == 0 {
		return nil
	}

	totalVotes := 0
	for _, c := range candidates {
		totalVotes += c.Votes
	}

	// Cluster membership, to count supporting evidence per candidate.
	members := make(map[string]string)
	for _, e := range active {
		if e.Type != models.EntrySolution {
			continue
		}
		for _, c := range candidates {
			if s.sim.Score(c.Content, e.Content) >= s.cfg.ClusterThreshold {
				members[e.ID] = c.EntryID
				break
			}
		}
	}
	evidence := make(map[string]int)
	for _, e := range active {
		if e.Type == models.EntrySolution {
			continue
		}
		counted := make(map[string]bool)
		for _, dep := range e.DependsOn {
			if c, ok := members[dep]; ok && !counted[c] {
				counted[c] = true
				evidence[c]++
			}
		}
	}

	for i := range candidates {
		c := &candidates[i]
		voteRatio := float64(c.Votes) / float64(totalVotes)
		strength := math.Min(1, float64(evidence[c.EntryID])/evidenceTarget)
		c.Confidence = 0.4*c.Confidence + 0.3*voteRatio + 0.3*strength
	}
	sort.SliceStable(candidates, func(i, j int) bool { return candidates[i].Confidence > candidates[j].Confidence })
	return candidates
}
