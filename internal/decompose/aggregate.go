package decompose

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/ShayCichocki/loom/internal/blackboard"
	"github.com/ShayCichocki/loom/pkg/models"
)

// Policy selects how a composite task combines its children's results.
type Policy string

const (
	// PolicySequential concatenates results in child order; effort sums.
	PolicySequential Policy = "sequential"
	// PolicyParallel merges keyed results; effort is the max; differing
	// values for one key are flagged as conflicts.
	PolicyParallel Policy = "parallel"
	// PolicySynthesis resolves results by confidence-weighted voting.
	PolicySynthesis Policy = "synthesis"
)

// ParamAggregate is the composite task param naming its Policy.
const ParamAggregate = "aggregate"

// ChildResult is one child's contribution to an aggregation.
type ChildResult struct {
	TaskID     string
	Result     []byte
	Effort     int
	Degraded   bool
	Confidence float64
}

// Aggregation is the combined result of a composite task.
type Aggregation struct {
	Result     []byte
	Effort     int
	Degraded   bool
	Confidence float64
	Conflicts  []string
}

// AggregateOptions tunes synthesis aggregation.
type AggregateOptions struct {
	// Similarity clusters equivalent results. Defaults to TokenJaccard.
	Similarity blackboard.Similarity
	// ClusterThreshold is the similarity at which two results agree.
	ClusterThreshold float64
	// ConflictDelta flags a conflict when the runner-up's vote share is
	// within this distance of the winner's.
	ConflictDelta float64
	// Now stamps the synthesized entries. Defaults to time.Now.
	Now func() time.Time
}

// Aggregate combines children's results under policy.
func Aggregate(policy Policy, children []ChildResult, opts AggregateOptions) (Aggregation, error) {
	var agg Aggregation
	for _, c := range children {
		agg.Degraded = agg.Degraded || c.Degraded
	}

	switch policy {
	case PolicySequential, "":
		var buf bytes.Buffer
		for i, c := range children {
			if i > 0 {
				buf.WriteByte('\n')
			}
			buf.Write(c.Result)
			agg.Effort += c.Effort
		}
		agg.Result = buf.Bytes()
		agg.Confidence = minConfidence(children)
		return agg, nil

	case PolicyParallel:
		merged := make(map[string]json.RawMessage)
		owner := make(map[string]string)
		for _, c := range children {
			if c.Effort > agg.Effort {
				agg.Effort = c.Effort
			}
			for k, v := range keyed(c) {
				if prev, ok := merged[k]; ok && !bytes.Equal(prev, v) {
					agg.Conflicts = append(agg.Conflicts,
						fmt.Sprintf("key %q: %s and %s disagree", k, owner[k], c.TaskID))
					continue
				}
				merged[k] = v
				owner[k] = c.TaskID
			}
		}
		out, err := json.Marshal(merged)
		if err != nil {
			return Aggregation{}, fmt.Errorf("merge parallel results: %w", err)
		}
		agg.Result = out
		agg.Confidence = minConfidence(children)
		return agg, nil

	case PolicySynthesis:
		return synthesize(children, opts, agg)

	default:
		return Aggregation{}, fmt.Errorf("unknown aggregation policy %q", policy)
	}
}

// keyed returns a child's result as JSON object members. Non-object results
// are keyed by the child's task ID.
func keyed(c ChildResult) map[string]json.RawMessage {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(c.Result, &obj); err == nil && obj != nil {
		return obj
	}
	raw, _ := json.Marshal(string(c.Result))
	return map[string]json.RawMessage{c.TaskID: raw}
}

func synthesize(children []ChildResult, opts AggregateOptions, agg Aggregation) (Aggregation, error) {
	if len(children) == 0 {
		return agg, nil
	}
	if opts.Similarity == nil {
		opts.Similarity = blackboard.TokenJaccard{}
	}
	if opts.ClusterThreshold <= 0 {
		opts.ClusterThreshold = 0.8
	}

	if opts.Now == nil {
		opts.Now = time.Now
	}
	now := opts.Now()
	entries := make([]models.KnowledgeEntry, 0, len(children))
	for _, c := range children {
		agg.Effort += c.Effort
		conf := c.Confidence
		if conf <= 0 {
			conf = 1
		}
		entries = append(entries, models.KnowledgeEntry{
			ID:            ulid.Make().String(),
			ContributorID: c.TaskID,
			Type:          models.EntrySolution,
			Content:       string(c.Result),
			Confidence:    conf,
			CreatedAt:     now,
		})
	}

	candidates := blackboard.Vote(entries, opts.Similarity, opts.ClusterThreshold)
	if len(candidates) == 0 {
		return agg, fmt.Errorf("synthesis produced no candidates")
	}

	total := 0.0
	for _, c := range candidates {
		total += weight(c)
	}
	sort.SliceStable(candidates, func(i, j int) bool { return weight(candidates[i]) > weight(candidates[j]) })

	best := candidates[0]
	agg.Result = []byte(best.Content)
	agg.Confidence = best.Confidence
	if total > 0 && len(candidates) > 1 {
		gap := (weight(best) - weight(candidates[1])) / total
		if gap <= opts.ConflictDelta {
			agg.Conflicts = append(agg.Conflicts,
				fmt.Sprintf("candidates %s and %s within %.2f", best.EntryID, candidates[1].EntryID, gap))
		}
	}
	return agg, nil
}

func weight(c models.SolutionCandidate) float64 {
	return c.Confidence * float64(c.Votes)
}

func minConfidence(children []ChildResult) float64 {
	out := 1.0
	for _, c := range children {
		if c.Confidence > 0 && c.Confidence < out {
			out = c.Confidence
		}
	}
	return out
}
