package blackboard

import (
	"sort"

	"github.com/ShayCichocki/loom/pkg/models"
)

// Vote clusters solution entries whose contents score at least threshold
// under sim, and returns one candidate per cluster. Each entry votes for its
// cluster with weight equal to its confidence. Candidates are ordered by
// total vote weight, heaviest first; the candidate content is that of the
// cluster's most confident entry.
func Vote(entries []models.KnowledgeEntry, sim Similarity, threshold float64) []models.SolutionCandidate {
	if sim == nil {
		sim = TokenJaccard{}
	}

	type cluster struct {
		lead    models.KnowledgeEntry
		members []models.KnowledgeEntry
		weight  float64
	}
	var clusters []*cluster
	for _, e := range entries {
		if e.Type != models.EntrySolution {
			continue
		}
		var home *cluster
		for _, c := range clusters {
			if sim.Score(c.lead.Content, e.Content) >= threshold {
				home = c
				break
			}
		}
		if home == nil {
			home = &cluster{lead: e}
			clusters = append(clusters, home)
		}
		home.members = append(home.members, e)
		home.weight += e.Confidence
		if e.Confidence > home.lead.Confidence {
			home.lead = e
		}
	}

	sort.SliceStable(clusters, func(i, j int) bool { return clusters[i].weight > clusters[j].weight })

	out := make([]models.SolutionCandidate, 0, len(clusters))
	for _, c := range clusters {
		seen := make(map[string]bool)
		var supporters []string
		for _, m := range c.members {
			if !seen[m.ContributorID] {
				seen[m.ContributorID] = true
				supporters = append(supporters, m.ContributorID)
			}
		}
		out = append(out, models.SolutionCandidate{
			EntryID:    c.lead.ID,
			Content:    c.lead.Content,
			Confidence: c.weight / float64(len(c.members)),
			Votes:      len(c.members),
			Supporters: supporters,
		})
	}
	return out
}
