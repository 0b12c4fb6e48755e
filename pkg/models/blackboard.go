package models

import "time"

// BoardStatus represents the lifecycle state of a blackboard.
type BoardStatus string

const (
	BoardActive    BoardStatus = "active"
	BoardSolved    BoardStatus = "solved"
	BoardAbandoned BoardStatus = "abandoned"
)

// EntryType classifies a knowledge entry.
type EntryType string

const (
	EntryObservation EntryType = "observation"
	EntryHypothesis  EntryType = "hypothesis"
	EntrySolution    EntryType = "solution"
	EntryConstraint  EntryType = "constraint"
	EntryQuestion    EntryType = "question"
)

// Valid returns true if the type is a known value.
func (t EntryType) Valid() bool {
	switch t {
	case EntryObservation, EntryHypothesis, EntrySolution, EntryConstraint, EntryQuestion:
		return true
	default:
		return false
	}
}

// KnowledgeEntry is an immutable contribution to a blackboard.
type KnowledgeEntry struct {
	ID            string    `json:"id"`
	ContributorID string    `json:"contributor_id"`
	Type          EntryType `json:"type"`
	Content       string    `json:"content"`
	Confidence    float64   `json:"confidence"`
	DependsOn     []string  `json:"depends_on,omitempty"`
	Supersedes    []string  `json:"supersedes,omitempty"`
	CreatedAt     time.Time `json:"created_at"`
}

// SolutionCandidate is a solution entry scored by the synthesis pass.
type SolutionCandidate struct {
	EntryID    string   `json:"entry_id"`
	Content    string   `json:"content"`
	Confidence float64  `json:"confidence"`
	Votes      int      `json:"votes"`
	Supporters []string `json:"supporters,omitempty"`
}

// Blackboard is the shared knowledge space of one planning episode.
type Blackboard struct {
	ID               string              `json:"id"`
	ProblemStatement string              `json:"problem_statement"`
	Status           BoardStatus         `json:"status"`
	Entries          []KnowledgeEntry    `json:"entries"`
	Candidates       []SolutionCandidate `json:"solution_candidates,omitempty"`
	CreatedAt        time.Time           `json:"created_at"`
	ClosedAt         *time.Time          `json:"closed_at,omitempty"`
}
