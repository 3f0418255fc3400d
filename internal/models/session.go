package models

import "time"

// ActionRecord records one scored disclosure action. ItemText is the matched
// checklist item's text and doubles as the idempotence key: an item whose text
// already appears in the history can never be awarded again.
type ActionRecord struct {
	Stage     Stage     `bson:"stage" json:"stage"`
	Action    string    `bson:"action" json:"action"`
	ItemText  string    `bson:"itemText" json:"item_text"`
	Points    int       `bson:"points" json:"points"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// TranscriptEntry is one turn of the learner/patient exchange.
type TranscriptEntry struct {
	Role      string    `bson:"role" json:"role"` // "learner" or "patient"
	Content   string    `bson:"content" json:"content"`
	Timestamp time.Time `bson:"timestamp" json:"timestamp"`
}

// Session is one learner's attempt at one case. It is created once per
// attempt, mutated through the session store for the life of the attempt, and
// becomes immutable once IsCompleted is true.
//
// ID is the cache identity: the Mongo ObjectID hex when the durable insert
// succeeded, otherwise a locally generated identifier. It is mapped to the
// _id field by the repository, not serialized directly.
type Session struct {
	ID              string            `bson:"-" json:"id"`
	UserID          string            `bson:"userId" json:"user_id"`
	CaseID          string            `bson:"caseId" json:"case_id"`
	CurrentStage    Stage             `bson:"currentStage" json:"current_stage"`
	CompletedStages []Stage           `bson:"completedStages" json:"completed_stages"`
	RevealedFacts   []string          `bson:"revealedFacts" json:"revealed_facts"`
	ScoreTotal      int               `bson:"scoreTotal" json:"score_total"`
	CriticalFlags   []string          `bson:"criticalFlags" json:"critical_flags"`
	FailedStage     bool              `bson:"failedStage" json:"failed_stage"`
	ActionsTaken    []ActionRecord    `bson:"actionsTaken" json:"actions_taken"`
	Transcript      []TranscriptEntry `bson:"transcript" json:"transcript"`
	IsCompleted     bool              `bson:"isCompleted" json:"is_completed"`
	CreatedAt       time.Time         `bson:"createdAt" json:"created_at"`
	LastInteraction time.Time         `bson:"lastInteraction" json:"last_interaction"`
}

// HasTakenAction reports whether a checklist item with the given text has
// already been awarded in this session.
func (s *Session) HasTakenAction(itemText string) bool {
	for _, rec := range s.ActionsTaken {
		if rec.ItemText == itemText {
			return true
		}
	}
	return false
}

// HasRevealedFact reports whether the fact identifier is in the revealed set.
func (s *Session) HasRevealedFact(fact string) bool {
	for _, f := range s.RevealedFacts {
		if f == fact {
			return true
		}
	}
	return false
}

// SessionUpdate is a partial field set merged into a cached session. Nil
// pointer fields are left untouched; slice fields append (the underlying sets
// are monotonic for the lifetime of a session).
type SessionUpdate struct {
	CurrentStage     *Stage
	AddCompletedWith *Stage // stage to append to completedStages
	AddRevealedFacts []string
	ScoreDelta       *int
	AddCriticalFlags []string
	FailedStage      *bool // only ever flips false -> true
	AddActions       []ActionRecord
	AddTranscript    []TranscriptEntry
	IsCompleted      *bool
}
