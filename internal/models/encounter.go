package models

// ActionRequest is an action submission from the surrounding application.
type ActionRequest struct {
	Action  string `json:"action"`
	Stage   Stage  `json:"stage"`
	Details string `json:"details,omitempty"`
}

// ActionResult is the response to an action submission.
type ActionResult struct {
	PointsAwarded int      `json:"points_awarded"`
	TotalScore    int      `json:"total_score"`
	CriticalFlags []string `json:"critical_flags"`
	IsStageFailed bool     `json:"is_stage_failed"`
	FailedStage   bool     `json:"failed_stage"`
	Feedback      string   `json:"feedback"`
	UpdatedStage  Stage    `json:"updated_stage"`
}

// ScoreResult is the scoring engine's verdict for one action text. The engine
// never mutates the session; the caller commits Record (when non-nil) together
// with the point and flag deltas through the session store.
type ScoreResult struct {
	PointsAwarded int
	PointsTotal   int
	CriticalFlags []string
	IsStageFailed bool
	Feedback      string
	Record        *ActionRecord
}

// TurnRequest is one learner utterance routed through the orchestrator.
type TurnRequest struct {
	Utterance string `json:"utterance"`
}

// TurnResult is the gated responder output for one utterance.
type TurnResult struct {
	Content       string              `json:"content"`
	ToolCalls     []ResponderToolCall `json:"tool_calls"`
	PointsAwarded int                 `json:"points_awarded"`
	TotalScore    int                 `json:"total_score"`
	CurrentStage  Stage               `json:"current_stage"`
}

// CompletionSummary is the pass/fail summary returned when a session is
// completed. Percentage is the share of the total positive rubric weight
// achieved; Passed additionally requires no critical flags and no failed stage.
type CompletionSummary struct {
	ScoreTotal    int      `json:"score_total"`
	MaxScore      int      `json:"max_score"`
	Percentage    float64  `json:"percentage"`
	Passed        bool     `json:"passed"`
	CriticalFlags []string `json:"critical_flags"`
	FailedStage   bool     `json:"failed_stage"`
}
