package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"oscesim/internal/logging"
	"oscesim/internal/models"
)

// EncounterService is the per-utterance pipeline: validate the request
// against the stage gate, build masked context, invoke the generative
// responder, score any disclosure action, then redact and allowlist the
// responder's output before returning it.
type EncounterService struct {
	cases     *CaseService
	sessions  *SessionStore
	gate      *StageGate
	responder Responder
	passMark  float64
}

// NewEncounterService creates the encounter orchestrator.
func NewEncounterService(cases *CaseService, sessions *SessionStore, gate *StageGate, responder Responder, passMark float64) *EncounterService {
	return &EncounterService{
		cases:     cases,
		sessions:  sessions,
		gate:      gate,
		responder: responder,
		passMark:  passMark,
	}
}

// StartEncounter returns the learner's active session for the case, creating
// one if none exists. The case must exist; a missing case is a hard error.
func (s *EncounterService) StartEncounter(ctx context.Context, userID, caseID, clientSessionID string) (*models.Session, error) {
	if _, err := s.cases.GetTruth(ctx, caseID, ""); err != nil {
		return nil, err
	}
	if clientSessionID != "" {
		return s.sessions.Resume(ctx, userID, caseID, clientSessionID)
	}
	return s.sessions.GetOrCreate(ctx, userID, caseID)
}

// GetSession returns the addressed session.
func (s *EncounterService) GetSession(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	return s.sessions.Load(ctx, sessionID, userID, "")
}

// activeSession loads a session and rejects turns against completed sessions
// or stages without a gate configuration.
func (s *EncounterService) activeSession(ctx context.Context, sessionID, userID string) (*models.Session, error) {
	session, err := s.sessions.Load(ctx, sessionID, userID, "")
	if err != nil {
		return nil, err
	}
	if session.IsCompleted {
		return nil, ErrSessionCompleted
	}
	if _, ok := s.gate.PolicyFor(session.CurrentStage); !ok {
		return nil, fmt.Errorf("no gate configuration for stage %q", session.CurrentStage)
	}
	return session, nil
}

// HandleUtterance runs one learner utterance through the full pipeline.
func (s *EncounterService) HandleUtterance(ctx context.Context, sessionID, userID, utterance string) (*models.TurnResult, error) {
	start := time.Now()

	session, err := s.activeSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	truth, err := s.cases.GetTruth(ctx, session.CaseID, session.ID)
	if err != nil {
		return nil, err
	}

	policy, _ := s.gate.PolicyFor(session.CurrentStage)
	masked := s.gate.MaskContext(truth, session.CurrentStage)
	systemContext := buildSystemContext(masked, policy)

	reply, err := s.responder.Respond(ctx, systemContext, utterance)
	if err != nil {
		return nil, fmt.Errorf("responder failed: %w", err)
	}

	// Score any disclosure action using the disclosed topic, falling back to
	// the raw utterance, and commit the deltas through the session store.
	update := models.SessionUpdate{
		AddTranscript: []models.TranscriptEntry{{Role: "learner", Content: utterance, Timestamp: time.Now()}},
	}
	var score models.ScoreResult
	if topic, ok := disclosureTopic(reply); ok {
		text := topic
		if strings.TrimSpace(text) == "" {
			text = utterance
		}
		score = EvaluateAction(truth, session, text, session.CurrentStage)
		if score.Record != nil {
			points := score.PointsAwarded
			update.ScoreDelta = &points
			update.AddActions = []models.ActionRecord{*score.Record}
			update.AddRevealedFacts = []string{score.Record.ItemText}
			update.AddCriticalFlags = newFlags(session.CriticalFlags, score.CriticalFlags)
			if score.IsStageFailed {
				failed := true
				update.FailedStage = &failed
			}
		}
	}

	session, err = s.sessions.Update(ctx, session.ID, update)
	if err != nil {
		return nil, err
	}

	// The stage may have advanced concurrently since the pre-check; gate the
	// output against the stage that is current now.
	filtered := s.gate.FilterReply(reply, session.CurrentStage)
	session, filtered = s.applyStageProgression(ctx, session, filtered)

	content := ""
	if filtered.Content != nil {
		content = *filtered.Content
	}
	if content != "" {
		session, err = s.sessions.Update(ctx, session.ID, models.SessionUpdate{
			AddTranscript: []models.TranscriptEntry{{Role: "patient", Content: content, Timestamp: time.Now()}},
		})
		if err != nil {
			return nil, err
		}
	}

	if m := GetMetrics(); m != nil {
		m.EncounterTurns.Inc()
		m.TurnLatency.Observe(time.Since(start).Seconds())
	}
	logging.WithSession(session.ID, session.CaseID, userID).Debug("encounter turn completed",
		"stage", session.CurrentStage,
		"points_awarded", score.PointsAwarded,
		"duration_ms", time.Since(start).Milliseconds(),
	)

	return &models.TurnResult{
		Content:       content,
		ToolCalls:     filtered.ToolCalls,
		PointsAwarded: score.PointsAwarded,
		TotalScore:    session.ScoreTotal,
		CurrentStage:  session.CurrentStage,
	}, nil
}

// applyStageProgression executes any progress_stage action that survived
// filtering. An illegal skip is rewritten into a deny_request; reaching "end"
// is ignored here because completion is signaled out-of-band.
func (s *EncounterService) applyStageProgression(ctx context.Context, session *models.Session, reply *models.ResponderReply) (*models.Session, *models.ResponderReply) {
	for _, call := range reply.ToolCalls {
		if call.Name != models.ActionProgressStage {
			continue
		}
		target := models.Stage(strings.ToLower(call.StringArg("nextStage")))
		if target == models.StageEnd {
			continue
		}
		updated, err := s.gate.Transition(ctx, session, target)
		if err != nil {
			if errors.Is(err, ErrInvalidStageTransition) {
				return session, denyReply(err.Error())
			}
			log.Printf("⚠️  [ENCOUNTER] Stage progression failed for session %s: %v", session.ID, err)
			continue
		}
		session = updated
	}
	return session, reply
}

// SubmitAction scores a structured action submission against the rubric and
// commits the result.
func (s *EncounterService) SubmitAction(ctx context.Context, sessionID, userID string, req models.ActionRequest) (*models.ActionResult, error) {
	session, err := s.activeSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}

	stage := req.Stage
	if stage == "" {
		stage = session.CurrentStage
	}
	if !stage.Valid() {
		return nil, fmt.Errorf("%w: unknown stage %q", ErrInvalidStageTransition, req.Stage)
	}

	truth, err := s.cases.GetTruth(ctx, session.CaseID, session.ID)
	if err != nil {
		return nil, err
	}

	text := req.Details
	if strings.TrimSpace(text) == "" {
		text = req.Action
	}

	score := EvaluateAction(truth, session, text, stage)
	if score.Record != nil {
		points := score.PointsAwarded
		update := models.SessionUpdate{
			ScoreDelta:       &points,
			AddActions:       []models.ActionRecord{*score.Record},
			AddRevealedFacts: []string{score.Record.ItemText},
			AddCriticalFlags: newFlags(session.CriticalFlags, score.CriticalFlags),
		}
		if score.IsStageFailed {
			failed := true
			update.FailedStage = &failed
		}
		session, err = s.sessions.Update(ctx, session.ID, update)
		if err != nil {
			return nil, err
		}
	}

	return &models.ActionResult{
		PointsAwarded: score.PointsAwarded,
		TotalScore:    session.ScoreTotal,
		CriticalFlags: session.CriticalFlags,
		IsStageFailed: score.IsStageFailed,
		FailedStage:   session.FailedStage,
		Feedback:      score.Feedback,
		UpdatedStage:  session.CurrentStage,
	}, nil
}

// RequestStage advances (or revisits) a stage on explicit request. An empty
// target means "the next stage", the auto-advance path that coexists with
// the progress_stage declared action.
func (s *EncounterService) RequestStage(ctx context.Context, sessionID, userID string, target models.Stage) (*models.Session, error) {
	session, err := s.activeSession(ctx, sessionID, userID)
	if err != nil {
		return nil, err
	}
	if target == "" {
		target = session.CurrentStage.Next()
	}
	if target == models.StageEnd {
		return nil, fmt.Errorf("%w: encounter has no stage beyond %s", ErrInvalidStageTransition, session.CurrentStage)
	}
	return s.gate.Transition(ctx, session, target)
}

// Complete marks the session finished, triggers the synchronous durable flush
// and returns the pass/fail summary. Completing an already-completed session
// recomputes the summary without mutating anything.
func (s *EncounterService) Complete(ctx context.Context, sessionID, userID string) (*models.CompletionSummary, error) {
	session, err := s.sessions.Load(ctx, sessionID, userID, "")
	if err != nil {
		return nil, err
	}

	truth, err := s.cases.GetTruth(ctx, session.CaseID, session.ID)
	if err != nil {
		return nil, err
	}

	if !session.IsCompleted {
		completed := true
		session, err = s.sessions.Update(ctx, session.ID, models.SessionUpdate{IsCompleted: &completed})
		if err != nil {
			return nil, err
		}
	}

	maxScore := MaxPositiveScore(truth.MarkingScheme)
	percentage := 0.0
	if maxScore > 0 {
		percentage = float64(session.ScoreTotal) / float64(maxScore) * 100
		if percentage < 0 {
			percentage = 0
		}
	}
	passed := percentage >= s.passMark && len(session.CriticalFlags) == 0 && !session.FailedStage

	log.Printf("🏁 [ENCOUNTER] Session %s completed: %d/%d (%.1f%%), passed: %v", session.ID, session.ScoreTotal, maxScore, percentage, passed)

	return &models.CompletionSummary{
		ScoreTotal:    session.ScoreTotal,
		MaxScore:      maxScore,
		Percentage:    percentage,
		Passed:        passed,
		CriticalFlags: session.CriticalFlags,
		FailedStage:   session.FailedStage,
	}, nil
}

// disclosureTopic returns the topic of the first disclosure action in the
// reply, and whether one was found.
func disclosureTopic(reply *models.ResponderReply) (string, bool) {
	for _, call := range reply.ToolCalls {
		switch call.Name {
		case models.ActionRevealInfo:
			return call.StringArg("content"), true
		case models.ActionRevealFinding:
			return call.StringArg("finding"), true
		case models.ActionRevealResult:
			return call.StringArg("name"), true
		case models.ActionConfirmManagement:
			return call.StringArg("plan"), true
		}
	}
	return "", false
}

// newFlags returns the flags in updated that are not already in existing.
func newFlags(existing, updated []string) []string {
	var added []string
	for _, flag := range updated {
		if !containsString(existing, flag) {
			added = append(added, flag)
		}
	}
	return added
}

// buildSystemContext renders the masked truth and stage rules into the
// responder's system prompt.
func buildSystemContext(masked *MaskedContext, policy StagePolicy) string {
	data, _ := json.MarshalIndent(masked, "", "  ")

	var sb strings.Builder
	sb.WriteString("You are role-playing a simulated patient in a staged clinical encounter with a medical learner.\n")
	sb.WriteString(fmt.Sprintf("The encounter is currently in the %s stage.\n", masked.Stage))
	sb.WriteString(fmt.Sprintf("You may only disclose information through these declared actions: %s.\n", strings.Join(policy.AllowedActions, ", ")))
	sb.WriteString("Answer only what the learner asks. Never volunteer the diagnosis or information belonging to a later stage.\n")
	if len(policy.ForbiddenTopics) > 0 {
		sb.WriteString(fmt.Sprintf("Do not mention: %s.\n", strings.Join(policy.ForbiddenTopics, ", ")))
	}
	sb.WriteString("\nCase context (confidential):\n")
	sb.Write(data)
	return sb.String()
}
