package services

import (
	"fmt"
	"strings"
	"time"

	"oscesim/internal/models"
)

// Feedback strings returned by the scoring engine.
const (
	FeedbackNotInScheme      = "not in marking scheme"
	FeedbackAlreadyPerformed = "already performed"
)

// EvaluateAction matches a free-text action against the case's rubric for the
// given stage. The first checklist item whose text is a case-insensitive
// substring match in either direction wins. A given item contributes to the
// score at most once per session; repeat matches report "already performed"
// with zero points. A critical item with negative weight raises a critical
// flag and fails the stage.
//
// The engine never mutates the session. The caller commits Record and the
// point/flag deltas through the session store.
func EvaluateAction(truth *models.CaseTruth, session *models.Session, actionText string, stage models.Stage) models.ScoreResult {
	result := models.ScoreResult{
		PointsTotal:   session.ScoreTotal,
		CriticalFlags: append([]string{}, session.CriticalFlags...),
		IsStageFailed: session.FailedStage,
	}

	matched := matchChecklistItem(truth.MarkingScheme, actionText, stage)
	if matched == nil {
		result.Feedback = FeedbackNotInScheme
		return result
	}

	if session.HasTakenAction(matched.Text) {
		result.Feedback = FeedbackAlreadyPerformed
		return result
	}

	result.PointsAwarded = matched.Weight
	result.PointsTotal = session.ScoreTotal + matched.Weight
	result.Record = &models.ActionRecord{
		Stage:     stage,
		Action:    actionText,
		ItemText:  matched.Text,
		Points:    matched.Weight,
		Timestamp: time.Now(),
	}

	if matched.Critical && matched.Weight < 0 {
		result.CriticalFlags = append(result.CriticalFlags, matched.Text)
		result.IsStageFailed = true
		result.Feedback = fmt.Sprintf("critical error: %s (%d points)", matched.Text, matched.Weight)
		return result
	}

	result.Feedback = fmt.Sprintf("%s (%+d points)", matched.Text, matched.Weight)
	return result
}

// matchChecklistItem returns the first item for the stage whose text contains
// the action text or is contained by it, ignoring case.
func matchChecklistItem(scheme []models.ChecklistItem, actionText string, stage models.Stage) *models.ChecklistItem {
	action := strings.ToLower(strings.TrimSpace(actionText))
	if action == "" {
		return nil
	}
	for i := range scheme {
		if scheme[i].Stage != stage {
			continue
		}
		item := strings.ToLower(scheme[i].Text)
		if strings.Contains(item, action) || strings.Contains(action, item) {
			return &scheme[i]
		}
	}
	return nil
}

// MaxPositiveScore sums the positive rubric weights, the denominator of the
// completion percentage.
func MaxPositiveScore(scheme []models.ChecklistItem) int {
	total := 0
	for _, item := range scheme {
		if item.Weight > 0 {
			total += item.Weight
		}
	}
	return total
}
