package services

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"oscesim/internal/models"
)

func fullTruth() *models.CaseTruth {
	return &models.CaseTruth{
		CaseID:    "mi-01",
		Title:     "Crushing chest pain",
		Specialty: "cardiology",
		Truth: models.TruthBlock{
			Demographics:   models.Demographics{Name: "Alex Moore", Age: 58, Sex: "male"},
			ChiefComplaint: "Crushing central chest pain for 2 hours",
			HistoryDetails: "Pain radiates to the left arm, associated with sweating",
			Examination: models.ExamFindings{
				Vitals:  models.Vitals{HeartRate: 102, BloodPressure: "150/95", RespiratoryRate: 20, Temperature: 37.0, SpO2: 95},
				General: "Pale, diaphoretic",
			},
			Investigations: []models.InvestigationResult{
				{Name: "ECG", Result: "ST elevation in leads II, III, aVF", Abnormal: true},
			},
			Diagnosis:  "Inferior STEMI",
			Management: "MONA plus urgent PCI referral",
		},
		MarkingScheme: []models.ChecklistItem{
			{Stage: models.StageHistory, Text: "Asks about radiation of pain", Weight: 5},
			{Stage: models.StageManagement, Text: "Refers for urgent PCI", Weight: 10, Critical: true},
		},
	}
}

func newTestGate(t *testing.T) (*StageGate, *SessionStore) {
	t.Helper()
	store := NewSessionStore(newFakeRepo(), time.Minute)
	return NewStageGate(DefaultGatePolicy(), store), store
}

func TestStageGate_TransitionAdvancesOneStep(t *testing.T) {
	gate, store := newTestGate(t)
	session, _ := store.Create(context.Background(), "user-1", "mi-01", "")

	updated, err := gate.Transition(context.Background(), session, models.StageExamination)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if updated.CurrentStage != models.StageExamination {
		t.Errorf("Expected examination, got %q", updated.CurrentStage)
	}
	if len(updated.CompletedStages) != 1 || updated.CompletedStages[0] != models.StageHistory {
		t.Errorf("Expected history marked complete, got %v", updated.CompletedStages)
	}
}

func TestStageGate_TransitionRejectsSkips(t *testing.T) {
	gate, store := newTestGate(t)
	session, _ := store.Create(context.Background(), "user-1", "mi-01", "")

	_, err := gate.Transition(context.Background(), session, models.StageManagement)
	if !errors.Is(err, ErrInvalidStageTransition) {
		t.Fatalf("Expected ErrInvalidStageTransition, got %v", err)
	}
	if session.CurrentStage != models.StageHistory {
		t.Errorf("Expected session unchanged, got %q", session.CurrentStage)
	}
	if len(session.CompletedStages) != 0 {
		t.Errorf("Expected no completed stages, got %v", session.CompletedStages)
	}
}

func TestStageGate_TransitionRevisitIsNoOp(t *testing.T) {
	gate, store := newTestGate(t)
	session, _ := store.Create(context.Background(), "user-1", "mi-01", "")

	advanced, err := gate.Transition(context.Background(), session, models.StageExamination)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	revisited, err := gate.Transition(context.Background(), advanced, models.StageHistory)
	if err != nil {
		t.Fatalf("Expected revisit to succeed, got %v", err)
	}
	if revisited.CurrentStage != models.StageExamination {
		t.Errorf("Expected stage pointer unchanged on revisit, got %q", revisited.CurrentStage)
	}
}

func TestStageGate_TransitionUnknownStage(t *testing.T) {
	gate, store := newTestGate(t)
	session, _ := store.Create(context.Background(), "user-1", "mi-01", "")

	if _, err := gate.Transition(context.Background(), session, models.Stage("triage")); !errors.Is(err, ErrInvalidStageTransition) {
		t.Errorf("Expected ErrInvalidStageTransition, got %v", err)
	}
}

func TestStageGate_MaskContextHidesLaterStages(t *testing.T) {
	gate, _ := newTestGate(t)
	truth := fullTruth()

	tests := []struct {
		stage             models.Stage
		wantExam          bool
		wantInvestigation bool
		wantDiagnosis     bool
	}{
		{models.StageHistory, false, false, false},
		{models.StageExamination, true, false, false},
		{models.StageInvestigations, true, true, false},
		{models.StageManagement, true, true, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.stage), func(t *testing.T) {
			masked := gate.MaskContext(truth, tt.stage)

			if (masked.Examination != nil) != tt.wantExam {
				t.Errorf("Examination exposure = %v, want %v", masked.Examination != nil, tt.wantExam)
			}
			if (len(masked.Investigations) > 0) != tt.wantInvestigation {
				t.Errorf("Investigations exposure = %v, want %v", len(masked.Investigations) > 0, tt.wantInvestigation)
			}
			if (masked.Diagnosis != "") != tt.wantDiagnosis {
				t.Errorf("Diagnosis exposure = %v, want %v", masked.Diagnosis != "", tt.wantDiagnosis)
			}
			if (masked.Management != "") != tt.wantDiagnosis {
				t.Errorf("Management exposure = %v, want %v", masked.Management != "", tt.wantDiagnosis)
			}

			// History facts are always present.
			if masked.ChiefComplaint == "" || masked.Demographics.Name == "" {
				t.Error("Expected history facts in every stage")
			}
		})
	}
}

func TestStageGate_MaskedContextSerializationOmitsSecrets(t *testing.T) {
	gate, _ := newTestGate(t)
	masked := gate.MaskContext(fullTruth(), models.StageHistory)

	data, err := json.Marshal(masked)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	payload := string(data)

	for _, secret := range []string{"Inferior STEMI", "ST elevation", "rubric", "diagnosis"} {
		if strings.Contains(payload, secret) {
			t.Errorf("History-stage payload must not contain %q", secret)
		}
	}
}

func TestStageGate_MaskContextManagementRubricIsFiltered(t *testing.T) {
	gate, _ := newTestGate(t)
	masked := gate.MaskContext(fullTruth(), models.StageManagement)

	if len(masked.Rubric) != 1 {
		t.Fatalf("Expected only the management rubric item, got %d", len(masked.Rubric))
	}
	if masked.Rubric[0].Stage != models.StageManagement {
		t.Errorf("Expected management item, got %+v", masked.Rubric[0])
	}
}

func TestStageGate_FilterReplyRejectsDisallowedAction(t *testing.T) {
	gate, _ := newTestGate(t)
	content := "Here are your blood results."
	reply := &models.ResponderReply{
		Content: &content,
		ToolCalls: []models.ResponderToolCall{
			{Name: models.ActionRevealResult, Arguments: map[string]interface{}{"name": "Troponin"}},
		},
	}

	filtered := gate.FilterReply(reply, models.StageHistory)

	if filtered.Content != nil {
		t.Error("Expected content dropped on wholesale rejection")
	}
	if len(filtered.ToolCalls) != 1 || filtered.ToolCalls[0].Name != models.ActionDenyRequest {
		t.Fatalf("Expected a single deny_request, got %+v", filtered.ToolCalls)
	}
	reason := filtered.ToolCalls[0].StringArg("reason")
	if !strings.Contains(reason, models.ActionRevealResult) {
		t.Errorf("Expected reason to name the rejected action, got %q", reason)
	}
}

func TestStageGate_FilterReplyRedactsForbiddenTopic(t *testing.T) {
	gate, _ := newTestGate(t)
	content := "Patient's diagnosis is a myocardial infarction."
	reply := &models.ResponderReply{Content: &content}

	filtered := gate.FilterReply(reply, models.StageHistory)

	if filtered.Content == nil || *filtered.Content != RefusalText {
		t.Errorf("Expected refusal text, got %v", filtered.Content)
	}
}

func TestStageGate_FilterReplyPassesCleanOutput(t *testing.T) {
	gate, _ := newTestGate(t)
	content := "The pain started two hours ago."
	reply := &models.ResponderReply{
		Content: &content,
		ToolCalls: []models.ResponderToolCall{
			{Name: models.ActionRevealInfo, Arguments: map[string]interface{}{"category": "hpi", "content": "onset 2 hours ago"}},
		},
	}

	filtered := gate.FilterReply(reply, models.StageHistory)

	if filtered.Content == nil || *filtered.Content != content {
		t.Errorf("Expected content preserved, got %v", filtered.Content)
	}
	if len(filtered.ToolCalls) != 1 || filtered.ToolCalls[0].Name != models.ActionRevealInfo {
		t.Errorf("Expected tool calls preserved, got %+v", filtered.ToolCalls)
	}
}

func TestStageGate_ManagementAllowsDiagnosisTalk(t *testing.T) {
	gate, _ := newTestGate(t)
	content := "Yes, the diagnosis is an inferior STEMI; aspirin is a good first step."
	reply := &models.ResponderReply{Content: &content}

	filtered := gate.FilterReply(reply, models.StageManagement)
	if filtered.Content == nil || *filtered.Content != content {
		t.Errorf("Expected management-stage content untouched, got %v", filtered.Content)
	}
}

func TestLoadGatePolicy_OverlaysDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	yaml := `history:
  allowed_actions: [reveal_info, deny_request]
  forbidden_topics: [diagnosis, troponin]
`
	if err := os.WriteFile(path, []byte(yaml), 0644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	policy, err := LoadGatePolicy(path)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}

	history := policy[models.StageHistory]
	if len(history.AllowedActions) != 2 {
		t.Errorf("Expected override applied, got %v", history.AllowedActions)
	}
	if len(history.ForbiddenTopics) != 2 {
		t.Errorf("Expected extended topic list, got %v", history.ForbiddenTopics)
	}

	// Stages absent from the file keep the defaults.
	management := policy[models.StageManagement]
	if !containsString(management.AllowedActions, models.ActionConfirmManagement) {
		t.Errorf("Expected default management policy retained, got %v", management.AllowedActions)
	}
}

func TestLoadGatePolicy_RejectsUnknownStage(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	if err := os.WriteFile(path, []byte("triage:\n  allowed_actions: [reveal_info]\n"), 0644); err != nil {
		t.Fatalf("Failed to write policy file: %v", err)
	}

	if _, err := LoadGatePolicy(path); err == nil {
		t.Error("Expected error for unknown stage")
	}
}
