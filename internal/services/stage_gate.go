package services

import (
	"context"
	"fmt"
	"log"
	"os"
	"strings"

	"oscesim/internal/models"

	"gopkg.in/yaml.v3"
)

// RefusalText replaces responder content that leaks a forbidden topic.
const RefusalText = "I'm not able to discuss that at this point in the consultation."

// StagePolicy configures one stage: which declared actions the responder may
// take and which topic keywords its free text must not mention. The topic
// filter is an exact case-insensitive substring match: a blunt heuristic,
// kept deliberately imprecise.
type StagePolicy struct {
	AllowedActions  []string `yaml:"allowed_actions"`
	ForbiddenTopics []string `yaml:"forbidden_topics"`
}

// GatePolicy maps each encounter stage to its policy.
type GatePolicy map[models.Stage]StagePolicy

// DefaultGatePolicy returns the built-in stage policy table.
func DefaultGatePolicy() GatePolicy {
	return GatePolicy{
		models.StageHistory: {
			AllowedActions:  []string{models.ActionRevealInfo, models.ActionDenyRequest, models.ActionProgressStage},
			ForbiddenTopics: []string{"diagnosis"},
		},
		models.StageExamination: {
			AllowedActions:  []string{models.ActionRevealFinding, models.ActionDenyRequest, models.ActionProgressStage},
			ForbiddenTopics: []string{"diagnosis"},
		},
		models.StageInvestigations: {
			AllowedActions:  []string{models.ActionRevealResult, models.ActionDenyRequest, models.ActionProgressStage},
			ForbiddenTopics: []string{"diagnosis"},
		},
		models.StageManagement: {
			AllowedActions:  []string{models.ActionConfirmManagement, models.ActionProgressStage},
			ForbiddenTopics: []string{},
		},
	}
}

// LoadGatePolicy reads a YAML policy file and overlays it on the defaults.
// Stages absent from the file keep their built-in policy.
func LoadGatePolicy(path string) (GatePolicy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read gate policy file: %w", err)
	}

	var overrides map[models.Stage]StagePolicy
	if err := yaml.Unmarshal(data, &overrides); err != nil {
		return nil, fmt.Errorf("failed to parse gate policy YAML: %w", err)
	}

	policy := DefaultGatePolicy()
	for stage, override := range overrides {
		if !stage.Valid() {
			return nil, fmt.Errorf("gate policy names unknown stage %q", stage)
		}
		policy[stage] = override
	}
	return policy, nil
}

// MaskedContext is the stage-limited view of case truth handed to the
// generative responder. Fields a stage forbids are zero-valued and omitted
// from serialization: diagnosis and the rubric never appear before the
// management stage.
type MaskedContext struct {
	CaseID         string              `json:"case_id"`
	Title          string              `json:"title"`
	Specialty      string              `json:"specialty,omitempty"`
	Stage          models.Stage        `json:"stage"`
	Demographics   models.Demographics `json:"demographics"`
	ChiefComplaint string              `json:"chief_complaint"`

	HistoryDetails     string   `json:"history_details,omitempty"`
	PastMedicalHistory []string `json:"past_medical_history,omitempty"`
	Medications        []string `json:"medications,omitempty"`
	Allergies          []string `json:"allergies,omitempty"`
	SocialHistory      string   `json:"social_history,omitempty"`
	FamilyHistory      string   `json:"family_history,omitempty"`
	ReviewOfSystems    string   `json:"review_of_systems,omitempty"`

	Examination    *models.ExamFindings         `json:"examination,omitempty"`
	Investigations []models.InvestigationResult `json:"investigations,omitempty"`

	Diagnosis  string                 `json:"diagnosis,omitempty"`
	Management string                 `json:"management,omitempty"`
	Rubric     []models.ChecklistItem `json:"rubric,omitempty"`
}

// StageGate enforces the stage policy: monotonic single-step stage
// advancement, truth masking, action allowlisting and output redaction.
type StageGate struct {
	policy GatePolicy
	store  *SessionStore
}

// NewStageGate creates a stage gate backed by the given session store.
func NewStageGate(policy GatePolicy, store *SessionStore) *StageGate {
	if policy == nil {
		policy = DefaultGatePolicy()
	}
	return &StageGate{policy: policy, store: store}
}

// PolicyFor returns the policy for a stage, or false when the stage has no
// gate configuration.
func (g *StageGate) PolicyFor(stage models.Stage) (StagePolicy, bool) {
	policy, ok := g.policy[stage]
	return policy, ok
}

// Transition validates a requested stage change and commits a legal advance
// through the session store. Revisiting an earlier (or the current) stage is
// always allowed and changes nothing; advancing one step appends the current
// stage to completedStages; anything further ahead fails with
// ErrInvalidStageTransition and leaves the session unchanged.
func (g *StageGate) Transition(ctx context.Context, session *models.Session, target models.Stage) (*models.Session, error) {
	targetIdx := target.Index()
	if targetIdx < 0 {
		return nil, fmt.Errorf("%w: unknown stage %q", ErrInvalidStageTransition, target)
	}
	currentIdx := session.CurrentStage.Index()

	switch {
	case targetIdx <= currentIdx:
		return session, nil
	case targetIdx == currentIdx+1:
		completed := session.CurrentStage
		updated, err := g.store.Update(ctx, session.ID, models.SessionUpdate{
			CurrentStage:     &target,
			AddCompletedWith: &completed,
		})
		if err != nil {
			return nil, err
		}
		log.Printf("➡️  [STAGE-GATE] Session %s advanced %s -> %s", session.ID, completed, target)
		return updated, nil
	default:
		return nil, fmt.Errorf("%w: %s -> %s", ErrInvalidStageTransition, session.CurrentStage, target)
	}
}

// MaskContext returns the subset of truth fields permitted for the stage.
// Disclosure is cumulative: each stage exposes everything earlier stages did
// plus its own fields. Diagnosis, the management plan and the rubric are
// management-only, and only the management portion of the rubric is ever
// exposed.
func (g *StageGate) MaskContext(truth *models.CaseTruth, stage models.Stage) *MaskedContext {
	masked := &MaskedContext{
		CaseID:         truth.CaseID,
		Title:          truth.Title,
		Specialty:      truth.Specialty,
		Stage:          stage,
		Demographics:   truth.Truth.Demographics,
		ChiefComplaint: truth.Truth.ChiefComplaint,

		HistoryDetails:     truth.Truth.HistoryDetails,
		PastMedicalHistory: truth.Truth.PastMedicalHistory,
		Medications:        truth.Truth.Medications,
		Allergies:          truth.Truth.Allergies,
		SocialHistory:      truth.Truth.SocialHistory,
		FamilyHistory:      truth.Truth.FamilyHistory,
		ReviewOfSystems:    truth.Truth.ReviewOfSystems,
	}

	idx := stage.Index()
	if idx >= models.StageExamination.Index() {
		exam := truth.Truth.Examination
		masked.Examination = &exam
	}
	if idx >= models.StageInvestigations.Index() {
		masked.Investigations = truth.Truth.Investigations
	}
	if idx >= models.StageManagement.Index() {
		masked.Diagnosis = truth.Truth.Diagnosis
		masked.Management = truth.Truth.Management
		for _, item := range truth.MarkingScheme {
			if item.Stage == models.StageManagement {
				masked.Rubric = append(masked.Rubric, item)
			}
		}
	}

	return masked
}

// FilterReply validates a responder reply against the stage policy and
// returns a safe version of it. An action outside the stage's allowlist
// rejects the output wholesale: content and all tool calls are dropped and
// replaced with a single deny_request carrying the reason. Independently, free
// text mentioning a forbidden topic is replaced with the fixed refusal string.
func (g *StageGate) FilterReply(reply *models.ResponderReply, stage models.Stage) *models.ResponderReply {
	policy, ok := g.policy[stage]
	if !ok {
		return denyReply(fmt.Sprintf("no gate configuration for stage %q", stage))
	}

	for _, call := range reply.ToolCalls {
		if !containsString(policy.AllowedActions, call.Name) {
			GetMetrics().incPolicyRejection("action")
			log.Printf("🚫 [STAGE-GATE] Action %q rejected during %s stage", call.Name, stage)
			return denyReply(fmt.Sprintf("the %s action is not permitted during the %s stage", call.Name, stage))
		}
	}

	filtered := &models.ResponderReply{
		Content:   reply.Content,
		ToolCalls: reply.ToolCalls,
	}
	if reply.Content != nil && leaksForbiddenTopic(*reply.Content, policy.ForbiddenTopics) {
		GetMetrics().incPolicyRejection("content")
		log.Printf("🚫 [STAGE-GATE] Content redacted during %s stage (forbidden topic)", stage)
		refusal := RefusalText
		filtered.Content = &refusal
	}
	return filtered
}

// leaksForbiddenTopic is an exact keyword match, not semantic. Precision is
// intentionally left as-is; upgrading it would change observable behavior.
func leaksForbiddenTopic(content string, topics []string) bool {
	lower := strings.ToLower(content)
	for _, topic := range topics {
		if topic != "" && strings.Contains(lower, strings.ToLower(topic)) {
			return true
		}
	}
	return false
}

func denyReply(reason string) *models.ResponderReply {
	return &models.ResponderReply{
		ToolCalls: []models.ResponderToolCall{{
			Name:      models.ActionDenyRequest,
			Arguments: map[string]interface{}{"reason": reason},
		}},
	}
}
