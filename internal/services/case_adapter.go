package services

import (
	"strings"

	"oscesim/internal/models"
)

// Fallback defaults applied when a legacy record omits optional fields. The
// adapter never fails on missing data; it degrades to these values.
var baselineVitals = models.Vitals{
	HeartRate:       72,
	BloodPressure:   "120/80",
	RespiratoryRate: 16,
	Temperature:     36.8,
	SpO2:            98,
}

// defaultSex is used when the sex heuristic finds no gendered token in the
// case description. The heuristic is intentionally approximate.
const defaultSex = "male"

// NormalizeCase converts either case schema into the canonical CaseTruth.
// Canonical records pass through unchanged. An empty record is the only error
// condition.
func NormalizeCase(record models.CaseRecord) (*models.CaseTruth, error) {
	switch {
	case record.Canonical != nil:
		return record.Canonical, nil
	case record.Legacy != nil:
		return normalizeLegacy(record.Legacy), nil
	default:
		return nil, ErrCaseNotFound
	}
}

func normalizeLegacy(legacy *models.LegacyCase) *models.CaseTruth {
	vitals := baselineVitals
	if legacy.Vitals != nil {
		vitals = *legacy.Vitals
	}

	truth := models.TruthBlock{
		Demographics: models.Demographics{
			Name: fallback(legacy.PatientName, "Unknown patient"),
			Age:  legacy.PatientAge,
			Sex:  inferSex(legacy.Description),
		},
		ChiefComplaint:     fallback(legacy.PresentingComplaint, legacy.Description),
		HistoryDetails:     legacy.History,
		PastMedicalHistory: legacy.PastMedical,
		Medications:        legacy.Medications,
		Allergies:          legacy.Allergies,
		SocialHistory:      legacy.SocialHistory,
		FamilyHistory:      legacy.FamilyHistory,
		Examination: models.ExamFindings{
			Vitals:  vitals,
			General: fallback(legacy.ExamFindings, "No significant findings"),
		},
		Investigations: legacyInvestigations(legacy.Investigations),
		Diagnosis:      fallback(legacy.Diagnosis, "Not specified"),
		Management:     fallback(legacy.Management, "Not specified"),
	}

	return &models.CaseTruth{
		CaseID:        legacy.CaseID,
		Title:         fallback(legacy.Title, legacy.CaseID),
		Specialty:     legacy.Specialty,
		Difficulty:    fallback(legacy.Difficulty, "intermediate"),
		Truth:         truth,
		MarkingScheme: legacyMarkingScheme(legacy.MarkingScheme),
	}
}

// inferSex scans free-text description for gendered tokens. The first match
// wins and the default covers everything else.
func inferSex(description string) string {
	lower := " " + strings.ToLower(description) + " "
	for _, token := range []string{" she ", " her ", " woman ", " female ", " lady "} {
		if strings.Contains(lower, token) {
			return "female"
		}
	}
	for _, token := range []string{" he ", " his ", " him ", " man ", " male ", " gentleman "} {
		if strings.Contains(lower, token) {
			return "male"
		}
	}
	return defaultSex
}

// legacyInvestigations converts the legacy name->result map. The legacy schema
// carries no abnormality flag, so results default to normal.
func legacyInvestigations(raw map[string]string) []models.InvestigationResult {
	if len(raw) == 0 {
		return nil
	}
	results := make([]models.InvestigationResult, 0, len(raw))
	for name, result := range raw {
		results = append(results, models.InvestigationResult{
			Name:   name,
			Result: result,
		})
	}
	return results
}

func legacyMarkingScheme(raw []models.LegacyMarkingItem) []models.ChecklistItem {
	items := make([]models.ChecklistItem, 0, len(raw))
	for _, entry := range raw {
		stage := models.Stage(strings.ToLower(strings.TrimSpace(entry.Stage)))
		if !stage.Valid() {
			stage = models.StageHistory
		}
		items = append(items, models.ChecklistItem{
			Stage:    stage,
			Text:     entry.Item,
			Weight:   entry.Points,
			Critical: entry.Critical,
		})
	}
	return items
}

func fallback(value, defaultValue string) string {
	if strings.TrimSpace(value) != "" {
		return value
	}
	return defaultValue
}
