package models

// Stage is one of the four fixed phases of a simulated encounter.
type Stage string

const (
	StageHistory        Stage = "history"
	StageExamination    Stage = "examination"
	StageInvestigations Stage = "investigations"
	StageManagement     Stage = "management"

	// StageEnd is not a real stage; it is only a valid target for the
	// progress_stage action and signals that the encounter should complete.
	StageEnd Stage = "end"
)

// StageOrder is the fixed encounter progression. CurrentStage only ever moves
// forward through this slice one position at a time.
var StageOrder = []Stage{StageHistory, StageExamination, StageInvestigations, StageManagement}

// Index returns the position of the stage in StageOrder, or -1 if the stage
// is not a real encounter stage (including StageEnd).
func (s Stage) Index() int {
	for i, stage := range StageOrder {
		if stage == s {
			return i
		}
	}
	return -1
}

// Valid reports whether s is one of the four encounter stages.
func (s Stage) Valid() bool {
	return s.Index() >= 0
}

// Next returns the stage after s, or StageEnd when s is the last stage.
func (s Stage) Next() Stage {
	idx := s.Index()
	if idx < 0 || idx+1 >= len(StageOrder) {
		return StageEnd
	}
	return StageOrder[idx+1]
}

// ChecklistItem is one scored unit of a case's marking scheme. Weight may be
// negative; Critical combined with a negative weight marks a dangerous
// omission or error that fails the stage.
type ChecklistItem struct {
	Stage    Stage  `bson:"stage" json:"stage"`
	Text     string `bson:"text" json:"text"`
	Weight   int    `bson:"weight" json:"weight"`
	Critical bool   `bson:"critical" json:"critical"`
}

// Demographics describes the simulated patient.
type Demographics struct {
	Name       string `bson:"name" json:"name"`
	Age        int    `bson:"age" json:"age"`
	Sex        string `bson:"sex" json:"sex"`
	Occupation string `bson:"occupation,omitempty" json:"occupation,omitempty"`
}

// Vitals holds the observation set exposed during the examination stage.
type Vitals struct {
	HeartRate       int     `bson:"heartRate" json:"heart_rate"`
	BloodPressure   string  `bson:"bloodPressure" json:"blood_pressure"`
	RespiratoryRate int     `bson:"respiratoryRate" json:"respiratory_rate"`
	Temperature     float64 `bson:"temperature" json:"temperature"`
	SpO2            int     `bson:"spo2" json:"spo2"`
}

// ExamFindings are the physical examination findings, keyed by body system.
type ExamFindings struct {
	Vitals  Vitals            `bson:"vitals" json:"vitals"`
	General string            `bson:"general,omitempty" json:"general,omitempty"`
	Systems map[string]string `bson:"systems,omitempty" json:"systems,omitempty"`
}

// InvestigationResult is a single ordered investigation and its result.
type InvestigationResult struct {
	Name     string `bson:"name" json:"name"`
	Result   string `bson:"result" json:"result"`
	Abnormal bool   `bson:"abnormal" json:"abnormal"`
}

// TruthBlock is the confidential ground truth for a case. It is only ever
// disclosed to the learner through stage-gated reveal actions.
type TruthBlock struct {
	Demographics       Demographics          `bson:"demographics" json:"demographics"`
	ChiefComplaint     string                `bson:"chiefComplaint" json:"chief_complaint"`
	HistoryDetails     string                `bson:"historyDetails" json:"history_details"`
	PastMedicalHistory []string              `bson:"pastMedicalHistory,omitempty" json:"past_medical_history,omitempty"`
	Medications        []string              `bson:"medications,omitempty" json:"medications,omitempty"`
	Allergies          []string              `bson:"allergies,omitempty" json:"allergies,omitempty"`
	SocialHistory      string                `bson:"socialHistory,omitempty" json:"social_history,omitempty"`
	FamilyHistory      string                `bson:"familyHistory,omitempty" json:"family_history,omitempty"`
	ReviewOfSystems    string                `bson:"reviewOfSystems,omitempty" json:"review_of_systems,omitempty"`
	Examination        ExamFindings          `bson:"examination" json:"examination"`
	Investigations     []InvestigationResult `bson:"investigations,omitempty" json:"investigations,omitempty"`
	Diagnosis          string                `bson:"diagnosis" json:"diagnosis"`
	Management         string                `bson:"management" json:"management"`
}

// CaseTruth is the canonical record for one clinical scenario. It is immutable
// after load and owned exclusively by the case cache; sessions never mutate it.
type CaseTruth struct {
	CaseID        string          `bson:"caseId" json:"case_id"`
	Title         string          `bson:"title" json:"title"`
	Specialty     string          `bson:"specialty,omitempty" json:"specialty,omitempty"`
	Difficulty    string          `bson:"difficulty,omitempty" json:"difficulty,omitempty"`
	Truth         TruthBlock      `bson:"truth" json:"truth"`
	MarkingScheme []ChecklistItem `bson:"markingScheme" json:"marking_scheme"`
}

// LegacyCase is the flat first-generation case schema. Every field beyond the
// identity block is optional; normalization fills defaults for anything missing.
type LegacyCase struct {
	CaseID              string              `bson:"caseId" json:"case_id"`
	Title               string              `bson:"title" json:"title"`
	Specialty           string              `bson:"specialty,omitempty" json:"specialty,omitempty"`
	Difficulty          string              `bson:"difficulty,omitempty" json:"difficulty,omitempty"`
	Description         string              `bson:"description,omitempty" json:"description,omitempty"`
	PatientName         string              `bson:"patientName,omitempty" json:"patient_name,omitempty"`
	PatientAge          int                 `bson:"patientAge,omitempty" json:"patient_age,omitempty"`
	PresentingComplaint string              `bson:"presentingComplaint,omitempty" json:"presenting_complaint,omitempty"`
	History             string              `bson:"history,omitempty" json:"history,omitempty"`
	PastMedical         []string            `bson:"pastMedical,omitempty" json:"past_medical,omitempty"`
	Medications         []string            `bson:"medications,omitempty" json:"medications,omitempty"`
	Allergies           []string            `bson:"allergies,omitempty" json:"allergies,omitempty"`
	SocialHistory       string              `bson:"socialHistory,omitempty" json:"social_history,omitempty"`
	FamilyHistory       string              `bson:"familyHistory,omitempty" json:"family_history,omitempty"`
	ExamFindings        string              `bson:"examFindings,omitempty" json:"exam_findings,omitempty"`
	Vitals              *Vitals             `bson:"vitals,omitempty" json:"vitals,omitempty"`
	Investigations      map[string]string   `bson:"investigations,omitempty" json:"investigations,omitempty"`
	Diagnosis           string              `bson:"diagnosis,omitempty" json:"diagnosis,omitempty"`
	Management          string              `bson:"management,omitempty" json:"management,omitempty"`
	MarkingScheme       []LegacyMarkingItem `bson:"markingScheme,omitempty" json:"marking_scheme,omitempty"`
}

// LegacyMarkingItem is a legacy rubric entry ("item"/"points" naming).
type LegacyMarkingItem struct {
	Stage    string `bson:"stage" json:"stage"`
	Item     string `bson:"item" json:"item"`
	Points   int    `bson:"points" json:"points"`
	Critical bool   `bson:"critical,omitempty" json:"critical,omitempty"`
}

// CaseRecord is the tagged union of the two case schemas. Exactly one arm is
// set for a well-formed record; Normalize pattern-matches on the arms.
type CaseRecord struct {
	Canonical *CaseTruth
	Legacy    *LegacyCase
}

// IsZero reports whether neither arm is populated.
func (r CaseRecord) IsZero() bool {
	return r.Canonical == nil && r.Legacy == nil
}
