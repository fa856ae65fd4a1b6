package record

import "time"

// Record types a history entry may carry.
const (
	TypeConsultationNote = "consultation_note"
	TypeLabResult        = "lab_result"
	TypePrescription     = "prescription"
	TypeImaging          = "imaging"
	TypeImmunization     = "immunization"
)

// ValidType reports whether t is a known record type.
func ValidType(t string) bool {
	switch t {
	case TypeConsultationNote, TypeLabResult, TypePrescription, TypeImaging, TypeImmunization:
		return true
	}
	return false
}

// HistoryEntry is one clinical event in a patient's history: a
// consultation note, a lab result, a prescription issued.
type HistoryEntry struct {
	ID         string    `db:"id" json:"id"`
	PatientID  string    `db:"patient_id" json:"patientId"`
	RecordType string    `db:"record_type" json:"recordType"`
	Title      string    `db:"title" json:"title"`
	Body       string    `db:"body" json:"body"`
	RecordedBy string    `db:"recorded_by" json:"recordedBy"`
	RecordedAt time.Time `db:"recorded_at" json:"recordedAt"`
}

// Summary condenses a patient's record for the medical-scope view: counts
// per type, no clinical content.
type Summary struct {
	PatientID   string         `json:"patientId"`
	EntryCount  int            `json:"entryCount"`
	ByType      map[string]int `json:"byType"`
	LastEntryAt *time.Time     `json:"lastEntryAt,omitempty"`
}
