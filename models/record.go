package models

// RecordType is the clinical category of a medical record
type RecordType string

// RecordType constants
const (
	RecordConsultation RecordType = "CONSULTATION"
	RecordDiagnosis    RecordType = "DIAGNOSIS"
	RecordTreatment    RecordType = "TREATMENT"
	RecordLaboratory   RecordType = "LABORATORY"
	RecordImaging      RecordType = "IMAGING"
	RecordSurgery      RecordType = "SURGERY"
	RecordPrescription RecordType = "PRESCRIPTION"
	RecordVaccination  RecordType = "VACCINATION"
	RecordEmergency    RecordType = "EMERGENCY"
)

// Valid reports whether t is a recognized record type
func (t RecordType) Valid() bool {
	switch t {
	case RecordConsultation, RecordDiagnosis, RecordTreatment, RecordLaboratory,
		RecordImaging, RecordSurgery, RecordPrescription, RecordVaccination,
		RecordEmergency:
		return true
	}
	return false
}

// RecordStatus is the lifecycle status of a medical record
type RecordStatus string

// RecordStatus constants
const (
	RecordActive  RecordStatus = "ACTIVE"
	RecordUpdated RecordStatus = "UPDATED"
	RecordDeleted RecordStatus = "DELETED"
)

// MedicalRecord represents a clinical record on the ledger. The payload
// itself lives encrypted off-ledger behind PayloadRef.
type MedicalRecord struct {
	ID         uint64       `json:"id"`
	PatientID  uint64       `json:"patientId"`
	DoctorID   uint64       `json:"doctorId"`
	RecordType RecordType   `json:"recordType"`
	Status     RecordStatus `json:"status"`
	PayloadRef string       `json:"payloadRef"`
	Title      string       `json:"title"`
	Summary    string       `json:"summary"`
	Version    int          `json:"version"`
	CreatedAt  int64        `json:"createdAt"`
	UpdatedAt  int64        `json:"updatedAt"`
	CreatedBy  string       `json:"createdBy"`
	UpdatedBy  string       `json:"updatedBy"`
}

// IsDeleted reports whether the record was soft deleted
func (r *MedicalRecord) IsDeleted() bool {
	return r.Status == RecordDeleted
}

// RecordRevision is an immutable snapshot of a superseded record version
type RecordRevision struct {
	RecordID   uint64 `json:"recordId"`
	Version    int    `json:"version"`
	PayloadRef string `json:"payloadRef"`
	Title      string `json:"title"`
	Summary    string `json:"summary"`
	UpdatedAt  int64  `json:"updatedAt"`
	UpdatedBy  string `json:"updatedBy"`
}

// NewRecordRevision snapshots the current version of r
func NewRecordRevision(r *MedicalRecord) *RecordRevision {
	return &RecordRevision{
		RecordID:   r.ID,
		Version:    r.Version,
		PayloadRef: r.PayloadRef,
		Title:      r.Title,
		Summary:    r.Summary,
		UpdatedAt:  r.UpdatedAt,
		UpdatedBy:  r.UpdatedBy,
	}
}
