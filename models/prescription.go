package models

// PrescriptionStatus is the lifecycle status of a prescription
type PrescriptionStatus string

// PrescriptionStatus constants
const (
	RxActive             PrescriptionStatus = "ACTIVE"
	RxPartiallyDispensed PrescriptionStatus = "PARTIALLY_DISPENSED"
	RxDispensed          PrescriptionStatus = "DISPENSED"
	RxExpired            PrescriptionStatus = "EXPIRED"
	RxCancelled          PrescriptionStatus = "CANCELLED"
)

// Dispensable reports whether a prescription in this status accepts dispensing
func (s PrescriptionStatus) Dispensable() bool {
	return s == RxActive || s == RxPartiallyDispensed
}

// Urgency of a prescription
type Urgency string

// Urgency constants
const (
	UrgencyNormal   Urgency = "NORMAL"
	UrgencyUrgent   Urgency = "URGENT"
	UrgencyCritical Urgency = "CRITICAL"
)

// Valid reports whether u is a recognized urgency
func (u Urgency) Valid() bool {
	switch u {
	case UrgencyNormal, UrgencyUrgent, UrgencyCritical:
		return true
	}
	return false
}

// Medication is one line item of a prescription
type Medication struct {
	Name              string   `json:"name" validate:"notblank"`
	Dosage            string   `json:"dosage" validate:"notblank"`
	Frequency         string   `json:"frequency" validate:"notblank"`
	Quantity          uint64   `json:"quantity" validate:"gt=0"`
	DispensedQuantity uint64   `json:"dispensedQuantity"`
	Instructions      string   `json:"instructions"`
	Alternatives      []string `json:"alternatives"`
}

// Remaining returns the quantity still to be dispensed in the current fill
func (m *Medication) Remaining() uint64 {
	if m.DispensedQuantity >= m.Quantity {
		return 0
	}
	return m.Quantity - m.DispensedQuantity
}

// Accepts reports whether name may be dispensed for this line. Anything
// other than the prescribed name or a listed alternative is a generic
// substitution.
func (m *Medication) Accepts(name string, allowGeneric bool) bool {
	if name == "" || name == m.Name || allowGeneric {
		return true
	}
	for _, alt := range m.Alternatives {
		if alt == name {
			return true
		}
	}
	return false
}

// Prescription represents an issued prescription on the ledger
type Prescription struct {
	ID                       uint64             `json:"id"`
	PatientID                uint64             `json:"patientId"`
	DoctorID                 uint64             `json:"doctorId"`
	Status                   PrescriptionStatus `json:"status"`
	Urgency                  Urgency            `json:"urgency"`
	Medications              []Medication       `json:"medications"`
	Diagnosis                string             `json:"diagnosis"`
	Instructions             string             `json:"instructions"`
	IssuedAt                 int64              `json:"issuedAt"`
	ExpiresAt                int64              `json:"expiresAt"`
	LastDispensedAt          int64              `json:"lastDispensedAt"`
	IssuedBy                 string             `json:"issuedBy"`
	AllowGenericSubstitution bool               `json:"allowGenericSubstitution"`
	MaxRefills               int                `json:"maxRefills"`
	RefillsUsed              int                `json:"refillsUsed"`
	DispenseCount            uint64             `json:"dispenseCount"`
	CancelledBy              string             `json:"cancelledBy,omitempty"`
	CancellationReason       string             `json:"cancellationReason,omitempty"`
}

// IsExpired checks if the prescription has expired at ledger time now
func (p *Prescription) IsExpired(now int64) bool {
	return now >= p.ExpiresAt
}

// DeriveStatus computes the status from expiry and per-line quantities.
// Expiry overrides everything, including a recorded cancellation.
func (p *Prescription) DeriveStatus(now int64) PrescriptionStatus {
	if p.IsExpired(now) {
		return RxExpired
	}
	if p.Status == RxCancelled {
		return RxCancelled
	}
	complete, started := true, false
	for i := range p.Medications {
		m := &p.Medications[i]
		if m.DispensedQuantity != m.Quantity {
			complete = false
		}
		if m.DispensedQuantity > 0 {
			started = true
		}
	}
	switch {
	case complete:
		return RxDispensed
	case started:
		return RxPartiallyDispensed
	default:
		return RxActive
	}
}

// IsValid checks if the prescription can still be dispensed at now
func (p *Prescription) IsValid(now int64) bool {
	return p.DeriveStatus(now).Dispensable()
}

// Fill returns the 1-based fill number currently being dispensed
func (p *Prescription) Fill() int {
	return p.RefillsUsed + 1
}

// DispensingRecord is appended for every dispensing action
type DispensingRecord struct {
	PrescriptionID      uint64 `json:"prescriptionId"`
	Sequence            uint64 `json:"sequence"`
	Fill                int    `json:"fill"`
	PharmacyID          uint64 `json:"pharmacyId"`
	LineIndex           int    `json:"lineIndex"`
	Quantity            uint64 `json:"quantity"`
	MedicationDispensed string `json:"medicationDispensed"`
	DispensedAt         int64  `json:"dispensedAt"`
	DispensedBy         string `json:"dispensedBy"`
	Notes               string `json:"notes"`
}

// PrescriptionVerification is the result of verifying a prescription
type PrescriptionVerification struct {
	Valid        bool          `json:"valid"`
	Prescription *Prescription `json:"prescription"`
}
