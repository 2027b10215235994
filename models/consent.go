package models

// Scope is the category of patient data a consent applies to
type Scope string

// Scope constants
const (
	ScopePatientCore   Scope = "PATIENT_CORE"
	ScopeClinicalNotes Scope = "CLINICAL_NOTES"
	ScopePrescriptions Scope = "PRESCRIPTIONS"
	ScopeFullAccess    Scope = "FULL_ACCESS"
)

// Valid reports whether s is a recognized scope
func (s Scope) Valid() bool {
	switch s {
	case ScopePatientCore, ScopeClinicalNotes, ScopePrescriptions, ScopeFullAccess:
		return true
	}
	return false
}

// ConsentStatus is the recorded status of a consent
type ConsentStatus string

// Consent status constants
const (
	ConsentActive  ConsentStatus = "ACTIVE"
	ConsentRevoked ConsentStatus = "REVOKED"
	ConsentExpired ConsentStatus = "EXPIRED"
)

// SupersededReason is recorded on a consent replaced by a newer grant
const SupersededReason = "superseded"

// DirectGrantPurpose marks consents created through the direct-grant calls
const DirectGrantPurpose = "direct access grant"

// ConsentRecord is a scoped, time-bound grant from a patient to a grantee
type ConsentRecord struct {
	ID                string        `json:"id"`
	PatientID         uint64        `json:"patientId"`
	GranteeID         uint64        `json:"granteeId"`
	Scope             Scope         `json:"scope"`
	Status            ConsentStatus `json:"status"`
	ValidFrom         int64         `json:"validFrom"`
	ValidTo           int64         `json:"validTo"`
	GrantedBy         string        `json:"grantedBy"`
	RevokedBy         string        `json:"revokedBy,omitempty"`
	RevocationReason  string        `json:"revocationReason,omitempty"`
	Purpose           string        `json:"purpose"`
	EmergencyOverride bool          `json:"emergencyOverride"`
	CreatedAt         int64         `json:"createdAt"`
	UpdatedAt         int64         `json:"updatedAt"`
}

// IsExpired checks if the validity window has closed at ledger time now.
// A zero ValidTo never expires.
func (c *ConsentRecord) IsExpired(now int64) bool {
	return c.ValidTo != 0 && now >= c.ValidTo
}

// IsEffective checks if the consent is Active and not logically expired,
// whatever the sweep has or has not recorded yet.
func (c *ConsentRecord) IsEffective(now int64) bool {
	return c.Status == ConsentActive && !c.IsExpired(now) && now >= c.ValidFrom
}

// AccessDecision is the result of a consent check
type AccessDecision struct {
	HasAccess  bool   `json:"hasAccess"`
	ConsentID  string `json:"consentId"`
	ExpiresAt  int64  `json:"expiresAt"`
	Emergency  bool   `json:"emergency"`
	SelfAccess bool   `json:"selfAccess"`
}

// EmergencyAccess is a patient's global emergency override setting
type EmergencyAccess struct {
	PatientID  uint64 `json:"patientId"`
	Enabled    bool   `json:"enabled"`
	Conditions string `json:"conditions"`
	UpdatedAt  int64  `json:"updatedAt"`
	UpdatedBy  string `json:"updatedBy"`
}

// AccessPermission is the unscoped direct-grant view used by record callers
type AccessPermission struct {
	PatientID uint64 `json:"patientId"`
	GranteeID uint64 `json:"granteeId"`
	HasAccess bool   `json:"hasAccess"`
	GrantedAt int64  `json:"grantedAt"`
	ExpiresAt int64  `json:"expiresAt"`
	GrantedBy string `json:"grantedBy"`
	ConsentID string `json:"consentId"`
}

// NewAccessPermission derives the direct-grant view of a consent at now
func NewAccessPermission(c *ConsentRecord, now int64) *AccessPermission {
	return &AccessPermission{
		PatientID: c.PatientID,
		GranteeID: c.GranteeID,
		HasAccess: c.IsEffective(now),
		GrantedAt: c.CreatedAt,
		ExpiresAt: c.ValidTo,
		GrantedBy: c.GrantedBy,
		ConsentID: c.ID,
	}
}
