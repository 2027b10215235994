package models

// EntityType is the category of a registered identity
type EntityType string

// Entity type constants
const (
	EntityGovernment EntityType = "GOVERNMENT"
	EntityHospital   EntityType = "HOSPITAL"
	EntityClinic     EntityType = "CLINIC"
	EntityPharmacy   EntityType = "PHARMACY"
	EntityDoctor     EntityType = "DOCTOR"
	EntityPatient    EntityType = "PATIENT"
)

// EntityTypes lists every recognized entity type
var EntityTypes = []EntityType{
	EntityGovernment, EntityHospital, EntityClinic,
	EntityPharmacy, EntityDoctor, EntityPatient,
}

// Valid reports whether t is a recognized entity type
func (t EntityType) Valid() bool {
	for _, e := range EntityTypes {
		if e == t {
			return true
		}
	}
	return false
}

// IsProvider reports whether the entity type may act as a data grantee
func (t EntityType) IsProvider() bool {
	return t.Valid() && t != EntityPatient
}

// Role returns the role assigned to identities of this type
func (t EntityType) Role() Role {
	return Role(t)
}

// IdentityStatus is the lifecycle status of an identity
type IdentityStatus string

// Identity status constants
const (
	IdentityPending   IdentityStatus = "PENDING"
	IdentityActive    IdentityStatus = "ACTIVE"
	IdentitySuspended IdentityStatus = "SUSPENDED"
	IdentityRevoked   IdentityStatus = "REVOKED"
)

// Valid reports whether s is a recognized identity status
func (s IdentityStatus) Valid() bool {
	switch s {
	case IdentityPending, IdentityActive, IdentitySuspended, IdentityRevoked:
		return true
	}
	return false
}

// Role is a membership checked before honoring requests
type Role string

// Roles beyond the per-entity-type ones
const (
	RoleRegistrar Role = "REGISTRAR"
	RoleAuditor   Role = "AUDITOR"
)

// Identity represents a registered entity on the ledger
type Identity struct {
	ID              uint64         `json:"id"`
	Owner           string         `json:"owner"`
	EntityType      EntityType     `json:"entityType"`
	Status          IdentityStatus `json:"status"`
	PersonalDataRef string         `json:"personalDataRef"`
	PublicKey       string         `json:"publicKey"`
	RegisteredAt    int64          `json:"registeredAt"`
	UpdatedAt       int64          `json:"updatedAt"`
	RegisteredBy    string         `json:"registeredBy"`
}

// IsActive reports whether the identity currently passes verification
func (i *Identity) IsActive() bool {
	return i.Status == IdentityActive
}

// Is reports whether the identity is Active and of one of the given types
func (i *Identity) Is(types ...EntityType) bool {
	if !i.IsActive() {
		return false
	}
	for _, t := range types {
		if i.EntityType == t {
			return true
		}
	}
	return false
}

// BloodType is one of the eight ABO/Rh groups
type BloodType string

// Blood type constants
const (
	BloodAPos  BloodType = "A+"
	BloodANeg  BloodType = "A-"
	BloodBPos  BloodType = "B+"
	BloodBNeg  BloodType = "B-"
	BloodABPos BloodType = "AB+"
	BloodABNeg BloodType = "AB-"
	BloodOPos  BloodType = "O+"
	BloodONeg  BloodType = "O-"
)

// Valid reports whether b is a recognized blood type
func (b BloodType) Valid() bool {
	switch b {
	case BloodAPos, BloodANeg, BloodBPos, BloodBNeg,
		BloodABPos, BloodABNeg, BloodOPos, BloodONeg:
		return true
	}
	return false
}

// ProfilePicture points at an encrypted picture held off-ledger
type ProfilePicture struct {
	URI           string `json:"uri"`
	ContentHash   string `json:"contentHash" validate:"required_with=URI"`
	EncryptionTag string `json:"encryptionTag" validate:"required_with=URI"`
}

// Passport carries the patient-specific identity data
type Passport struct {
	IdentityID     uint64         `json:"identityId"`
	ExternalID     string         `json:"externalId"`
	FirstName      string         `json:"firstName"`
	LastName       string         `json:"lastName"`
	FirstNameAr    string         `json:"firstNameAr"`
	LastNameAr     string         `json:"lastNameAr"`
	BirthDate      string         `json:"birthDate"`
	BloodType      BloodType      `json:"bloodType"`
	ProfilePicture ProfilePicture `json:"profilePicture"`
	CreatedAt      int64          `json:"createdAt"`
}

// ProviderCredentials are attached to a non-patient identity
type ProviderCredentials struct {
	IdentityID     uint64   `json:"identityId"`
	LicenseNumber  string   `json:"licenseNumber"`
	Specialization string   `json:"specialization"`
	FacilityRef    string   `json:"facilityRef"`
	ExpiresAt      int64    `json:"expiresAt"`
	Certifications []string `json:"certifications"`
	Verified       bool     `json:"verified"`
	VerifiedBy     string   `json:"verifiedBy"`
	UpdatedAt      int64    `json:"updatedAt"`
}

// IsExpired checks if the license has expired at ledger time now
func (c *ProviderCredentials) IsExpired(now int64) bool {
	return c.ExpiresAt <= now
}

// IsValid checks the credentials are verified and unexpired; identity
// status is checked separately by the registry.
func (c *ProviderCredentials) IsValid(now int64) bool {
	return c.Verified && !c.IsExpired(now)
}

// Verification is the public result of verifying an identity
type Verification struct {
	Valid      bool       `json:"valid"`
	EntityType EntityType `json:"entityType"`
	Owner      string     `json:"owner"`
}
