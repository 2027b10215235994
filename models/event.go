package models

// Event is the structured payload emitted once per mutating transaction and
// appended to the audit trail of every patient it concerns.
type Event struct {
	EventType string      `json:"eventType"`
	Actor     string      `json:"actor"`
	Timestamp int64       `json:"timestamp"`
	TxID      string      `json:"txId"`
	Subject   string      `json:"subject"`
	Patients  []uint64    `json:"patients"`
	Details   []Attribute `json:"details"`
}

// Attribute is a named detail of an event
type Attribute struct {
	Key   string `json:"key"`
	Value string `json:"value"`
}

// With appends a detail and returns the event
func (e *Event) With(key, value string) *Event {
	e.Details = append(e.Details, Attribute{Key: key, Value: value})
	return e
}

// Detail returns the value of the named attribute, or ""
func (e *Event) Detail(key string) string {
	for _, a := range e.Details {
		if a.Key == key {
			return a.Value
		}
	}
	return ""
}

// Event names
const (
	EventLedgerInitialized         = "LedgerInitialized"
	EventEntityRegistered          = "EntityRegistered"
	EventPassportRegistered        = "PassportRegistered"
	EventIdentityStatusChanged     = "IdentityStatusChanged"
	EventCredentialsUpdated        = "CredentialsUpdated"
	EventRoleChanged               = "RoleChanged"
	EventConsentGranted            = "ConsentGranted"
	EventConsentRevoked            = "ConsentRevoked"
	EventConsentsExpired           = "ConsentsExpired"
	EventEmergencyAccessToggled    = "EmergencyAccessToggled"
	EventRecordCreated             = "RecordCreated"
	EventRecordUpdated             = "RecordUpdated"
	EventRecordDeleted             = "RecordDeleted"
	EventPrescriptionIssued        = "PrescriptionIssued"
	EventPrescriptionDispensed     = "PrescriptionDispensed"
	EventPrescriptionStatusChanged = "PrescriptionStatusChanged"
	EventPrescriptionCancelled     = "PrescriptionCancelled"
	EventPrescriptionRefilled      = "PrescriptionRefilled"
	EventPharmacyAccessGranted     = "PharmacyAccessGranted"
	EventPharmacyAccessRevoked     = "PharmacyAccessRevoked"
)
