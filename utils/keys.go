package utils

import (
	"fmt"
	"strconv"
)

// Composite key object types for ledger entries and indexes
const (
	PrefixIdentity        = "IDENTITY"
	PrefixOwner           = "OWNER"
	PrefixExternalID      = "EXTID"
	PrefixPassport        = "PASSPORT"
	PrefixCredentials     = "CREDENTIALS"
	PrefixRole            = "ROLE"
	PrefixCounter         = "COUNTER"
	PrefixBootstrap       = "BOOTSTRAP"
	PrefixConsent         = "CONSENT"
	PrefixActiveConsent   = "CONSENT~ACTIVE"
	PrefixPatientConsents = "CONSENT~PATIENT"
	PrefixEmergency       = "EMERGENCY"
	PrefixRecord          = "RECORD"
	PrefixPatientRecords  = "RECORD~PATIENT"
	PrefixRecordRevision  = "RECORD~REVISION"
	PrefixPrescription    = "RX"
	PrefixPatientRx       = "RX~PATIENT"
	PrefixPharmacyGrant   = "RX~PHARMACY"
	PrefixDispensing      = "RX~DISPENSE"
	PrefixAudit           = "AUDIT"
)

// Counter names
const (
	CounterIdentity     = "identity"
	CounterRecord       = "record"
	CounterPrescription = "prescription"
)

// PadID renders a numeric id so that lexical key order matches numeric order
func PadID(id uint64) string {
	return fmt.Sprintf("%020d", id)
}

// ParseID parses a padded or plain decimal id
func ParseID(s string) (uint64, error) {
	id, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid id %q: %v", s, err)
	}
	return id, nil
}

// PadTimestamp renders a Unix timestamp for ordered keys
func PadTimestamp(ts int64) string {
	if ts < 0 {
		ts = 0
	}
	return fmt.Sprintf("%019d", ts)
}
