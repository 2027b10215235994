package contracts

import (
	"github.com/hyperledger/fabric-contract-api-go/contractapi"

	"github.com/haven-health-passport/careledger/consent"
	"github.com/haven-health-passport/careledger/models"
)

// ConsentContract manages patient consents, emergency access and the audit
// trail
type ConsentContract struct {
	handler
}

// GrantConsent records a consent from the calling patient and returns its id
func (c *ConsentContract) GrantConsent(
	ctx contractapi.TransactionContextInterface,
	patientID uint64,
	granteeID uint64,
	scope string,
	validTo int64, // Unix seconds, 0 for no expiry
	purpose string,
	emergencyOverride bool,
) (string, error) {
	var id string
	err := c.run(ctx, "GrantConsent", func(s *session) (err error) {
		id, err = s.consent.Grant(s.caller, &consent.GrantRequest{
			PatientID:         patientID,
			GranteeID:         granteeID,
			Scope:             models.Scope(scope),
			ValidTo:           validTo,
			Purpose:           purpose,
			EmergencyOverride: emergencyOverride,
		})
		return err
	})
	return id, err
}

// RevokeConsent revokes an active consent
func (c *ConsentContract) RevokeConsent(ctx contractapi.TransactionContextInterface, consentID string, reason string) error {
	return c.run(ctx, "RevokeConsent", func(s *session) error {
		return s.consent.Revoke(s.caller, consentID, reason)
	})
}

// CheckAccess reports whether grantee may access the patient's data in scope
func (c *ConsentContract) CheckAccess(
	ctx contractapi.TransactionContextInterface,
	patientID uint64,
	granteeID uint64,
	scope string,
) (*models.AccessDecision, error) {
	var d *models.AccessDecision
	err := c.run(ctx, "CheckAccess", func(s *session) (err error) {
		d, err = s.consent.Check(patientID, granteeID, models.Scope(scope))
		return err
	})
	return d, err
}

// ToggleEmergencyAccess sets the calling patient's emergency override
func (c *ConsentContract) ToggleEmergencyAccess(
	ctx contractapi.TransactionContextInterface,
	patientID uint64,
	enabled bool,
	conditions string,
) error {
	return c.run(ctx, "ToggleEmergencyAccess", func(s *session) error {
		return s.consent.ToggleEmergencyAccess(s.caller, patientID, enabled, conditions)
	})
}

// GetEmergencyAccess returns the patient's emergency setting
func (c *ConsentContract) GetEmergencyAccess(ctx contractapi.TransactionContextInterface, patientID uint64) (*models.EmergencyAccess, error) {
	var em *models.EmergencyAccess
	err := c.run(ctx, "GetEmergencyAccess", func(s *session) (err error) {
		em, err = s.consent.Emergency(patientID)
		return err
	})
	return em, err
}

// SweepExpiredConsents records the expiry of the listed consents and
// returns the ids that changed
func (c *ConsentContract) SweepExpiredConsents(
	ctx contractapi.TransactionContextInterface,
	consentIDs string, // JSON array of consent ids
) ([]string, error) {
	var swept []string
	err := c.run(ctx, "SweepExpiredConsents", func(s *session) error {
		var ids []string
		if err := decodeList("consentIds", consentIDs, &ids); err != nil {
			return err
		}
		var err error
		swept, err = s.consent.SweepExpired(s.caller, ids)
		return err
	})
	return swept, err
}

// GetConsent returns a consent by id
func (c *ConsentContract) GetConsent(ctx contractapi.TransactionContextInterface, consentID string) (*models.ConsentRecord, error) {
	var record *models.ConsentRecord
	err := c.run(ctx, "GetConsent", func(s *session) (err error) {
		record, err = s.consent.Get(consentID)
		return err
	})
	return record, err
}

// ListConsents returns every consent the patient granted
func (c *ConsentContract) ListConsents(ctx contractapi.TransactionContextInterface, patientID uint64) ([]*models.ConsentRecord, error) {
	var list []*models.ConsentRecord
	err := c.run(ctx, "ListConsents", func(s *session) (err error) {
		list, err = s.consent.ListForPatient(s.caller, patientID)
		return err
	})
	return list, err
}

// GetAuditTrail returns the events concerning a patient
func (c *ConsentContract) GetAuditTrail(ctx contractapi.TransactionContextInterface, patientID uint64) ([]models.Event, error) {
	var trail []models.Event
	err := c.run(ctx, "GetAuditTrail", func(s *session) (err error) {
		trail, err = s.consent.AuditTrail(s.caller, patientID)
		return err
	})
	return trail, err
}
