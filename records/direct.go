package records

import (
	"github.com/haven-health-passport/careledger/apperr"
	"github.com/haven-health-passport/careledger/consent"
	"github.com/haven-health-passport/careledger/models"
)

// directRevocationReason is recorded when a direct grant is withdrawn
const directRevocationReason = "direct access revoked"

// GrantAccess gives a provider direct access to the patient's records. It
// is recorded as a clinical notes consent, so it supersedes and is
// superseded by consents for the same provider.
func (s *Store) GrantAccess(caller string, patientID, granteeID uint64, expiresAt int64) (string, error) {
	return s.consent.Grant(caller, &consent.GrantRequest{
		PatientID: patientID,
		GranteeID: granteeID,
		Scope:     models.ScopeClinicalNotes,
		ValidTo:   expiresAt,
		Purpose:   models.DirectGrantPurpose,
	})
}

// RevokeAccess withdraws the provider's current clinical notes consent
func (s *Store) RevokeAccess(caller string, patientID, granteeID uint64) error {
	c, err := s.consent.Active(patientID, granteeID, models.ScopeClinicalNotes)
	if err != nil {
		return err
	}
	if c == nil {
		return apperr.New(apperr.NotActive, "identity %d holds no record access from patient %d", granteeID, patientID)
	}
	return s.consent.Revoke(caller, c.ID, directRevocationReason)
}

// AccessPermission reports the provider's direct access to the patient's
// records as of ledger time.
func (s *Store) AccessPermission(patientID, granteeID uint64) (*models.AccessPermission, error) {
	c, err := s.consent.Active(patientID, granteeID, models.ScopeClinicalNotes)
	if err != nil {
		return nil, err
	}
	if c == nil {
		return &models.AccessPermission{PatientID: patientID, GranteeID: granteeID}, nil
	}
	return models.NewAccessPermission(c, s.tx.Now()), nil
}
