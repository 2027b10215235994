package contracts

import (
	"github.com/hyperledger/fabric-contract-api-go/contractapi"

	"github.com/haven-health-passport/careledger/models"
	"github.com/haven-health-passport/careledger/prescriptions"
)

// PrescriptionsContract manages the prescription lifecycle
type PrescriptionsContract struct {
	handler
}

// IssuePrescription creates a prescription from the calling doctor and
// returns its id
func (c *PrescriptionsContract) IssuePrescription(
	ctx contractapi.TransactionContextInterface,
	patientID uint64,
	medications string, // JSON array of medications
	diagnosis string,
	instructions string,
	expiresAt int64,
	urgency string,
	allowGenericSubstitution bool,
	maxRefills int,
) (uint64, error) {
	var id uint64
	err := c.run(ctx, "IssuePrescription", func(s *session) error {
		req := &prescriptions.IssueRequest{
			PatientID:                patientID,
			Diagnosis:                diagnosis,
			Instructions:             instructions,
			ExpiresAt:                expiresAt,
			Urgency:                  models.Urgency(urgency),
			AllowGenericSubstitution: allowGenericSubstitution,
			MaxRefills:               maxRefills,
		}
		if err := decodeList("medications", medications, &req.Medications); err != nil {
			return err
		}
		var err error
		id, err = s.prescriptions.Issue(s.caller, req)
		return err
	})
	return id, err
}

// DispensePrescription dispenses quantity units of one medication line
func (c *PrescriptionsContract) DispensePrescription(
	ctx contractapi.TransactionContextInterface,
	prescriptionID uint64,
	lineIndex int,
	quantity uint64,
	actualMedication string, // empty when the prescribed medication is dispensed
	notes string,
) (*models.DispensingRecord, error) {
	var record *models.DispensingRecord
	err := c.run(ctx, "DispensePrescription", func(s *session) (err error) {
		record, err = s.prescriptions.Dispense(s.caller, &prescriptions.DispenseRequest{
			PrescriptionID:   prescriptionID,
			LineIndex:        lineIndex,
			Quantity:         quantity,
			ActualMedication: actualMedication,
			Notes:            notes,
		})
		return err
	})
	return record, err
}

// CancelPrescription cancels a prescription that can still be dispensed
func (c *PrescriptionsContract) CancelPrescription(ctx contractapi.TransactionContextInterface, prescriptionID uint64, reason string) error {
	return c.run(ctx, "CancelPrescription", func(s *session) error {
		return s.prescriptions.Cancel(s.caller, prescriptionID, reason)
	})
}

// RefillPrescription starts the next refill of a fully dispensed
// prescription
func (c *PrescriptionsContract) RefillPrescription(ctx contractapi.TransactionContextInterface, prescriptionID uint64) error {
	return c.run(ctx, "RefillPrescription", func(s *session) error {
		return s.prescriptions.Refill(s.caller, prescriptionID)
	})
}

// MarkPrescriptionExpired records the expiry of a prescription past its
// expiry time and reports whether it changed
func (c *PrescriptionsContract) MarkPrescriptionExpired(ctx contractapi.TransactionContextInterface, prescriptionID uint64) (bool, error) {
	var changed bool
	err := c.run(ctx, "MarkPrescriptionExpired", func(s *session) (err error) {
		changed, err = s.prescriptions.MarkExpired(s.caller, prescriptionID)
		return err
	})
	return changed, err
}

// GrantPharmacyAccess lets a pharmacy dispense one prescription
func (c *PrescriptionsContract) GrantPharmacyAccess(ctx contractapi.TransactionContextInterface, prescriptionID uint64, pharmacyID uint64) error {
	return c.run(ctx, "GrantPharmacyAccess", func(s *session) error {
		return s.prescriptions.GrantPharmacyAccess(s.caller, prescriptionID, pharmacyID)
	})
}

// RevokePharmacyAccess withdraws a pharmacy's access to one prescription
func (c *PrescriptionsContract) RevokePharmacyAccess(ctx contractapi.TransactionContextInterface, prescriptionID uint64, pharmacyID uint64) error {
	return c.run(ctx, "RevokePharmacyAccess", func(s *session) error {
		return s.prescriptions.RevokePharmacyAccess(s.caller, prescriptionID, pharmacyID)
	})
}

// VerifyPrescription reports whether a prescription can be dispensed
func (c *PrescriptionsContract) VerifyPrescription(ctx contractapi.TransactionContextInterface, prescriptionID uint64) (*models.PrescriptionVerification, error) {
	var v *models.PrescriptionVerification
	err := c.run(ctx, "VerifyPrescription", func(s *session) (err error) {
		v, err = s.prescriptions.Verify(prescriptionID)
		return err
	})
	return v, err
}

// GetPrescription returns a prescription with its current status
func (c *PrescriptionsContract) GetPrescription(ctx contractapi.TransactionContextInterface, prescriptionID uint64) (*models.Prescription, error) {
	var rx *models.Prescription
	err := c.run(ctx, "GetPrescription", func(s *session) (err error) {
		rx, err = s.prescriptions.Get(s.caller, prescriptionID)
		return err
	})
	return rx, err
}

// ListPrescriptions returns the patient's prescriptions
func (c *PrescriptionsContract) ListPrescriptions(ctx contractapi.TransactionContextInterface, patientID uint64) ([]*models.Prescription, error) {
	var list []*models.Prescription
	err := c.run(ctx, "ListPrescriptions", func(s *session) (err error) {
		list, err = s.prescriptions.ListForPatient(s.caller, patientID)
		return err
	})
	return list, err
}

// GetDispensingHistory returns the dispensing records of a prescription
func (c *PrescriptionsContract) GetDispensingHistory(ctx contractapi.TransactionContextInterface, prescriptionID uint64) ([]*models.DispensingRecord, error) {
	var history []*models.DispensingRecord
	err := c.run(ctx, "GetDispensingHistory", func(s *session) (err error) {
		history, err = s.prescriptions.Dispensings(s.caller, prescriptionID)
		return err
	})
	return history, err
}
