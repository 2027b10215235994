package contracts

import (
	"github.com/hyperledger/fabric-contract-api-go/contractapi"

	"github.com/haven-health-passport/careledger/models"
	"github.com/haven-health-passport/careledger/records"
)

// RecordsContract manages medical records and direct record access
type RecordsContract struct {
	handler
}

// CreateRecord adds a record authored by the calling doctor and returns its
// id
func (c *RecordsContract) CreateRecord(
	ctx contractapi.TransactionContextInterface,
	patientID uint64,
	recordType string,
	payloadRef string,
	title string,
	summary string,
) (uint64, error) {
	var id uint64
	err := c.run(ctx, "CreateRecord", func(s *session) (err error) {
		id, err = s.records.Create(s.caller, &records.CreateRequest{
			PatientID:  patientID,
			RecordType: models.RecordType(recordType),
			PayloadRef: payloadRef,
			Title:      title,
			Summary:    summary,
		})
		return err
	})
	return id, err
}

// UpdateRecord replaces the content of a record, keeping the old version
func (c *RecordsContract) UpdateRecord(
	ctx contractapi.TransactionContextInterface,
	recordID uint64,
	payloadRef string,
	title string,
	summary string,
) error {
	return c.run(ctx, "UpdateRecord", func(s *session) error {
		return s.records.Update(s.caller, recordID, payloadRef, title, summary)
	})
}

// DeleteRecord marks a record deleted
func (c *RecordsContract) DeleteRecord(ctx contractapi.TransactionContextInterface, recordID uint64) error {
	return c.run(ctx, "DeleteRecord", func(s *session) error {
		return s.records.SoftDelete(s.caller, recordID)
	})
}

// GetRecord returns a record
func (c *RecordsContract) GetRecord(ctx contractapi.TransactionContextInterface, recordID uint64) (*models.MedicalRecord, error) {
	var record *models.MedicalRecord
	err := c.run(ctx, "GetRecord", func(s *session) (err error) {
		record, err = s.records.Get(s.caller, recordID)
		return err
	})
	return record, err
}

// GetRecordRevisions returns the superseded versions of a record
func (c *RecordsContract) GetRecordRevisions(ctx contractapi.TransactionContextInterface, recordID uint64) ([]*models.RecordRevision, error) {
	var revisions []*models.RecordRevision
	err := c.run(ctx, "GetRecordRevisions", func(s *session) (err error) {
		revisions, err = s.records.Revisions(s.caller, recordID)
		return err
	})
	return revisions, err
}

// GetPatientHistory returns the patient's records
func (c *RecordsContract) GetPatientHistory(ctx contractapi.TransactionContextInterface, patientID uint64) ([]*models.MedicalRecord, error) {
	var list []*models.MedicalRecord
	err := c.run(ctx, "GetPatientHistory", func(s *session) (err error) {
		list, err = s.records.History(s.caller, patientID)
		return err
	})
	return list, err
}

// GetRecordsByType returns the patient's records of one type
func (c *RecordsContract) GetRecordsByType(
	ctx contractapi.TransactionContextInterface,
	patientID uint64,
	recordType string,
) ([]*models.MedicalRecord, error) {
	var list []*models.MedicalRecord
	err := c.run(ctx, "GetRecordsByType", func(s *session) (err error) {
		list, err = s.records.ByType(s.caller, patientID, models.RecordType(recordType))
		return err
	})
	return list, err
}

// GrantRecordAccess gives a provider direct access to the patient's records
// and returns the consent id backing it
func (c *RecordsContract) GrantRecordAccess(
	ctx contractapi.TransactionContextInterface,
	patientID uint64,
	granteeID uint64,
	expiresAt int64,
) (string, error) {
	var id string
	err := c.run(ctx, "GrantRecordAccess", func(s *session) (err error) {
		id, err = s.records.GrantAccess(s.caller, patientID, granteeID, expiresAt)
		return err
	})
	return id, err
}

// RevokeRecordAccess withdraws a provider's direct record access
func (c *RecordsContract) RevokeRecordAccess(ctx contractapi.TransactionContextInterface, patientID uint64, granteeID uint64) error {
	return c.run(ctx, "RevokeRecordAccess", func(s *session) error {
		return s.records.RevokeAccess(s.caller, patientID, granteeID)
	})
}

// GetRecordAccess reports a provider's direct record access
func (c *RecordsContract) GetRecordAccess(
	ctx contractapi.TransactionContextInterface,
	patientID uint64,
	granteeID uint64,
) (*models.AccessPermission, error) {
	var perm *models.AccessPermission
	err := c.run(ctx, "GetRecordAccess", func(s *session) (err error) {
		perm, err = s.records.AccessPermission(patientID, granteeID)
		return err
	})
	return perm, err
}
