// Package records implements the versioned clinical record store. Records
// hold only a reference to their encrypted payload; every update keeps the
// superseded version as a revision and deletion is a terminal status.
package records

import (
	"encoding/json"
	"strconv"

	"github.com/haven-health-passport/careledger/apperr"
	"github.com/haven-health-passport/careledger/consent"
	"github.com/haven-health-passport/careledger/identity"
	"github.com/haven-health-passport/careledger/ledger"
	"github.com/haven-health-passport/careledger/models"
	"github.com/haven-health-passport/careledger/utils"
)

// CreateRequest describes a new record
type CreateRequest struct {
	PatientID  uint64            `json:"patientId"`
	RecordType models.RecordType `json:"recordType"`
	PayloadRef string            `json:"payloadRef"`
	Title      string            `json:"title"`
	Summary    string            `json:"summary"`
}

// Store is the record store bound to one transaction
type Store struct {
	tx      *ledger.Tx
	reg     *identity.Registry
	consent *consent.Engine
}

// New returns the record store for tx
func New(tx *ledger.Tx, reg *identity.Registry, ce *consent.Engine) *Store {
	return &Store{tx: tx, reg: reg, consent: ce}
}

// Create adds a record authored by the calling doctor, who must hold
// clinical notes access to the patient.
func (s *Store) Create(caller string, req *CreateRequest) (uint64, error) {
	if !req.RecordType.Valid() {
		return 0, apperr.New(apperr.InvalidInput, "unknown record type %q", req.RecordType)
	}
	if err := utils.RequireNonBlank("payloadRef", req.PayloadRef, "title", req.Title); err != nil {
		return 0, err
	}
	p, err := s.reg.Resolve(caller)
	if err != nil {
		return 0, err
	}
	if err := identity.Authorize(p, "author medical records", identity.ActiveAs(models.EntityDoctor)); err != nil {
		return 0, err
	}
	if err := s.requirePatient(req.PatientID); err != nil {
		return 0, err
	}
	decision, err := s.consent.RequireAccess(p, req.PatientID, models.ScopeClinicalNotes)
	if err != nil {
		return 0, err
	}

	id, err := s.tx.NextID(utils.CounterRecord)
	if err != nil {
		return 0, err
	}
	now := s.tx.Now()
	record := &models.MedicalRecord{
		ID:         id,
		PatientID:  req.PatientID,
		DoctorID:   p.ID(),
		RecordType: req.RecordType,
		Status:     models.RecordActive,
		PayloadRef: req.PayloadRef,
		Title:      req.Title,
		Summary:    req.Summary,
		Version:    1,
		CreatedAt:  now,
		UpdatedAt:  now,
		CreatedBy:  caller,
		UpdatedBy:  caller,
	}
	if err := s.tx.Put(record, utils.PrefixRecord, utils.PadID(id)); err != nil {
		return 0, err
	}
	if err := s.tx.Index(utils.PrefixPatientRecords, utils.PadID(req.PatientID), utils.PadID(id)); err != nil {
		return 0, err
	}

	event := ledger.Event(models.EventRecordCreated, caller, strconv.FormatUint(id, 10), req.PatientID).
		With("recordType", string(req.RecordType))
	if decision.Emergency {
		event.With("emergency", "true")
	}
	if err := s.tx.Emit(event); err != nil {
		return 0, err
	}
	return id, nil
}

// Update replaces the payload reference, title and summary of a record and
// keeps the previous version as a revision. The author and doctors holding
// current access may update.
func (s *Store) Update(caller string, recordID uint64, payloadRef, title, summary string) error {
	if err := utils.RequireNonBlank("payloadRef", payloadRef, "title", title); err != nil {
		return err
	}
	record, err := s.load(recordID)
	if err != nil {
		return err
	}
	if record.IsDeleted() {
		return apperr.New(apperr.AlreadyTerminal, "record %d is deleted", recordID)
	}
	p, err := s.reg.Resolve(caller)
	if err != nil {
		return err
	}
	if err := identity.Authorize(p, "update medical records", identity.ActiveAs(models.EntityDoctor)); err != nil {
		return err
	}
	if p.ID() != record.DoctorID {
		if _, err := s.consent.RequireAccess(p, record.PatientID, models.ScopeClinicalNotes); err != nil {
			return err
		}
	}

	if err := s.tx.Put(models.NewRecordRevision(record), utils.PrefixRecordRevision, utils.PadID(recordID), utils.PadID(uint64(record.Version))); err != nil {
		return err
	}
	record.PayloadRef = payloadRef
	record.Title = title
	record.Summary = summary
	record.Status = models.RecordUpdated
	record.Version++
	record.UpdatedAt = s.tx.Now()
	record.UpdatedBy = caller
	if err := s.tx.Put(record, utils.PrefixRecord, utils.PadID(recordID)); err != nil {
		return err
	}

	event := ledger.Event(models.EventRecordUpdated, caller, strconv.FormatUint(recordID, 10), record.PatientID).
		With("version", strconv.Itoa(record.Version))
	return s.tx.Emit(event)
}

// SoftDelete marks a record Deleted. Only its author may delete it and the
// deletion cannot be undone.
func (s *Store) SoftDelete(caller string, recordID uint64) error {
	record, err := s.load(recordID)
	if err != nil {
		return err
	}
	p, err := s.reg.Resolve(caller)
	if err != nil {
		return err
	}
	if err := identity.Authorize(p, "delete record "+strconv.FormatUint(recordID, 10), identity.Self(record.DoctorID)); err != nil {
		return err
	}
	if record.IsDeleted() {
		return apperr.New(apperr.AlreadyTerminal, "record %d is already deleted", recordID)
	}

	record.Status = models.RecordDeleted
	record.UpdatedAt = s.tx.Now()
	record.UpdatedBy = caller
	if err := s.tx.Put(record, utils.PrefixRecord, utils.PadID(recordID)); err != nil {
		return err
	}
	return s.tx.Emit(ledger.Event(models.EventRecordDeleted, caller, strconv.FormatUint(recordID, 10), record.PatientID))
}

// Get returns a record by id. Deleted records are returned only to the
// patient and the author.
func (s *Store) Get(caller string, recordID uint64) (*models.MedicalRecord, error) {
	record, err := s.load(recordID)
	if err != nil {
		return nil, err
	}
	p, err := s.reg.Resolve(caller)
	if err != nil {
		return nil, err
	}
	if p.Owns(record.PatientID) || p.Owns(record.DoctorID) {
		return record, nil
	}
	if record.IsDeleted() {
		return nil, apperr.New(apperr.AccessDenied, "record %d was deleted", recordID)
	}
	if err := s.requireRead(p, record.PatientID); err != nil {
		return nil, err
	}
	return record, nil
}

// Revisions returns the superseded versions of a record, oldest first, to
// anyone who may read the record.
func (s *Store) Revisions(caller string, recordID uint64) ([]*models.RecordRevision, error) {
	if _, err := s.Get(caller, recordID); err != nil {
		return nil, err
	}
	revisions := []*models.RecordRevision{}
	err := s.tx.Scan(utils.PrefixRecordRevision, []string{utils.PadID(recordID)}, func(_ []string, value []byte) error {
		var rev models.RecordRevision
		if err := json.Unmarshal(value, &rev); err != nil {
			return apperr.Wrap(err, "failed to unmarshal revision of record %d", recordID)
		}
		revisions = append(revisions, &rev)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return revisions, nil
}

// History returns the patient's records that are not deleted, in creation
// order.
func (s *Store) History(caller string, patientID uint64) ([]*models.MedicalRecord, error) {
	return s.list(caller, patientID, func(*models.MedicalRecord) bool { return true })
}

// ByType returns the patient's records of one type that are not deleted
func (s *Store) ByType(caller string, patientID uint64, recordType models.RecordType) ([]*models.MedicalRecord, error) {
	if !recordType.Valid() {
		return nil, apperr.New(apperr.InvalidInput, "unknown record type %q", recordType)
	}
	return s.list(caller, patientID, func(r *models.MedicalRecord) bool { return r.RecordType == recordType })
}

func (s *Store) list(caller string, patientID uint64, keep func(*models.MedicalRecord) bool) ([]*models.MedicalRecord, error) {
	p, err := s.reg.Resolve(caller)
	if err != nil {
		return nil, err
	}
	if !p.Owns(patientID) {
		if err := s.requireRead(p, patientID); err != nil {
			return nil, err
		}
	}
	ids, err := s.tx.ScanIDs(utils.PrefixPatientRecords, []string{utils.PadID(patientID)}, 1)
	if err != nil {
		return nil, err
	}
	records := []*models.MedicalRecord{}
	for _, id := range ids {
		record, err := s.load(id)
		if err != nil {
			return nil, err
		}
		if !record.IsDeleted() && keep(record) {
			records = append(records, record)
		}
	}
	return records, nil
}

func (s *Store) requireRead(p *identity.Principal, patientID uint64) error {
	if err := identity.Authorize(p, "read medical records", (*identity.Principal).IsActiveProvider); err != nil {
		return err
	}
	_, err := s.consent.RequireAccess(p, patientID, models.ScopeClinicalNotes)
	return err
}

func (s *Store) requirePatient(patientID uint64) error {
	patient, err := s.reg.Get(patientID)
	if err != nil {
		return err
	}
	if patient.EntityType != models.EntityPatient {
		return apperr.New(apperr.InvalidInput, "identity %d is not a patient", patientID)
	}
	return nil
}

func (s *Store) load(recordID uint64) (*models.MedicalRecord, error) {
	var record models.MedicalRecord
	found, err := s.tx.Get(&record, utils.PrefixRecord, utils.PadID(recordID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperr.New(apperr.NotFound, "record %d not found", recordID)
	}
	return &record, nil
}
