// Package prescriptions implements the prescription lifecycle: issuing,
// partial and complete dispensing by pharmacies, cancellation, refills and
// pharmacy-scoped access grants.
//
// Status is derived from ledger time and the per-line dispensed quantities
// every time a prescription is read, so a prescription past its expiry reads
// Expired even before MarkExpired records it.
package prescriptions

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

// IssueRequest describes a new prescription
type IssueRequest struct {
	PatientID                uint64              `json:"patientId"`
	Medications              []models.Medication `json:"medications" validate:"min=1,dive"`
	Diagnosis                string              `json:"diagnosis" validate:"notblank"`
	Instructions             string              `json:"instructions"`
	ExpiresAt                int64               `json:"expiresAt"`
	Urgency                  models.Urgency      `json:"urgency"`
	AllowGenericSubstitution bool                `json:"allowGenericSubstitution"`
	MaxRefills               int                 `json:"maxRefills" validate:"min=0"`
}

// DispenseRequest describes one dispensing action
type DispenseRequest struct {
	PrescriptionID   uint64 `json:"prescriptionId"`
	LineIndex        int    `json:"lineIndex"`
	Quantity         uint64 `json:"quantity"`
	ActualMedication string `json:"actualMedication"`
	Notes            string `json:"notes"`
}

type pharmacyGrant struct {
	GrantedBy string `json:"grantedBy"`
	GrantedAt int64  `json:"grantedAt"`
}

// Engine is the prescription engine bound to one transaction
type Engine struct {
	tx      *ledger.Tx
	reg     *identity.Registry
	consent *consent.Engine
}

// New returns the prescription engine for tx
func New(tx *ledger.Tx, reg *identity.Registry, ce *consent.Engine) *Engine {
	return &Engine{tx: tx, reg: reg, consent: ce}
}

// Issue creates a prescription from the calling doctor, who must hold
// prescriptions access to the patient.
func (e *Engine) Issue(caller string, req *IssueRequest) (uint64, error) {
	if req.Urgency == "" {
		req.Urgency = models.UrgencyNormal
	}
	if !req.Urgency.Valid() {
		return 0, apperr.New(apperr.InvalidInput, "unknown urgency %q", req.Urgency)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return 0, err
	}
	now := e.tx.Now()
	if req.ExpiresAt <= now {
		return 0, apperr.New(apperr.InvalidExpiry, "expiry %d is not in the future", req.ExpiresAt)
	}

	p, err := e.reg.Resolve(caller)
	if err != nil {
		return 0, err
	}
	if err := identity.Authorize(p, "issue prescriptions", identity.ActiveAs(models.EntityDoctor)); err != nil {
		return 0, err
	}
	patient, err := e.reg.Get(req.PatientID)
	if err != nil {
		return 0, err
	}
	if patient.EntityType != models.EntityPatient {
		return 0, apperr.New(apperr.InvalidInput, "identity %d is not a patient", req.PatientID)
	}
	decision, err := e.consent.RequireAccess(p, req.PatientID, models.ScopePrescriptions)
	if err != nil {
		return 0, err
	}

	id, err := e.tx.NextID(utils.CounterPrescription)
	if err != nil {
		return 0, err
	}
	meds := make([]models.Medication, len(req.Medications))
	for i, m := range req.Medications {
		m.DispensedQuantity = 0
		if m.Alternatives == nil {
			m.Alternatives = []string{}
		}
		meds[i] = m
	}
	rx := &models.Prescription{
		ID:                       id,
		PatientID:                req.PatientID,
		DoctorID:                 p.ID(),
		Status:                   models.RxActive,
		Urgency:                  req.Urgency,
		Medications:              meds,
		Diagnosis:                req.Diagnosis,
		Instructions:             req.Instructions,
		IssuedAt:                 now,
		ExpiresAt:                req.ExpiresAt,
		IssuedBy:                 caller,
		AllowGenericSubstitution: req.AllowGenericSubstitution,
		MaxRefills:               req.MaxRefills,
	}
	if err := e.save(rx); err != nil {
		return 0, err
	}
	if err := e.tx.Index(utils.PrefixPatientRx, utils.PadID(rx.PatientID), utils.PadID(id)); err != nil {
		return 0, err
	}

	event := ledger.Event(models.EventPrescriptionIssued, caller, strconv.FormatUint(id, 10), rx.PatientID).
		With("urgency", string(rx.Urgency)).
		With("lines", strconv.Itoa(len(meds)))
	if decision.Emergency {
		event.With("emergency", "true")
	}
	if err := e.tx.Emit(event); err != nil {
		return 0, err
	}
	return id, nil
}

// Dispense records a pharmacy handing out part or all of one line item.
// The caller must be an Active pharmacy holding a grant for this
// prescription or the pharmacy role.
func (e *Engine) Dispense(caller string, req *DispenseRequest) (*models.DispensingRecord, error) {
	if req.Quantity == 0 {
		return nil, apperr.New(apperr.InvalidInput, "quantity must be greater than 0")
	}
	rx, err := e.load(req.PrescriptionID)
	if err != nil {
		return nil, err
	}
	p, err := e.reg.Resolve(caller)
	if err != nil {
		return nil, err
	}
	if err := identity.Authorize(p, "dispense prescriptions", identity.ActiveAs(models.EntityPharmacy)); err != nil {
		return nil, err
	}
	if err := e.requirePharmacyAccess(p, rx); err != nil {
		return nil, err
	}

	now := e.tx.Now()
	if err := requireDispensable(rx, now); err != nil {
		return nil, err
	}
	if req.LineIndex < 0 || req.LineIndex >= len(rx.Medications) {
		return nil, apperr.New(apperr.InvalidInput, "prescription %d has no line %d", rx.ID, req.LineIndex)
	}
	line := &rx.Medications[req.LineIndex]
	if req.Quantity > line.Remaining() {
		return nil, apperr.New(apperr.InsufficientRemainingQuantity,
			"line %d has %d of %d remaining, %d requested", req.LineIndex, line.Remaining(), line.Quantity, req.Quantity)
	}
	if !line.Accepts(req.ActualMedication, rx.AllowGenericSubstitution) {
		return nil, apperr.New(apperr.InvalidInput, "substituting %s for %s is not allowed", req.ActualMedication, line.Name)
	}

	dispensed := req.ActualMedication
	if dispensed == "" {
		dispensed = line.Name
	}
	line.DispensedQuantity += req.Quantity
	previous := rx.Status
	rx.Status = rx.DeriveStatus(now)
	rx.LastDispensedAt = now
	rx.DispenseCount++

	record := &models.DispensingRecord{
		PrescriptionID:      rx.ID,
		Sequence:            rx.DispenseCount,
		Fill:                rx.Fill(),
		PharmacyID:          p.ID(),
		LineIndex:           req.LineIndex,
		Quantity:            req.Quantity,
		MedicationDispensed: dispensed,
		DispensedAt:         now,
		DispensedBy:         caller,
		Notes:               req.Notes,
	}
	if err := e.save(rx); err != nil {
		return nil, err
	}
	if err := e.tx.Put(record, utils.PrefixDispensing, utils.PadID(rx.ID), utils.PadID(record.Sequence)); err != nil {
		return nil, err
	}

	event := ledger.Event(models.EventPrescriptionDispensed, caller, strconv.FormatUint(rx.ID, 10), rx.PatientID).
		With("line", strconv.Itoa(req.LineIndex)).
		With("quantity", strconv.FormatUint(req.Quantity, 10)).
		With("medication", dispensed).
		With("status", string(rx.Status))
	if previous != rx.Status {
		event.With("previousStatus", string(previous))
	}
	if err := e.tx.Emit(event); err != nil {
		return nil, err
	}
	return record, nil
}

// Cancel ends a prescription that is still Active or PartiallyDispensed.
// Only the issuing doctor may cancel.
func (e *Engine) Cancel(caller string, rxID uint64, reason string) error {
	if err := utils.RequireNonBlank("reason", reason); err != nil {
		return err
	}
	rx, err := e.load(rxID)
	if err != nil {
		return err
	}
	p, err := e.reg.Resolve(caller)
	if err != nil {
		return err
	}
	if err := identity.Authorize(p, "cancel prescription "+strconv.FormatUint(rxID, 10), identity.Self(rx.DoctorID)); err != nil {
		return err
	}
	status := rx.DeriveStatus(e.tx.Now())
	if !status.Dispensable() {
		return apperr.New(apperr.AlreadyTerminal, "prescription %d is %s", rxID, status)
	}

	rx.Status = models.RxCancelled
	rx.CancelledBy = caller
	rx.CancellationReason = reason
	if err := e.save(rx); err != nil {
		return err
	}
	event := ledger.Event(models.EventPrescriptionCancelled, caller, strconv.FormatUint(rxID, 10), rx.PatientID).
		With("reason", reason).
		With("previousStatus", string(status))
	return e.tx.Emit(event)
}

// Refill starts the next fill of a fully dispensed prescription. The
// issuing doctor or the patient may refill while refills remain and the
// prescription has not expired.
func (e *Engine) Refill(caller string, rxID uint64) error {
	rx, err := e.load(rxID)
	if err != nil {
		return err
	}
	p, err := e.reg.Resolve(caller)
	if err != nil {
		return err
	}
	if err := identity.Authorize(p, "refill prescription "+strconv.FormatUint(rxID, 10), identity.Self(rx.DoctorID), identity.Self(rx.PatientID)); err != nil {
		return err
	}
	now := e.tx.Now()
	switch status := rx.DeriveStatus(now); status {
	case models.RxDispensed:
	case models.RxExpired:
		return apperr.New(apperr.Expired, "prescription %d expired at %d", rxID, rx.ExpiresAt)
	case models.RxCancelled:
		return apperr.New(apperr.AlreadyTerminal, "prescription %d is cancelled", rxID)
	default:
		return apperr.New(apperr.NotActive, "prescription %d is %s, only dispensed prescriptions are refilled", rxID, status)
	}
	if rx.RefillsUsed >= rx.MaxRefills {
		return apperr.New(apperr.AlreadyTerminal, "prescription %d used all %d refills", rxID, rx.MaxRefills)
	}

	for i := range rx.Medications {
		rx.Medications[i].DispensedQuantity = 0
	}
	rx.RefillsUsed++
	rx.Status = rx.DeriveStatus(now)
	if err := e.save(rx); err != nil {
		return err
	}
	event := ledger.Event(models.EventPrescriptionRefilled, caller, strconv.FormatUint(rxID, 10), rx.PatientID).
		With("fill", strconv.Itoa(rx.Fill())).
		With("refillsUsed", strconv.Itoa(rx.RefillsUsed))
	return e.tx.Emit(event)
}

// MarkExpired records the Expired status of a prescription past its expiry.
// Anyone may call it; a prescription that is not yet expired, or whose
// expiry is already recorded, is left unchanged and reported false.
func (e *Engine) MarkExpired(caller string, rxID uint64) (bool, error) {
	rx, err := e.load(rxID)
	if err != nil {
		return false, err
	}
	status := rx.DeriveStatus(e.tx.Now())
	if status != models.RxExpired || rx.Status == models.RxExpired {
		return false, nil
	}

	previous := rx.Status
	rx.Status = models.RxExpired
	if err := e.save(rx); err != nil {
		return false, err
	}
	event := ledger.Event(models.EventPrescriptionStatusChanged, caller, strconv.FormatUint(rxID, 10), rx.PatientID).
		With("from", string(previous)).
		With("to", string(models.RxExpired))
	if err := e.tx.Emit(event); err != nil {
		return false, err
	}
	return true, nil
}

// GrantPharmacyAccess lets a pharmacy dispense one prescription. The patient
// or the issuing doctor may grant it.
func (e *Engine) GrantPharmacyAccess(caller string, rxID, pharmacyID uint64) error {
	rx, err := e.load(rxID)
	if err != nil {
		return err
	}
	if err := e.authorizeGrant(caller, rx); err != nil {
		return err
	}
	pharmacy, err := e.reg.Get(pharmacyID)
	if err != nil {
		return err
	}
	if pharmacy.EntityType != models.EntityPharmacy {
		return apperr.New(apperr.InvalidInput, "identity %d is a %s, not a pharmacy", pharmacyID, pharmacy.EntityType)
	}
	if !pharmacy.IsActive() {
		return apperr.New(apperr.NotActive, "pharmacy %d is %s", pharmacyID, pharmacy.Status)
	}

	grant := &pharmacyGrant{GrantedBy: caller, GrantedAt: e.tx.Now()}
	if err := e.tx.Put(grant, utils.PrefixPharmacyGrant, utils.PadID(rxID), utils.PadID(pharmacyID)); err != nil {
		return err
	}
	event := ledger.Event(models.EventPharmacyAccessGranted, caller, strconv.FormatUint(rxID, 10), rx.PatientID).
		With("pharmacyId", strconv.FormatUint(pharmacyID, 10))
	return e.tx.Emit(event)
}

// RevokePharmacyAccess withdraws a pharmacy's grant for one prescription
func (e *Engine) RevokePharmacyAccess(caller string, rxID, pharmacyID uint64) error {
	rx, err := e.load(rxID)
	if err != nil {
		return err
	}
	if err := e.authorizeGrant(caller, rx); err != nil {
		return err
	}
	granted, err := e.tx.Exists(utils.PrefixPharmacyGrant, utils.PadID(rxID), utils.PadID(pharmacyID))
	if err != nil {
		return err
	}
	if !granted {
		return apperr.New(apperr.NotActive, "pharmacy %d holds no grant for prescription %d", pharmacyID, rxID)
	}
	if err := e.tx.Delete(utils.PrefixPharmacyGrant, utils.PadID(rxID), utils.PadID(pharmacyID)); err != nil {
		return err
	}
	event := ledger.Event(models.EventPharmacyAccessRevoked, caller, strconv.FormatUint(rxID, 10), rx.PatientID).
		With("pharmacyId", strconv.FormatUint(pharmacyID, 10))
	return e.tx.Emit(event)
}

// Verify reports whether a prescription can still be dispensed, returning
// it with its status derived at ledger time.
func (e *Engine) Verify(rxID uint64) (*models.PrescriptionVerification, error) {
	rx, err := e.current(rxID)
	if err != nil {
		return nil, err
	}
	return &models.PrescriptionVerification{Valid: rx.Status.Dispensable(), Prescription: rx}, nil
}

// Get returns a prescription with its status derived at ledger time to the
// patient, the issuing doctor, a granted pharmacy, or a provider holding
// prescriptions access.
func (e *Engine) Get(caller string, rxID uint64) (*models.Prescription, error) {
	rx, err := e.current(rxID)
	if err != nil {
		return nil, err
	}
	if err := e.requireRead(caller, rx); err != nil {
		return nil, err
	}
	return rx, nil
}

// ListForPatient returns the patient's prescriptions in issue order to the
// patient and to providers holding prescriptions access.
func (e *Engine) ListForPatient(caller string, patientID uint64) ([]*models.Prescription, error) {
	p, err := e.reg.Resolve(caller)
	if err != nil {
		return nil, err
	}
	if !p.Owns(patientID) {
		if err := identity.Authorize(p, "list prescriptions", (*identity.Principal).IsActiveProvider); err != nil {
			return nil, err
		}
		if _, err := e.consent.RequireAccess(p, patientID, models.ScopePrescriptions); err != nil {
			return nil, err
		}
	}
	ids, err := e.tx.ScanIDs(utils.PrefixPatientRx, []string{utils.PadID(patientID)}, 1)
	if err != nil {
		return nil, err
	}
	list := []*models.Prescription{}
	for _, id := range ids {
		rx, err := e.current(id)
		if err != nil {
			return nil, err
		}
		list = append(list, rx)
	}
	return list, nil
}

// Dispensings returns the dispensing history of a prescription in order to
// anyone who may read the prescription.
func (e *Engine) Dispensings(caller string, rxID uint64) ([]*models.DispensingRecord, error) {
	rx, err := e.load(rxID)
	if err != nil {
		return nil, err
	}
	if err := e.requireRead(caller, rx); err != nil {
		return nil, err
	}
	records := []*models.DispensingRecord{}
	err = e.tx.Scan(utils.PrefixDispensing, []string{utils.PadID(rxID)}, func(_ []string, value []byte) error {
		var record models.DispensingRecord
		if err := json.Unmarshal(value, &record); err != nil {
			return apperr.Wrap(err, "failed to unmarshal dispensing record")
		}
		records = append(records, &record)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

func (e *Engine) authorizeGrant(caller string, rx *models.Prescription) error {
	p, err := e.reg.Resolve(caller)
	if err != nil {
		return err
	}
	return identity.Authorize(p, "manage pharmacy access to prescription "+strconv.FormatUint(rx.ID, 10),
		identity.Self(rx.PatientID), identity.Self(rx.DoctorID))
}

func (e *Engine) requireRead(caller string, rx *models.Prescription) error {
	p, err := e.reg.Resolve(caller)
	if err != nil {
		return err
	}
	if p.Owns(rx.PatientID) || p.Owns(rx.DoctorID) {
		return nil
	}
	if p.Is(models.EntityPharmacy) {
		granted, err := e.tx.Exists(utils.PrefixPharmacyGrant, utils.PadID(rx.ID), utils.PadID(p.ID()))
		if err != nil || granted {
			return err
		}
	}
	if err := identity.Authorize(p, "read prescription "+strconv.FormatUint(rx.ID, 10), (*identity.Principal).IsActiveProvider); err != nil {
		return err
	}
	_, err = e.consent.RequireAccess(p, rx.PatientID, models.ScopePrescriptions)
	return err
}

func (e *Engine) requirePharmacyAccess(p *identity.Principal, rx *models.Prescription) error {
	granted, err := e.tx.Exists(utils.PrefixPharmacyGrant, utils.PadID(rx.ID), utils.PadID(p.ID()))
	if err != nil || granted {
		return err
	}
	recognized, err := e.reg.HasRole(p.Account, models.EntityPharmacy.Role())
	if err != nil || recognized {
		return err
	}
	return apperr.New(apperr.AccessDenied, "pharmacy %d holds no grant for prescription %d", p.ID(), rx.ID)
}

func requireDispensable(rx *models.Prescription, now int64) error {
	switch status := rx.DeriveStatus(now); status {
	case models.RxActive, models.RxPartiallyDispensed:
		return nil
	case models.RxExpired:
		return apperr.New(apperr.Expired, "prescription %d expired at %d", rx.ID, rx.ExpiresAt)
	default:
		return apperr.New(apperr.AlreadyTerminal, "prescription %d is %s", rx.ID, status)
	}
}

func (e *Engine) save(rx *models.Prescription) error {
	return e.tx.Put(rx, utils.PrefixPrescription, utils.PadID(rx.ID))
}

// current loads a prescription with its status derived at ledger time
func (e *Engine) current(rxID uint64) (*models.Prescription, error) {
	rx, err := e.load(rxID)
	if err != nil {
		return nil, err
	}
	rx.Status = rx.DeriveStatus(e.tx.Now())
	return rx, nil
}

func (e *Engine) load(rxID uint64) (*models.Prescription, error) {
	var rx models.Prescription
	found, err := e.tx.Get(&rx, utils.PrefixPrescription, utils.PadID(rxID))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperr.New(apperr.NotFound, "prescription %d not found", rxID)
	}
	for i := range rx.Medications {
		if rx.Medications[i].Alternatives == nil {
			rx.Medications[i].Alternatives = []string{}
		}
	}
	return &rx, nil
}
