// Package consent implements scoped, time-bound consent grants from
// patients to providers, the per-patient emergency override and the access
// checks the record and prescription engines consume.
//
// Access checks never write. A consent whose validity window has closed
// stops granting access at once, while its stored status only changes when
// SweepExpired records it.
package consent

import (
	"sort"
	"strconv"
	"strings"

	"github.com/haven-health-passport/careledger/apperr"
	"github.com/haven-health-passport/careledger/identity"
	"github.com/haven-health-passport/careledger/ledger"
	"github.com/haven-health-passport/careledger/models"
	"github.com/haven-health-passport/careledger/utils"
)

// GrantRequest describes a consent grant
type GrantRequest struct {
	PatientID         uint64       `json:"patientId"`
	GranteeID         uint64       `json:"granteeId"`
	Scope             models.Scope `json:"scope"`
	ValidTo           int64        `json:"validTo"`
	Purpose           string       `json:"purpose"`
	EmergencyOverride bool         `json:"emergencyOverride"`
}

// Engine is the consent engine bound to one transaction
type Engine struct {
	tx  *ledger.Tx
	reg *identity.Registry
}

// New returns the consent engine for tx
func New(tx *ledger.Tx, reg *identity.Registry) *Engine {
	return &Engine{tx: tx, reg: reg}
}

// Grant records a consent from the caller's patient identity to a provider.
// An Active consent for the same patient, grantee and scope is revoked as
// superseded in the same transaction.
func (e *Engine) Grant(caller string, req *GrantRequest) (string, error) {
	if !req.Scope.Valid() {
		return "", apperr.New(apperr.InvalidInput, "unknown scope %q", req.Scope)
	}
	if err := utils.RequireNonBlank("purpose", req.Purpose); err != nil {
		return "", err
	}
	now := e.tx.Now()
	if req.ValidTo != 0 && req.ValidTo <= now {
		return "", apperr.New(apperr.InvalidExpiry, "validTo %d is not in the future", req.ValidTo)
	}

	p, err := e.reg.Resolve(caller)
	if err != nil {
		return "", err
	}
	if err := identity.Authorize(p, "grant consent for patient "+strconv.FormatUint(req.PatientID, 10), activePatient(req.PatientID)); err != nil {
		return "", err
	}
	grantee, err := e.reg.Get(req.GranteeID)
	if err != nil {
		return "", err
	}
	if !grantee.EntityType.IsProvider() {
		return "", apperr.New(apperr.NotAProvider, "grantee %d is a %s", grantee.ID, grantee.EntityType)
	}
	if !grantee.IsActive() {
		return "", apperr.New(apperr.NotActive, "grantee %d is %s", grantee.ID, grantee.Status)
	}

	previous, err := e.Active(req.PatientID, req.GranteeID, req.Scope)
	if err != nil {
		return "", err
	}
	if previous != nil {
		previous.Status = models.ConsentRevoked
		previous.RevokedBy = caller
		previous.RevocationReason = models.SupersededReason
		previous.UpdatedAt = now
		if err := e.tx.Put(previous, utils.PrefixConsent, previous.ID); err != nil {
			return "", err
		}
	}

	c := &models.ConsentRecord{
		ID:                utils.DeriveConsentID(req.PatientID, req.GranteeID, string(req.Scope), now, e.tx.TxID()),
		PatientID:         req.PatientID,
		GranteeID:         req.GranteeID,
		Scope:             req.Scope,
		Status:            models.ConsentActive,
		ValidFrom:         now,
		ValidTo:           req.ValidTo,
		GrantedBy:         caller,
		Purpose:           req.Purpose,
		EmergencyOverride: req.EmergencyOverride,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
	if err := e.tx.Put(c, utils.PrefixConsent, c.ID); err != nil {
		return "", err
	}
	if err := e.tx.Put(c.ID, utils.PrefixActiveConsent, tuple(c)...); err != nil {
		return "", err
	}
	if err := e.tx.Index(utils.PrefixPatientConsents, utils.PadID(c.PatientID), c.ID); err != nil {
		return "", err
	}

	event := ledger.Event(models.EventConsentGranted, caller, c.ID, c.PatientID).
		With("granteeId", strconv.FormatUint(c.GranteeID, 10)).
		With("scope", string(c.Scope)).
		With("validTo", strconv.FormatInt(c.ValidTo, 10))
	if previous != nil {
		event.With("superseded", previous.ID)
	}
	if err := e.tx.Emit(event); err != nil {
		return "", err
	}
	return c.ID, nil
}

// Revoke ends an Active consent. The owning patient and auditors may revoke.
func (e *Engine) Revoke(caller, consentID, reason string) error {
	if err := utils.RequireNonBlank("reason", reason); err != nil {
		return err
	}
	c, err := e.load(consentID)
	if err != nil {
		return err
	}
	p, err := e.reg.Resolve(caller)
	if err != nil {
		return err
	}
	if err := identity.Authorize(p, "revoke consent "+consentID, identity.Self(c.PatientID), identity.Auditor); err != nil {
		return err
	}
	if c.Status != models.ConsentActive {
		return apperr.New(apperr.NotActive, "consent %s is %s", consentID, c.Status)
	}

	c.Status = models.ConsentRevoked
	c.RevokedBy = caller
	c.RevocationReason = reason
	c.UpdatedAt = e.tx.Now()
	if err := e.tx.Put(c, utils.PrefixConsent, c.ID); err != nil {
		return err
	}
	if err := e.clearActive(c); err != nil {
		return err
	}

	event := ledger.Event(models.EventConsentRevoked, caller, c.ID, c.PatientID).
		With("granteeId", strconv.FormatUint(c.GranteeID, 10)).
		With("scope", string(c.Scope)).
		With("reason", reason)
	return e.tx.Emit(event)
}

// Check decides whether grantee may access the patient's data in scope.
// Patients always reach their own data. Otherwise an effective consent for
// the exact scope wins, then an effective FullAccess consent, then the
// emergency override of the resolved consent when the patient has enabled
// emergency access.
func (e *Engine) Check(patientID, granteeID uint64, scope models.Scope) (*models.AccessDecision, error) {
	if !scope.Valid() {
		return nil, apperr.New(apperr.InvalidInput, "unknown scope %q", scope)
	}
	if patientID == granteeID {
		if _, err := e.reg.Get(patientID); err != nil {
			return nil, err
		}
		return &models.AccessDecision{HasAccess: true, SelfAccess: true}, nil
	}

	now := e.tx.Now()
	exact, err := e.Active(patientID, granteeID, scope)
	if err != nil {
		return nil, err
	}
	if exact != nil && exact.IsEffective(now) {
		return decision(exact, true), nil
	}

	var full *models.ConsentRecord
	if scope != models.ScopeFullAccess {
		full, err = e.Active(patientID, granteeID, models.ScopeFullAccess)
		if err != nil {
			return nil, err
		}
		if full != nil && full.IsEffective(now) {
			return decision(full, true), nil
		}
	}

	resolved := exact
	if resolved == nil {
		resolved = full
	}
	if resolved == nil {
		return &models.AccessDecision{}, nil
	}
	if resolved.EmergencyOverride {
		em, err := e.Emergency(patientID)
		if err != nil {
			return nil, err
		}
		if em.Enabled {
			d := decision(resolved, true)
			d.Emergency = true
			return d, nil
		}
	}
	return decision(resolved, false), nil
}

// Authorize checks the principal's own access to a patient's data in scope
func (e *Engine) Authorize(p *identity.Principal, patientID uint64, scope models.Scope) (*models.AccessDecision, error) {
	if p.Owns(patientID) {
		return &models.AccessDecision{HasAccess: true, SelfAccess: true}, nil
	}
	if p.Identity == nil {
		return &models.AccessDecision{}, nil
	}
	return e.Check(patientID, p.ID(), scope)
}

// RequireAccess fails with AccessDenied unless the principal may access the
// patient's data in scope.
func (e *Engine) RequireAccess(p *identity.Principal, patientID uint64, scope models.Scope) (*models.AccessDecision, error) {
	d, err := e.Authorize(p, patientID, scope)
	if err != nil {
		return nil, err
	}
	if !d.HasAccess {
		return nil, apperr.New(apperr.AccessDenied, "%s holds no %s access to patient %d", p.Account, scope, patientID)
	}
	return d, nil
}

// ToggleEmergencyAccess sets the patient's emergency override flag
func (e *Engine) ToggleEmergencyAccess(caller string, patientID uint64, enabled bool, conditions string) error {
	p, err := e.reg.Resolve(caller)
	if err != nil {
		return err
	}
	if err := identity.Authorize(p, "change emergency access", activePatient(patientID)); err != nil {
		return err
	}
	if enabled {
		if err := utils.RequireNonBlank("conditions", conditions); err != nil {
			return err
		}
	}

	em := &models.EmergencyAccess{
		PatientID:  patientID,
		Enabled:    enabled,
		Conditions: conditions,
		UpdatedAt:  e.tx.Now(),
		UpdatedBy:  caller,
	}
	if err := e.tx.Put(em, utils.PrefixEmergency, utils.PadID(patientID)); err != nil {
		return err
	}
	event := ledger.Event(models.EventEmergencyAccessToggled, caller, strconv.FormatUint(patientID, 10), patientID).
		With("enabled", strconv.FormatBool(enabled))
	return e.tx.Emit(event)
}

// Emergency returns the patient's emergency setting, disabled when never set
func (e *Engine) Emergency(patientID uint64) (*models.EmergencyAccess, error) {
	em := &models.EmergencyAccess{PatientID: patientID}
	if _, err := e.tx.Get(em, utils.PrefixEmergency, utils.PadID(patientID)); err != nil {
		return nil, err
	}
	return em, nil
}

// SweepExpired records the expiry of every listed consent that is Active
// past its validity window and returns the ids it changed. Anyone may call
// it. Unknown and already settled ids are skipped.
func (e *Engine) SweepExpired(caller string, consentIDs []string) ([]string, error) {
	now := e.tx.Now()
	swept := []string{}
	var patients []uint64
	seen := make(map[string]bool, len(consentIDs))

	for _, id := range consentIDs {
		if seen[id] {
			continue
		}
		seen[id] = true

		var c models.ConsentRecord
		found, err := e.tx.Get(&c, utils.PrefixConsent, id)
		if err != nil {
			return nil, err
		}
		if !found || c.Status != models.ConsentActive || !c.IsExpired(now) {
			continue
		}
		c.Status = models.ConsentExpired
		c.UpdatedAt = now
		if err := e.tx.Put(&c, utils.PrefixConsent, c.ID); err != nil {
			return nil, err
		}
		if err := e.clearActive(&c); err != nil {
			return nil, err
		}
		swept = append(swept, c.ID)
		patients = append(patients, c.PatientID)
	}

	if len(swept) == 0 {
		return swept, nil
	}
	event := ledger.Event(models.EventConsentsExpired, caller, strings.Join(swept, ","), patients...).
		With("count", strconv.Itoa(len(swept)))
	if err := e.tx.Emit(event); err != nil {
		return nil, err
	}
	return swept, nil
}

// Active returns the consent indexed as Active for the tuple, or nil. The
// consent may be logically expired.
func (e *Engine) Active(patientID, granteeID uint64, scope models.Scope) (*models.ConsentRecord, error) {
	var id string
	found, err := e.tx.Get(&id, utils.PrefixActiveConsent, utils.PadID(patientID), utils.PadID(granteeID), string(scope))
	if err != nil || !found {
		return nil, err
	}
	c, err := e.load(id)
	if err != nil {
		return nil, err
	}
	if c.Status != models.ConsentActive {
		return nil, nil
	}
	return c, nil
}

// Get returns a consent with its status as of ledger time
func (e *Engine) Get(consentID string) (*models.ConsentRecord, error) {
	c, err := e.load(consentID)
	if err != nil {
		return nil, err
	}
	return e.fresh(c), nil
}

// ListForPatient returns every consent the patient granted, oldest first.
// The patient and auditors may list.
func (e *Engine) ListForPatient(caller string, patientID uint64) ([]*models.ConsentRecord, error) {
	p, err := e.reg.Resolve(caller)
	if err != nil {
		return nil, err
	}
	if err := identity.Authorize(p, "list consents", identity.Self(patientID), identity.Auditor); err != nil {
		return nil, err
	}

	consents := []*models.ConsentRecord{}
	err = e.tx.Scan(utils.PrefixPatientConsents, []string{utils.PadID(patientID)}, func(attrs []string, _ []byte) error {
		c, err := e.load(attrs[1])
		if err != nil {
			return err
		}
		consents = append(consents, e.fresh(c))
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.SliceStable(consents, func(i, j int) bool {
		return consents[i].CreatedAt < consents[j].CreatedAt
	})
	return consents, nil
}

// AuditTrail returns the events concerning a patient. The patient and
// auditors may read it.
func (e *Engine) AuditTrail(caller string, patientID uint64) ([]models.Event, error) {
	p, err := e.reg.Resolve(caller)
	if err != nil {
		return nil, err
	}
	if err := identity.Authorize(p, "read the audit trail", identity.Self(patientID), identity.Auditor); err != nil {
		return nil, err
	}
	return e.tx.AuditTrail(patientID)
}

func (e *Engine) load(consentID string) (*models.ConsentRecord, error) {
	var c models.ConsentRecord
	found, err := e.tx.Get(&c, utils.PrefixConsent, consentID)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperr.New(apperr.NotFound, "consent %s not found", consentID)
	}
	return &c, nil
}

// fresh reports a logically expired Active consent as Expired
func (e *Engine) fresh(c *models.ConsentRecord) *models.ConsentRecord {
	if c.Status == models.ConsentActive && c.IsExpired(e.tx.Now()) {
		c.Status = models.ConsentExpired
	}
	return c
}

func (e *Engine) clearActive(c *models.ConsentRecord) error {
	var id string
	found, err := e.tx.Get(&id, utils.PrefixActiveConsent, tuple(c)...)
	if err != nil {
		return err
	}
	if found && id == c.ID {
		return e.tx.Delete(utils.PrefixActiveConsent, tuple(c)...)
	}
	return nil
}

func activePatient(patientID uint64) identity.Rule {
	return func(p *identity.Principal) bool {
		return p.Owns(patientID) && p.Is(models.EntityPatient)
	}
}

func tuple(c *models.ConsentRecord) []string {
	return []string{utils.PadID(c.PatientID), utils.PadID(c.GranteeID), string(c.Scope)}
}

func decision(c *models.ConsentRecord, granted bool) *models.AccessDecision {
	return &models.AccessDecision{
		HasAccess: granted,
		ConsentID: c.ID,
		ExpiresAt: c.ValidTo,
	}
}
