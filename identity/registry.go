// Package identity implements the identity registry: registration of
// government, provider and patient identities, their roles, provider
// credentials and patient passports.
package identity

import (
	"strconv"

	"github.com/haven-health-passport/careledger/apperr"
	"github.com/haven-health-passport/careledger/ledger"
	"github.com/haven-health-passport/careledger/models"
	"github.com/haven-health-passport/careledger/utils"
)

// AccessGate answers consent checks for reads the registry gates on patient
// consent.
type AccessGate interface {
	Check(patientID, granteeID uint64, scope models.Scope) (*models.AccessDecision, error)
}

// PassportRequest carries the fields of a patient passport registration
type PassportRequest struct {
	Owner          string                `json:"owner" validate:"notblank"`
	ExternalID     string                `json:"externalId" validate:"patientid"`
	FirstName      string                `json:"firstName" validate:"notblank"`
	LastName       string                `json:"lastName" validate:"notblank"`
	FirstNameAr    string                `json:"firstNameAr" validate:"notblank"`
	LastNameAr     string                `json:"lastNameAr" validate:"notblank"`
	BirthDate      string                `json:"birthDate" validate:"birthdate"`
	BloodType      models.BloodType      `json:"bloodType" validate:"bloodtype"`
	ProfilePicture models.ProfilePicture `json:"profilePicture"`
	PublicKey      string                `json:"publicKey" validate:"notblank"`
}

// CredentialsRequest carries the fields of a credentials update
type CredentialsRequest struct {
	LicenseNumber  string   `json:"licenseNumber" validate:"notblank"`
	Specialization string   `json:"specialization" validate:"notblank"`
	FacilityRef    string   `json:"facilityRef"`
	ExpiresAt      int64    `json:"expiresAt"`
	Certifications []string `json:"certifications"`
}

type bootstrap struct {
	Registrar     string `json:"registrar"`
	InitializedBy string `json:"initializedBy"`
	InitializedAt int64  `json:"initializedAt"`
}

// Registry is the identity registry bound to one transaction
type Registry struct {
	tx *ledger.Tx
}

// New returns the registry for tx
func New(tx *ledger.Tx) *Registry {
	return &Registry{tx: tx}
}

// Resolve loads the identity and role memberships of account
func (r *Registry) Resolve(account string) (*Principal, error) {
	p := &Principal{Account: account}
	if account == "" {
		return p, nil
	}
	ident, err := r.IdentityOf(account)
	switch {
	case err == nil:
		p.Identity = ident
	case apperr.KindOf(err) != apperr.NotFound:
		return nil, err
	}
	if p.Registrar, err = r.HasRole(account, models.RoleRegistrar); err != nil {
		return nil, err
	}
	if p.Auditor, err = r.HasRole(account, models.RoleAuditor); err != nil {
		return nil, err
	}
	return p, nil
}

// HasRole reports whether account holds role
func (r *Registry) HasRole(account string, role models.Role) (bool, error) {
	return r.tx.Exists(utils.PrefixRole, string(role), account)
}

// InitLedger marks registrar (or the caller when empty) as the first
// registrar and auditor. It runs once per ledger.
func (r *Registry) InitLedger(caller, registrar string) error {
	if caller == "" {
		return apperr.New(apperr.InvalidInput, "caller is required")
	}
	if registrar == "" {
		registrar = caller
	}
	done, err := r.tx.Exists(utils.PrefixBootstrap)
	if err != nil {
		return err
	}
	if done {
		return apperr.New(apperr.AlreadyTerminal, "ledger already initialized")
	}

	b := &bootstrap{Registrar: registrar, InitializedBy: caller, InitializedAt: r.tx.Now()}
	if err := r.tx.Put(b, utils.PrefixBootstrap); err != nil {
		return err
	}
	if err := r.tx.Index(utils.PrefixRole, string(models.RoleRegistrar), registrar); err != nil {
		return err
	}
	if err := r.tx.Index(utils.PrefixRole, string(models.RoleAuditor), registrar); err != nil {
		return err
	}
	return r.tx.Emit(ledger.Event(models.EventLedgerInitialized, caller, registrar))
}

// Register creates an identity for owner. Registrars create Active
// identities for any owner; other callers may only register themselves as
// a non-government entity, and start Pending.
func (r *Registry) Register(caller, owner string, entityType models.EntityType, personalDataRef, publicKey string) (uint64, error) {
	owner = utils.SanitizeString(owner)
	if owner == "" {
		return 0, apperr.New(apperr.InvalidInput, "owner is required")
	}
	if !entityType.Valid() {
		return 0, apperr.New(apperr.InvalidInput, "unknown entity type %q", entityType)
	}
	if err := utils.RequireNonBlank("personalDataRef", personalDataRef, "publicKey", publicKey); err != nil {
		return 0, err
	}

	p, err := r.Resolve(caller)
	if err != nil {
		return 0, err
	}
	status := models.IdentityActive
	if !p.Registrar {
		if owner != caller || entityType == models.EntityGovernment {
			return 0, apperr.New(apperr.Unauthorized, "only registrars may register %s identities for other accounts", entityType)
		}
		status = models.IdentityPending
	}
	if err := r.requireUnregistered(owner); err != nil {
		return 0, err
	}

	ident, err := r.create(caller, owner, entityType, status, personalDataRef, publicKey)
	if err != nil {
		return 0, err
	}
	if entityType == models.EntityGovernment {
		if err := r.tx.Index(utils.PrefixRole, string(models.RoleRegistrar), owner); err != nil {
			return 0, err
		}
	}

	var patients []uint64
	if entityType == models.EntityPatient {
		patients = []uint64{ident.ID}
	}
	event := ledger.Event(models.EventEntityRegistered, caller, idString(ident.ID), patients...).
		With("owner", owner).
		With("entityType", string(entityType)).
		With("status", string(status))
	if err := r.tx.Emit(event); err != nil {
		return 0, err
	}
	return ident.ID, nil
}

// RegisterPatientPassport creates an Active patient identity together with
// its passport. The caller must be a registrar or the owner.
func (r *Registry) RegisterPatientPassport(caller string, req *PassportRequest) (uint64, error) {
	req.Owner = utils.SanitizeString(req.Owner)
	if err := utils.ValidateStruct(req); err != nil {
		return 0, err
	}
	p, err := r.Resolve(caller)
	if err != nil {
		return 0, err
	}
	if err := Authorize(p, "register a passport for "+req.Owner, Registrar, Account(req.Owner)); err != nil {
		return 0, err
	}
	if err := r.requireUnregistered(req.Owner); err != nil {
		return 0, err
	}
	taken, err := r.tx.Exists(utils.PrefixExternalID, req.ExternalID)
	if err != nil {
		return 0, err
	}
	if taken {
		return 0, apperr.New(apperr.DuplicateExternalID, "external id %s already registered", req.ExternalID)
	}

	ident, err := r.create(caller, req.Owner, models.EntityPatient, models.IdentityActive, "", req.PublicKey)
	if err != nil {
		return 0, err
	}
	passport := &models.Passport{
		IdentityID:     ident.ID,
		ExternalID:     req.ExternalID,
		FirstName:      req.FirstName,
		LastName:       req.LastName,
		FirstNameAr:    req.FirstNameAr,
		LastNameAr:     req.LastNameAr,
		BirthDate:      req.BirthDate,
		BloodType:      req.BloodType,
		ProfilePicture: req.ProfilePicture,
		CreatedAt:      r.tx.Now(),
	}
	if err := r.tx.Put(passport, utils.PrefixPassport, utils.PadID(ident.ID)); err != nil {
		return 0, err
	}
	if err := r.tx.Put(ident.ID, utils.PrefixExternalID, req.ExternalID); err != nil {
		return 0, err
	}

	event := ledger.Event(models.EventPassportRegistered, caller, idString(ident.ID), ident.ID).
		With("owner", req.Owner)
	if err := r.tx.Emit(event); err != nil {
		return 0, err
	}
	return ident.ID, nil
}

func (r *Registry) requireUnregistered(owner string) error {
	exists, err := r.tx.Exists(utils.PrefixOwner, owner)
	if err != nil {
		return err
	}
	if exists {
		return apperr.New(apperr.DuplicateIdentity, "account %s already has an identity", owner)
	}
	return nil
}

func (r *Registry) create(caller, owner string, entityType models.EntityType, status models.IdentityStatus, personalDataRef, publicKey string) (*models.Identity, error) {
	id, err := r.tx.NextID(utils.CounterIdentity)
	if err != nil {
		return nil, err
	}
	ident := &models.Identity{
		ID:              id,
		Owner:           owner,
		EntityType:      entityType,
		Status:          status,
		PersonalDataRef: personalDataRef,
		PublicKey:       publicKey,
		RegisteredAt:    r.tx.Now(),
		UpdatedAt:       r.tx.Now(),
		RegisteredBy:    caller,
	}
	if err := r.tx.Put(ident, utils.PrefixIdentity, utils.PadID(id)); err != nil {
		return nil, err
	}
	if err := r.tx.Put(id, utils.PrefixOwner, owner); err != nil {
		return nil, err
	}
	if err := r.tx.Index(utils.PrefixRole, string(entityType.Role()), owner); err != nil {
		return nil, err
	}
	return ident, nil
}

// Get returns the identity with the given id
func (r *Registry) Get(id uint64) (*models.Identity, error) {
	var ident models.Identity
	found, err := r.tx.Get(&ident, utils.PrefixIdentity, utils.PadID(id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperr.New(apperr.NotFound, "identity %d not found", id)
	}
	return &ident, nil
}

// IdentityOf returns the identity owned by account
func (r *Registry) IdentityOf(account string) (*models.Identity, error) {
	var id uint64
	found, err := r.tx.Get(&id, utils.PrefixOwner, account)
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperr.New(apperr.NotFound, "no identity for account %s", account)
	}
	return r.Get(id)
}

// Verify reports whether identity id is Active, with its type and owner
func (r *Registry) Verify(id uint64) (*models.Verification, error) {
	ident, err := r.Get(id)
	if err != nil {
		return nil, err
	}
	return &models.Verification{
		Valid:      ident.IsActive(),
		EntityType: ident.EntityType,
		Owner:      ident.Owner,
	}, nil
}

// UpdateStatus moves identity id to status. Any transition is allowed and
// role memberships are left untouched.
func (r *Registry) UpdateStatus(caller string, id uint64, status models.IdentityStatus) error {
	if !status.Valid() {
		return apperr.New(apperr.InvalidInput, "unknown identity status %q", status)
	}
	p, err := r.Resolve(caller)
	if err != nil {
		return err
	}
	if err := Authorize(p, "change identity status", Registrar); err != nil {
		return err
	}
	ident, err := r.Get(id)
	if err != nil {
		return err
	}

	previous := ident.Status
	ident.Status = status
	ident.UpdatedAt = r.tx.Now()
	if err := r.tx.Put(ident, utils.PrefixIdentity, utils.PadID(id)); err != nil {
		return err
	}

	var patients []uint64
	if ident.EntityType == models.EntityPatient {
		patients = []uint64{id}
	}
	event := ledger.Event(models.EventIdentityStatusChanged, caller, idString(id), patients...).
		With("from", string(previous)).
		With("to", string(status))
	return r.tx.Emit(event)
}

// UpdateCredentials replaces the provider credentials of identity id and
// marks them verified by the caller.
func (r *Registry) UpdateCredentials(caller string, id uint64, req *CredentialsRequest) error {
	p, err := r.Resolve(caller)
	if err != nil {
		return err
	}
	if err := Authorize(p, "update provider credentials", Registrar); err != nil {
		return err
	}
	ident, err := r.Get(id)
	if err != nil {
		return err
	}
	if !ident.EntityType.IsProvider() {
		return apperr.New(apperr.NotAProvider, "identity %d is a %s", id, ident.EntityType)
	}
	if err := utils.ValidateStruct(req); err != nil {
		return err
	}
	if req.ExpiresAt <= r.tx.Now() {
		return apperr.New(apperr.InvalidExpiry, "license expiry %d is not in the future", req.ExpiresAt)
	}

	certs := req.Certifications
	if certs == nil {
		certs = []string{}
	}
	creds := &models.ProviderCredentials{
		IdentityID:     id,
		LicenseNumber:  req.LicenseNumber,
		Specialization: req.Specialization,
		FacilityRef:    req.FacilityRef,
		ExpiresAt:      req.ExpiresAt,
		Certifications: certs,
		Verified:       true,
		VerifiedBy:     caller,
		UpdatedAt:      r.tx.Now(),
	}
	if err := r.tx.Put(creds, utils.PrefixCredentials, utils.PadID(id)); err != nil {
		return err
	}
	event := ledger.Event(models.EventCredentialsUpdated, caller, idString(id)).
		With("licenseNumber", req.LicenseNumber).
		With("expiresAt", strconv.FormatInt(req.ExpiresAt, 10))
	return r.tx.Emit(event)
}

// Credentials returns the provider credentials of identity id
func (r *Registry) Credentials(id uint64) (*models.ProviderCredentials, error) {
	var creds models.ProviderCredentials
	found, err := r.tx.Get(&creds, utils.PrefixCredentials, utils.PadID(id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperr.New(apperr.NotFound, "no credentials for identity %d", id)
	}
	if creds.Certifications == nil {
		creds.Certifications = []string{}
	}
	return &creds, nil
}

// IsLicenseValid reports whether identity id is Active and holds verified,
// unexpired credentials.
func (r *Registry) IsLicenseValid(id uint64) (bool, error) {
	ident, err := r.Get(id)
	if err != nil {
		return false, err
	}
	creds, err := r.Credentials(id)
	if apperr.KindOf(err) == apperr.NotFound {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return ident.IsActive() && creds.IsValid(r.tx.Now()), nil
}

// ResolveExternalID maps an external patient id to its identity id. Only
// registrars and the passport's owner may resolve it.
func (r *Registry) ResolveExternalID(caller, externalID string) (uint64, error) {
	p, err := r.Resolve(caller)
	if err != nil {
		return 0, err
	}
	var id uint64
	found, err := r.tx.Get(&id, utils.PrefixExternalID, externalID)
	if err != nil {
		return 0, err
	}
	if p.Registrar {
		if !found {
			return 0, apperr.New(apperr.NotFound, "external id %s not registered", externalID)
		}
		return id, nil
	}
	if !found || !p.Owns(id) {
		return 0, apperr.New(apperr.Unauthorized, "only registrars and the owner may resolve external ids")
	}
	return id, nil
}

// Passport returns the passport of patient id to the patient, a registrar,
// or an Active provider holding PatientCore access.
func (r *Registry) Passport(caller string, id uint64, gate AccessGate) (*models.Passport, error) {
	p, err := r.Resolve(caller)
	if err != nil {
		return nil, err
	}
	var passport models.Passport
	found, err := r.tx.Get(&passport, utils.PrefixPassport, utils.PadID(id))
	if err != nil {
		return nil, err
	}
	if !found {
		return nil, apperr.New(apperr.NotFound, "no passport for identity %d", id)
	}
	if p.Registrar || p.Owns(id) {
		return &passport, nil
	}
	if err := Authorize(p, "read patient passports", (*Principal).IsActiveProvider); err != nil {
		return nil, err
	}
	decision, err := gate.Check(id, p.ID(), models.ScopePatientCore)
	if err != nil {
		return nil, err
	}
	if !decision.HasAccess {
		return nil, apperr.New(apperr.AccessDenied, "no patient core consent from patient %d", id)
	}
	return &passport, nil
}

// AssignAuditor grants the auditor role to account
func (r *Registry) AssignAuditor(caller, account string) error {
	return r.setRole(caller, account, models.RoleAuditor, true)
}

// RemoveAuditor withdraws the auditor role from account
func (r *Registry) RemoveAuditor(caller, account string) error {
	return r.setRole(caller, account, models.RoleAuditor, false)
}

func (r *Registry) setRole(caller, account string, role models.Role, assign bool) error {
	if account == "" {
		return apperr.New(apperr.InvalidInput, "account is required")
	}
	p, err := r.Resolve(caller)
	if err != nil {
		return err
	}
	if err := Authorize(p, "manage the "+string(role)+" role", Registrar); err != nil {
		return err
	}
	has, err := r.HasRole(account, role)
	if err != nil {
		return err
	}
	switch {
	case assign && has:
		return apperr.New(apperr.InvalidInput, "%s already holds role %s", account, role)
	case !assign && !has:
		return apperr.New(apperr.NotFound, "%s does not hold role %s", account, role)
	}
	if assign {
		err = r.tx.Index(utils.PrefixRole, string(role), account)
	} else {
		err = r.tx.Delete(utils.PrefixRole, string(role), account)
	}
	if err != nil {
		return err
	}
	event := ledger.Event(models.EventRoleChanged, caller, account).
		With("role", string(role)).
		With("assigned", strconv.FormatBool(assign))
	return r.tx.Emit(event)
}

func idString(id uint64) string {
	return strconv.FormatUint(id, 10)
}
