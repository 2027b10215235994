package contracts

import (
	"encoding/json"

	"github.com/hyperledger/fabric-contract-api-go/contractapi"

	"github.com/haven-health-passport/careledger/apperr"
	"github.com/haven-health-passport/careledger/identity"
	"github.com/haven-health-passport/careledger/models"
)

// IdentityContract manages identities, roles, provider credentials and
// patient passports
type IdentityContract struct {
	handler
}

// InitLedger bootstraps the ledger with its first registrar. An empty
// registrar makes the caller the registrar.
func (c *IdentityContract) InitLedger(ctx contractapi.TransactionContextInterface, registrar string) error {
	return c.run(ctx, "InitLedger", func(s *session) error {
		return s.registry.InitLedger(s.caller, registrar)
	})
}

// Register creates an identity for owner and returns its id
func (c *IdentityContract) Register(
	ctx contractapi.TransactionContextInterface,
	owner string,
	entityType string,
	personalDataRef string,
	publicKey string,
) (uint64, error) {
	var id uint64
	err := c.run(ctx, "Register", func(s *session) (err error) {
		id, err = s.registry.Register(s.caller, owner, models.EntityType(entityType), personalDataRef, publicKey)
		return err
	})
	return id, err
}

// RegisterPatientPassport creates a patient identity with its passport
func (c *IdentityContract) RegisterPatientPassport(
	ctx contractapi.TransactionContextInterface,
	passport string, // JSON passport request
) (uint64, error) {
	var id uint64
	err := c.run(ctx, "RegisterPatientPassport", func(s *session) error {
		var req identity.PassportRequest
		if err := json.Unmarshal([]byte(passport), &req); err != nil {
			return apperr.New(apperr.InvalidInput, "failed to parse passport: %v", err)
		}
		var err error
		id, err = s.registry.RegisterPatientPassport(s.caller, &req)
		return err
	})
	return id, err
}

// GetIdentity returns identity id
func (c *IdentityContract) GetIdentity(ctx contractapi.TransactionContextInterface, id uint64) (*models.Identity, error) {
	var ident *models.Identity
	err := c.run(ctx, "GetIdentity", func(s *session) (err error) {
		ident, err = s.registry.Get(id)
		return err
	})
	return ident, err
}

// GetIdentityOf returns the identity registered for account
func (c *IdentityContract) GetIdentityOf(ctx contractapi.TransactionContextInterface, account string) (*models.Identity, error) {
	var ident *models.Identity
	err := c.run(ctx, "GetIdentityOf", func(s *session) (err error) {
		ident, err = s.registry.IdentityOf(account)
		return err
	})
	return ident, err
}

// Whoami returns the caller's own identity
func (c *IdentityContract) Whoami(ctx contractapi.TransactionContextInterface) (*models.Identity, error) {
	var ident *models.Identity
	err := c.run(ctx, "Whoami", func(s *session) (err error) {
		ident, err = s.registry.IdentityOf(s.caller)
		return err
	})
	return ident, err
}

// VerifyIdentity reports whether identity id is active
func (c *IdentityContract) VerifyIdentity(ctx contractapi.TransactionContextInterface, id uint64) (*models.Verification, error) {
	var v *models.Verification
	err := c.run(ctx, "VerifyIdentity", func(s *session) (err error) {
		v, err = s.registry.Verify(id)
		return err
	})
	return v, err
}

// UpdateStatus changes the status of identity id
func (c *IdentityContract) UpdateStatus(ctx contractapi.TransactionContextInterface, id uint64, status string) error {
	return c.run(ctx, "UpdateStatus", func(s *session) error {
		return s.registry.UpdateStatus(s.caller, id, models.IdentityStatus(status))
	})
}

// UpdateCredentials records the license of provider id
func (c *IdentityContract) UpdateCredentials(
	ctx contractapi.TransactionContextInterface,
	id uint64,
	licenseNumber string,
	specialization string,
	facilityRef string,
	expiresAt int64,
	certifications string, // JSON array of certification names
) error {
	return c.run(ctx, "UpdateCredentials", func(s *session) error {
		req := &identity.CredentialsRequest{
			LicenseNumber:  licenseNumber,
			Specialization: specialization,
			FacilityRef:    facilityRef,
			ExpiresAt:      expiresAt,
		}
		if err := decodeList("certifications", certifications, &req.Certifications); err != nil {
			return err
		}
		return s.registry.UpdateCredentials(s.caller, id, req)
	})
}

// GetCredentials returns the credentials of provider id
func (c *IdentityContract) GetCredentials(ctx contractapi.TransactionContextInterface, id uint64) (*models.ProviderCredentials, error) {
	var creds *models.ProviderCredentials
	err := c.run(ctx, "GetCredentials", func(s *session) (err error) {
		creds, err = s.registry.Credentials(id)
		return err
	})
	return creds, err
}

// IsLicenseValid reports whether provider id holds an unexpired license
func (c *IdentityContract) IsLicenseValid(ctx contractapi.TransactionContextInterface, id uint64) (bool, error) {
	var valid bool
	err := c.run(ctx, "IsLicenseValid", func(s *session) (err error) {
		valid, err = s.registry.IsLicenseValid(id)
		return err
	})
	return valid, err
}

// ResolveExternalID maps a passport number to its identity id
func (c *IdentityContract) ResolveExternalID(ctx contractapi.TransactionContextInterface, externalID string) (uint64, error) {
	var id uint64
	err := c.run(ctx, "ResolveExternalID", func(s *session) (err error) {
		id, err = s.registry.ResolveExternalID(s.caller, externalID)
		return err
	})
	return id, err
}

// GetPassport returns the passport of patient id
func (c *IdentityContract) GetPassport(ctx contractapi.TransactionContextInterface, id uint64) (*models.Passport, error) {
	var passport *models.Passport
	err := c.run(ctx, "GetPassport", func(s *session) (err error) {
		passport, err = s.registry.Passport(s.caller, id, s.consent)
		return err
	})
	return passport, err
}

// AssignAuditor grants the auditor role to account
func (c *IdentityContract) AssignAuditor(ctx contractapi.TransactionContextInterface, account string) error {
	return c.run(ctx, "AssignAuditor", func(s *session) error {
		return s.registry.AssignAuditor(s.caller, account)
	})
}

// RemoveAuditor withdraws the auditor role from account
func (c *IdentityContract) RemoveAuditor(ctx contractapi.TransactionContextInterface, account string) error {
	return c.run(ctx, "RemoveAuditor", func(s *session) error {
		return s.registry.RemoveAuditor(s.caller, account)
	})
}
