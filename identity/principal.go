package identity

import (
	"strings"

	"github.com/haven-health-passport/careledger/apperr"
	"github.com/haven-health-passport/careledger/models"
)

// Principal is a caller account resolved against the registry. Identity is
// nil when the account never registered.
type Principal struct {
	Account   string
	Identity  *models.Identity
	Registrar bool
	Auditor   bool
}

// ID returns the caller's identity id, or 0 when unregistered
func (p *Principal) ID() uint64 {
	if p.Identity == nil {
		return 0
	}
	return p.Identity.ID
}

// Is reports whether the caller holds an Active identity of one of types
func (p *Principal) Is(types ...models.EntityType) bool {
	return p.Identity != nil && p.Identity.Is(types...)
}

// Owns reports whether id is the caller's own identity
func (p *Principal) Owns(id uint64) bool {
	return p.Identity != nil && p.Identity.ID == id
}

// IsActiveProvider reports whether the caller holds an Active non-patient identity
func (p *Principal) IsActiveProvider() bool {
	return p.Identity != nil && p.Identity.IsActive() && p.Identity.EntityType.IsProvider()
}

// Rule is one way a principal may satisfy an authorization requirement
type Rule func(p *Principal) bool

// Registrar admits registrars
func Registrar(p *Principal) bool { return p.Registrar }

// Auditor admits auditors
func Auditor(p *Principal) bool { return p.Auditor }

// Self admits the owner of identity id
func Self(id uint64) Rule {
	return func(p *Principal) bool { return p.Owns(id) }
}

// Account admits the given account
func Account(account string) Rule {
	return func(p *Principal) bool { return p.Account == account }
}

// ActiveAs admits callers holding an Active identity of one of types
func ActiveAs(types ...models.EntityType) Rule {
	return func(p *Principal) bool { return p.Is(types...) }
}

// Authorize returns nil when any rule admits p, and Unauthorized naming
// the attempted action otherwise.
func Authorize(p *Principal, action string, rules ...Rule) error {
	for _, rule := range rules {
		if rule(p) {
			return nil
		}
	}
	return apperr.New(apperr.Unauthorized, "%s may not %s", describe(p), action)
}

func describe(p *Principal) string {
	if p.Identity == nil {
		return "unregistered account " + p.Account
	}
	return strings.ToLower(string(p.Identity.Status)) + " " +
		strings.ToLower(string(p.Identity.EntityType)) + " " + p.Account
}
