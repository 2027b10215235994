// Package testworld seeds a ledger with a registrar, patients, doctors and
// pharmacies for engine tests.
package testworld

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haven-health-passport/careledger/consent"
	"github.com/haven-health-passport/careledger/identity"
	"github.com/haven-health-passport/careledger/ledger"
	"github.com/haven-health-passport/careledger/ledger/ledgertest"
	"github.com/haven-health-passport/careledger/models"
	"github.com/haven-health-passport/careledger/prescriptions"
	"github.com/haven-health-passport/careledger/records"
)

// Accounts of the seeded identities
const (
	Registrar = "registrar"
	Patient1  = "p1"
	Patient2  = "p2"
	Doctor1   = "d1"
	Doctor2   = "d2"
	Pharmacy1 = "ph1"
	Pharmacy2 = "ph2"
	Clinic1   = "c1"
)

// Services are the engines bound to one transaction
type Services struct {
	Tx            *ledger.Tx
	Registry      *identity.Registry
	Consent       *consent.Engine
	Records       *records.Store
	Prescriptions *prescriptions.Engine
}

// World is a seeded ledger
type World struct {
	*ledgertest.Harness
	t testing.TB

	P1, P2   uint64
	D1, D2   uint64
	Ph1, Ph2 uint64
	C1       uint64
}

// New bootstraps the ledger and registers P1 (passport DZ-213-000001, O+),
// P2, doctors D1 and D2, pharmacies Ph1 and Ph2 and clinic C1.
func New(t testing.TB) *World {
	w := &World{Harness: ledgertest.New(t), t: t}

	w.Must(func(s *Services) error { return s.Registry.InitLedger(Registrar, "") })
	w.P1 = w.passport(Patient1, "DZ-213-000001", models.BloodOPos)
	w.P2 = w.passport(Patient2, "DZ-213-000002", models.BloodANeg)
	w.D1 = w.Register(Doctor1, models.EntityDoctor)
	w.D2 = w.Register(Doctor2, models.EntityDoctor)
	w.Ph1 = w.Register(Pharmacy1, models.EntityPharmacy)
	w.Ph2 = w.Register(Pharmacy2, models.EntityPharmacy)
	w.C1 = w.Register(Clinic1, models.EntityClinic)
	return w
}

// Do runs fn as one transaction with every engine
func (w *World) Do(fn func(s *Services) error) error {
	return w.Run(func(st ledger.State) error {
		tx, err := ledger.Begin(st)
		if err != nil {
			return err
		}
		reg := identity.New(tx)
		ce := consent.New(tx, reg)
		return fn(&Services{
			Tx:            tx,
			Registry:      reg,
			Consent:       ce,
			Records:       records.New(tx, reg, ce),
			Prescriptions: prescriptions.New(tx, reg, ce),
		})
	})
}

// Must runs fn as one transaction and fails the test on error
func (w *World) Must(fn func(s *Services) error) {
	w.t.Helper()
	require.NoError(w.t, w.Do(fn))
}

// Register registers an Active identity through the registrar
func (w *World) Register(owner string, entityType models.EntityType) uint64 {
	w.t.Helper()
	var id uint64
	w.Must(func(s *Services) (err error) {
		id, err = s.Registry.Register(Registrar, owner, entityType, "ipfs://"+owner, "pk-"+owner)
		return err
	})
	return id
}

// Grant grants consent from a patient account and returns its id
func (w *World) Grant(patient string, req *consent.GrantRequest) string {
	w.t.Helper()
	var id string
	w.Must(func(s *Services) (err error) {
		id, err = s.Consent.Grant(patient, req)
		return err
	})
	return id
}

func (w *World) passport(owner, externalID string, blood models.BloodType) uint64 {
	w.t.Helper()
	var id uint64
	w.Must(func(s *Services) (err error) {
		id, err = s.Registry.RegisterPatientPassport(Registrar, &identity.PassportRequest{
			Owner:       owner,
			ExternalID:  externalID,
			FirstName:   "Yacine",
			LastName:    "Haddad",
			FirstNameAr: "ياسين",
			LastNameAr:  "حداد",
			BirthDate:   "1985-11-23",
			BloodType:   blood,
			PublicKey:   "pk-" + owner,
		})
		return err
	})
	return id
}
