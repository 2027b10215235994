package contracts_test

import (
	"context"
	"encoding/json"
	"strconv"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-health-passport/careledger/apperr"
	"github.com/haven-health-passport/careledger/contracts"
	"github.com/haven-health-passport/careledger/devnet"
	"github.com/haven-health-passport/careledger/ledger/ledgertest"
	"github.com/haven-health-passport/careledger/models"
)

type network struct {
	t       *testing.T
	net     *devnet.Network
	journal *devnet.Journal
	now     time.Time
	blocks  uint64
}

func newNetwork(t *testing.T, opts contracts.Options) *network {
	cc, err := contracts.NewChaincode(opts)
	require.NoError(t, err)
	j, err := devnet.OpenJournal("")
	require.NoError(t, err)

	n := &network{t: t, journal: j, now: time.Unix(ledgertest.Epoch, 0)}
	n.net = devnet.New(j, cc, devnet.WithClock(func() time.Time { return n.now }))
	t.Cleanup(func() {
		n.net.Close()
		j.Close()
	})
	return n
}

func (n *network) creator(msp, name string) *devnet.Creator {
	c, err := devnet.NewCreator(msp, name)
	require.NoError(n.t, err)
	return c
}

func (n *network) submit(as *devnet.Creator, fn string, args ...string) (string, error) {
	res, err := n.net.Submit(context.Background(), &devnet.Invocation{Function: fn, Args: args, Creator: as})
	if err != nil {
		return "", err
	}
	n.blocks++
	return string(res.Payload), nil
}

func (n *network) must(as *devnet.Creator, fn string, args ...string) string {
	out, err := n.submit(as, fn, args...)
	require.NoError(n.t, err, fn)
	return out
}

func (n *network) evaluate(as *devnet.Creator, fn string, v interface{}, args ...string) {
	res, err := n.net.Evaluate(context.Background(), &devnet.Invocation{Function: fn, Args: args, Creator: as})
	require.NoError(n.t, err, fn)
	require.NoError(n.t, json.Unmarshal(res.Payload, v), fn)
}

func (n *network) rejected(kind apperr.Kind, as *devnet.Creator, fn string, args ...string) {
	_, err := n.submit(as, fn, args...)
	var rej *devnet.Rejection
	require.ErrorAs(n.t, err, &rej, fn)
	assert.Equal(n.t, kind, apperr.Parse(rej.Message), rej.Message)
}

func (n *network) advanceDays(days int) {
	n.now = n.now.Add(time.Duration(int64(days)*ledgertest.Day) * time.Second)
}

func day(n *network, days int) string {
	return strconv.FormatInt(n.now.Unix()+int64(days)*ledgertest.Day, 10)
}

func id(t *testing.T, s string) string {
	_, err := strconv.ParseUint(s, 10, 64)
	require.NoError(t, err, "expected an id, got %q", s)
	return s
}

func passportJSON(t *testing.T, owner, externalID string) string {
	data, err := json.Marshal(map[string]interface{}{
		"owner":       owner,
		"externalId":  externalID,
		"firstName":   "Amina",
		"lastName":    "Haddad",
		"firstNameAr": "أمينة",
		"lastNameAr":  "حداد",
		"birthDate":   "1990-04-12",
		"bloodType":   "O+",
		"publicKey":   "pk-patient",
	})
	require.NoError(t, err)
	return string(data)
}

func TestClinicalJourney(t *testing.T) {
	n := newNetwork(t, contracts.Options{Logger: zerolog.Nop()})
	registrar := n.creator("Org1MSP", "registrar")
	patient := n.creator("Org1MSP", "amina")
	doctor := n.creator("Org1MSP", "dr-salem")
	pharmacy := n.creator("Org1MSP", "pharmacy-central")

	n.must(registrar, "identity:InitLedger", "")
	n.rejected(apperr.AlreadyTerminal, registrar, "identity:InitLedger", "")

	d := id(t, n.must(registrar, "identity:Register", doctor.Account, "DOCTOR", "ref-doctor", "pk-doctor"))
	ph := id(t, n.must(registrar, "identity:Register", pharmacy.Account, "PHARMACY", "ref-pharmacy", "pk-pharmacy"))
	p := id(t, n.must(patient, "identity:RegisterPatientPassport", passportJSON(t, patient.Account, "DZ-213-000001")))
	n.rejected(apperr.DuplicateExternalID, registrar, "identity:RegisterPatientPassport",
		passportJSON(t, n.creator("Org1MSP", "other").Account, "DZ-213-000001"))

	var me models.Identity
	n.evaluate(patient, "identity:Whoami", &me)
	assert.Equal(t, p, strconv.FormatUint(me.ID, 10))
	assert.Equal(t, models.EntityPatient, me.EntityType)

	n.must(registrar, "identity:UpdateCredentials", d, "LIC-1", "General Practice", "", day(n, 365), `["ACLS"]`)
	var valid bool
	n.evaluate(doctor, "identity:IsLicenseValid", &valid, d)
	assert.True(t, valid)

	// no consent yet
	n.rejected(apperr.AccessDenied, doctor, "records:CreateRecord", p, "CONSULTATION", "ipfs://visit-1", "Visit", "")

	consentID := n.must(patient, "consent:GrantConsent", p, d, "CLINICAL_NOTES", day(n, 30), "treatment", "false")
	assert.Len(t, consentID, 32)

	var decision models.AccessDecision
	n.evaluate(doctor, "consent:CheckAccess", &decision, p, d, "CLINICAL_NOTES")
	assert.True(t, decision.HasAccess)
	assert.Equal(t, consentID, decision.ConsentID)

	rec := id(t, n.must(doctor, "records:CreateRecord", p, "CONSULTATION", "ipfs://visit-1", "Visit", "first visit"))
	n.must(doctor, "records:UpdateRecord", rec, "ipfs://visit-1b", "Visit", "amended")

	var revisions []models.RecordRevision
	n.evaluate(patient, "records:GetRecordRevisions", &revisions, rec)
	require.Len(t, revisions, 1)
	assert.Equal(t, "ipfs://visit-1", revisions[0].PayloadRef)

	// prescriptions
	n.must(patient, "consent:GrantConsent", p, d, "PRESCRIPTIONS", "0", "treatment", "false")
	meds := `[{"name":"Paracetamol","dosage":"500mg","frequency":"3x daily","quantity":10}]`
	rx := id(t, n.must(doctor, "prescriptions:IssuePrescription", p, meds, "fever", "", day(n, 14), "", "false", "0"))

	n.rejected(apperr.Unauthorized, doctor, "prescriptions:DispensePrescription", rx, "0", "6", "", "")
	n.must(patient, "prescriptions:GrantPharmacyAccess", rx, ph)

	var record models.DispensingRecord
	out := n.must(pharmacy, "prescriptions:DispensePrescription", rx, "0", "6", "", "")
	require.NoError(t, json.Unmarshal([]byte(out), &record))
	assert.Equal(t, uint64(6), record.Quantity)
	assert.Equal(t, "Paracetamol", record.MedicationDispensed)

	n.rejected(apperr.InsufficientRemainingQuantity, pharmacy, "prescriptions:DispensePrescription", rx, "0", "5", "", "")
	n.must(pharmacy, "prescriptions:DispensePrescription", rx, "0", "4", "", "")

	var prescription models.Prescription
	n.evaluate(patient, "prescriptions:GetPrescription", &prescription, rx)
	assert.Equal(t, models.RxDispensed, prescription.Status)
	assert.Equal(t, uint64(10), prescription.Medications[0].DispensedQuantity)

	// consent lapses after 30 days
	n.advanceDays(31)
	n.evaluate(doctor, "consent:CheckAccess", &decision, p, d, "CLINICAL_NOTES")
	assert.False(t, decision.HasAccess)
	n.rejected(apperr.AccessDenied, doctor, "records:CreateRecord", p, "CONSULTATION", "ipfs://visit-2", "Follow-up", "")

	swept := n.must(registrar, "consent:SweepExpiredConsents", `["`+consentID+`"]`)
	assert.Equal(t, `["`+consentID+`"]`, swept)

	var trail []models.Event
	n.evaluate(patient, "consent:GetAuditTrail", &trail, p)
	names := make([]string, 0, len(trail))
	for _, e := range trail {
		names = append(names, e.EventType)
	}
	assert.Contains(t, names, models.EventPassportRegistered)
	assert.Contains(t, names, models.EventRecordCreated)
	assert.Contains(t, names, models.EventPrescriptionDispensed)
	assert.Contains(t, names, models.EventConsentsExpired)

	count, err := n.journal.Verify()
	require.NoError(t, err)
	assert.Equal(t, n.blocks, count)
}

func TestRejectedTransactionsLeaveNoBlock(t *testing.T) {
	n := newNetwork(t, contracts.Options{Logger: zerolog.Nop()})
	registrar := n.creator("Org1MSP", "registrar")
	n.must(registrar, "identity:InitLedger", "")

	n.rejected(apperr.InvalidInput, registrar, "identity:Register", "someone", "ALIEN", "ref", "pk")
	n.rejected(apperr.InvalidInput, registrar, "identity:UpdateCredentials", "1", "LIC", "GP", "", "0", "not json")

	head, err := n.journal.Head()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), head.Number)
}

func TestUnregisteredCallerIsUnauthorized(t *testing.T) {
	n := newNetwork(t, contracts.Options{Logger: zerolog.Nop()})
	registrar := n.creator("Org1MSP", "registrar")
	stranger := n.creator("Org1MSP", "stranger")
	n.must(registrar, "identity:InitLedger", "")

	n.rejected(apperr.Unauthorized, stranger, "identity:AssignAuditor", stranger.Account)
	n.must(registrar, "identity:AssignAuditor", stranger.Account)
	n.rejected(apperr.InvalidInput, registrar, "identity:AssignAuditor", stranger.Account)
}

func TestAllowedMSPs(t *testing.T) {
	n := newNetwork(t, contracts.Options{Logger: zerolog.Nop(), AllowedMSPs: []string{"Org1MSP"}})
	outsider := n.creator("Org2MSP", "registrar")
	n.rejected(apperr.Unauthorized, outsider, "identity:InitLedger", "")

	insider := n.creator("Org1MSP", "registrar")
	n.must(insider, "identity:InitLedger", "")
}
