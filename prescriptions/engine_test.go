package prescriptions_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-health-passport/careledger/apperr"
	"github.com/haven-health-passport/careledger/consent"
	"github.com/haven-health-passport/careledger/internal/testworld"
	"github.com/haven-health-passport/careledger/ledger/ledgertest"
	"github.com/haven-health-passport/careledger/models"
	"github.com/haven-health-passport/careledger/prescriptions"
	"github.com/haven-health-passport/careledger/utils"
)

func paracetamol(qty uint64) models.Medication {
	return models.Medication{
		Name:         "Paracetamol",
		Dosage:       "500mg",
		Frequency:    "every 6 hours",
		Quantity:     qty,
		Alternatives: []string{"Acetaminophen"},
	}
}

// setup grants D1 prescriptions consent and issues one prescription
func setup(t *testing.T, meds ...models.Medication) (*testworld.World, uint64) {
	w := testworld.New(t)
	w.Grant(testworld.Patient1, &consent.GrantRequest{
		PatientID: w.P1, GranteeID: w.D1, Scope: models.ScopePrescriptions,
		ValidTo: w.Now + 30*ledgertest.Day, Purpose: "headache",
	})
	if len(meds) == 0 {
		meds = []models.Medication{paracetamol(10)}
	}
	var id uint64
	w.Must(func(s *testworld.Services) (err error) {
		id, err = s.Prescriptions.Issue(testworld.Doctor1, &prescriptions.IssueRequest{
			PatientID:   w.P1,
			Medications: meds,
			Diagnosis:   "headache",
			ExpiresAt:   w.Now + 5*ledgertest.Day,
			MaxRefills:  1,
		})
		return err
	})
	return w, id
}

func dispense(w *testworld.World, caller string, rxID uint64, line int, qty uint64, med string) error {
	return w.Do(func(s *testworld.Services) error {
		_, err := s.Prescriptions.Dispense(caller, &prescriptions.DispenseRequest{
			PrescriptionID: rxID, LineIndex: line, Quantity: qty, ActualMedication: med,
		})
		return err
	})
}

func grantPharmacy(w *testworld.World, caller string, rxID, pharmacy uint64) {
	w.Must(func(s *testworld.Services) error {
		return s.Prescriptions.GrantPharmacyAccess(caller, rxID, pharmacy)
	})
}

func get(t *testing.T, w *testworld.World, rxID uint64) *models.Prescription {
	t.Helper()
	var rx *models.Prescription
	w.Must(func(s *testworld.Services) (err error) {
		rx, err = s.Prescriptions.Get(testworld.Patient1, rxID)
		return err
	})
	return rx
}

func TestIssueAndDispenseToCompletion(t *testing.T) {
	w, rx := setup(t)
	assert.Equal(t, models.EventPrescriptionIssued, w.LastEvent().EventType)
	assert.Equal(t, models.RxActive, get(t, w, rx).Status)
	assert.Equal(t, models.UrgencyNormal, get(t, w, rx).Urgency)

	grantPharmacy(w, testworld.Patient1, rx, w.Ph1)

	require.NoError(t, dispense(w, testworld.Pharmacy1, rx, 0, 6, ""))
	p := get(t, w, rx)
	assert.Equal(t, models.RxPartiallyDispensed, p.Status)
	assert.Equal(t, uint64(6), p.Medications[0].DispensedQuantity)
	assert.Equal(t, w.Now, p.LastDispensedAt)

	err := dispense(w, testworld.Pharmacy1, rx, 0, 5, "")
	assert.Equal(t, apperr.InsufficientRemainingQuantity, apperr.KindOf(err))
	assert.Equal(t, uint64(6), get(t, w, rx).Medications[0].DispensedQuantity, "failed dispense has no effect")

	require.NoError(t, dispense(w, testworld.Pharmacy1, rx, 0, 4, ""))
	p = get(t, w, rx)
	assert.Equal(t, models.RxDispensed, p.Status)
	assert.Equal(t, uint64(10), p.Medications[0].DispensedQuantity)
	assert.Equal(t, "PARTIALLY_DISPENSED", w.LastEvent().Detail("previousStatus"))

	err = dispense(w, testworld.Pharmacy1, rx, 0, 1, "")
	assert.Equal(t, apperr.AlreadyTerminal, apperr.KindOf(err))

	w.Must(func(s *testworld.Services) error {
		records, err := s.Prescriptions.Dispensings(testworld.Patient1, rx)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, uint64(1), records[0].Sequence)
		assert.Equal(t, uint64(6), records[0].Quantity)
		assert.Equal(t, "Paracetamol", records[0].MedicationDispensed)
		assert.Equal(t, w.Ph1, records[1].PharmacyID)
		assert.Equal(t, 1, records[1].Fill)
		return nil
	})
}

func TestInterleavedPharmaciesNeverOverrun(t *testing.T) {
	w, rx := setup(t, paracetamol(10), models.Medication{
		Name: "Ibuprofen", Dosage: "200mg", Frequency: "daily", Quantity: 3,
	})
	grantPharmacy(w, testworld.Patient1, rx, w.Ph1)
	grantPharmacy(w, testworld.Doctor1, rx, w.Ph2)

	steps := []struct {
		pharmacy string
		line     int
		qty      uint64
		ok       bool
	}{
		{testworld.Pharmacy1, 0, 4, true},
		{testworld.Pharmacy2, 0, 4, true},
		{testworld.Pharmacy1, 0, 3, false},
		{testworld.Pharmacy2, 1, 3, true},
		{testworld.Pharmacy1, 1, 1, false},
		{testworld.Pharmacy2, 0, 2, true},
		{testworld.Pharmacy1, 0, 1, false},
	}
	for i, step := range steps {
		err := dispense(w, step.pharmacy, rx, step.line, step.qty, "")
		if step.ok {
			require.NoError(t, err, "step %d", i)
		} else {
			require.Error(t, err, "step %d", i)
		}
		p := get(t, w, rx)
		for _, m := range p.Medications {
			assert.LessOrEqual(t, m.DispensedQuantity, m.Quantity)
		}
	}
	assert.Equal(t, models.RxDispensed, get(t, w, rx).Status)
}

func TestStatusIsReplayable(t *testing.T) {
	final := func() models.PrescriptionStatus {
		w, rx := setup(t, paracetamol(10), paracetamol(5))
		grantPharmacy(w, testworld.Patient1, rx, w.Ph1)
		require.NoError(t, dispense(w, testworld.Pharmacy1, rx, 0, 10, ""))
		require.NoError(t, dispense(w, testworld.Pharmacy1, rx, 1, 2, ""))
		return get(t, w, rx).Status
	}
	first := final()
	assert.Equal(t, models.RxPartiallyDispensed, first)
	assert.Equal(t, first, final())
}

func TestDispenseAccess(t *testing.T) {
	w, rx := setup(t)

	require.NoError(t, dispense(w, testworld.Pharmacy1, rx, 0, 1, ""), "active pharmacies dispense without a grant")

	err := dispense(w, testworld.Doctor1, rx, 0, 1, "")
	assert.Equal(t, apperr.Unauthorized, apperr.KindOf(err), "doctors do not dispense")

	grantPharmacy(w, testworld.Patient1, rx, w.Ph1)
	w.Must(func(s *testworld.Services) error {
		return s.Registry.UpdateStatus(testworld.Registrar, w.Ph1, models.IdentitySuspended)
	})
	err = dispense(w, testworld.Pharmacy1, rx, 0, 1, "")
	assert.Equal(t, apperr.Unauthorized, apperr.KindOf(err), "suspended pharmacy")

	w.Must(func(s *testworld.Services) error {
		return s.Registry.UpdateStatus(testworld.Registrar, w.Ph1, models.IdentityActive)
	})
	require.NoError(t, dispense(w, testworld.Pharmacy1, rx, 0, 1, ""))

	w.Must(func(s *testworld.Services) error {
		return s.Prescriptions.RevokePharmacyAccess(testworld.Patient1, rx, w.Ph1)
	})
	assert.Equal(t, models.EventPharmacyAccessRevoked, w.LastEvent().EventType)

	err = w.Do(func(s *testworld.Services) error {
		return s.Prescriptions.RevokePharmacyAccess(testworld.Patient1, rx, w.Ph1)
	})
	assert.Equal(t, apperr.NotActive, apperr.KindOf(err))
}

func TestDispenseWithoutPharmacyRoleNeedsGrant(t *testing.T) {
	w, rx := setup(t)
	w.Must(func(s *testworld.Services) error {
		return s.Tx.Delete(utils.PrefixRole, string(models.EntityPharmacy.Role()), testworld.Pharmacy2)
	})

	err := dispense(w, testworld.Pharmacy2, rx, 0, 1, "")
	assert.Equal(t, apperr.AccessDenied, apperr.KindOf(err))

	grantPharmacy(w, testworld.Doctor1, rx, w.Ph2)
	require.NoError(t, dispense(w, testworld.Pharmacy2, rx, 0, 1, ""))
	assert.Equal(t, uint64(1), get(t, w, rx).Medications[0].DispensedQuantity)
}

func TestPrescriptionReadAccess(t *testing.T) {
	w, rx := setup(t)
	read := func(caller string) error {
		return w.Do(func(s *testworld.Services) error {
			if _, err := s.Prescriptions.Get(caller, rx); err != nil {
				return err
			}
			_, err := s.Prescriptions.Dispensings(caller, rx)
			return err
		})
	}

	require.NoError(t, read(testworld.Patient1))
	require.NoError(t, read(testworld.Doctor1), "issuing doctor")

	assert.Equal(t, apperr.AccessDenied, apperr.KindOf(read(testworld.Doctor2)))
	assert.Equal(t, apperr.AccessDenied, apperr.KindOf(read(testworld.Pharmacy1)), "no grant")
	assert.Equal(t, apperr.Unauthorized, apperr.KindOf(read(testworld.Patient2)))
	assert.Equal(t, apperr.Unauthorized, apperr.KindOf(read("stranger")))

	grantPharmacy(w, testworld.Patient1, rx, w.Ph1)
	require.NoError(t, read(testworld.Pharmacy1))

	w.Grant(testworld.Patient1, &consent.GrantRequest{
		PatientID: w.P1, GranteeID: w.D2, Scope: models.ScopePrescriptions, Purpose: "second opinion",
	})
	require.NoError(t, read(testworld.Doctor2))

	err := w.Do(func(s *testworld.Services) error {
		_, err := s.Prescriptions.Verify(rx)
		return err
	})
	assert.NoError(t, err, "verification stays open to any client")
}

func TestDispenseValidation(t *testing.T) {
	w, rx := setup(t)
	grantPharmacy(w, testworld.Patient1, rx, w.Ph1)

	tests := []struct {
		name string
		line int
		qty  uint64
		med  string
		want apperr.Kind
	}{
		{"zero quantity", 0, 0, "", apperr.InvalidInput},
		{"missing line", 1, 1, "", apperr.InvalidInput},
		{"negative line", -1, 1, "", apperr.InvalidInput},
		{"overrun", 0, 11, "", apperr.InsufficientRemainingQuantity},
		{"generic not allowed", 0, 1, "Panadol", apperr.InvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, apperr.KindOf(dispense(w, testworld.Pharmacy1, rx, tt.line, tt.qty, tt.med)))
		})
	}

	require.NoError(t, dispense(w, testworld.Pharmacy1, rx, 0, 1, "Acetaminophen"))
	assert.Equal(t, "Acetaminophen", w.LastEvent().Detail("medication"))

	err := dispense(w, testworld.Pharmacy1, 99, 0, 1, "")
	assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
}

func TestExpiry(t *testing.T) {
	w, rx := setup(t)
	grantPharmacy(w, testworld.Patient1, rx, w.Ph1)
	require.NoError(t, dispense(w, testworld.Pharmacy1, rx, 0, 2, ""))

	w.AdvanceDays(5)
	err := dispense(w, testworld.Pharmacy1, rx, 0, 1, "")
	assert.Equal(t, apperr.Expired, apperr.KindOf(err))

	w.Must(func(s *testworld.Services) error {
		v, err := s.Prescriptions.Verify(rx)
		require.NoError(t, err)
		assert.False(t, v.Valid)
		assert.Equal(t, models.RxExpired, v.Prescription.Status, "derived on read")
		return nil
	})

	var marked bool
	w.Must(func(s *testworld.Services) (err error) {
		marked, err = s.Prescriptions.MarkExpired("anyone", rx)
		return err
	})
	assert.True(t, marked)
	ev := w.LastEvent()
	assert.Equal(t, models.EventPrescriptionStatusChanged, ev.EventType)
	assert.Equal(t, "PARTIALLY_DISPENSED", ev.Detail("from"))

	w.Must(func(s *testworld.Services) (err error) {
		marked, err = s.Prescriptions.MarkExpired("anyone", rx)
		return err
	})
	assert.False(t, marked)

	err = w.Do(func(s *testworld.Services) error {
		return s.Prescriptions.Cancel(testworld.Doctor1, rx, "too late")
	})
	assert.Equal(t, apperr.AlreadyTerminal, apperr.KindOf(err))
}

func TestMarkExpiredLeavesLivePrescriptions(t *testing.T) {
	w, rx := setup(t)
	w.Must(func(s *testworld.Services) error {
		marked, err := s.Prescriptions.MarkExpired("anyone", rx)
		require.NoError(t, err)
		assert.False(t, marked)
		return nil
	})
	assert.Equal(t, models.RxActive, get(t, w, rx).Status)
}

func TestCancel(t *testing.T) {
	w, rx := setup(t)

	err := w.Do(func(s *testworld.Services) error { return s.Prescriptions.Cancel(testworld.Doctor1, rx, "") })
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))

	err = w.Do(func(s *testworld.Services) error { return s.Prescriptions.Cancel(testworld.Patient1, rx, "no") })
	assert.Equal(t, apperr.Unauthorized, apperr.KindOf(err), "only the issuing doctor cancels")

	w.Must(func(s *testworld.Services) error { return s.Prescriptions.Cancel(testworld.Doctor1, rx, "allergy") })
	p := get(t, w, rx)
	assert.Equal(t, models.RxCancelled, p.Status)
	assert.Equal(t, "allergy", p.CancellationReason)
	assert.Equal(t, testworld.Doctor1, p.CancelledBy)

	err = w.Do(func(s *testworld.Services) error { return s.Prescriptions.Cancel(testworld.Doctor1, rx, "again") })
	assert.Equal(t, apperr.AlreadyTerminal, apperr.KindOf(err))

	grantPharmacy(w, testworld.Patient1, rx, w.Ph1)
	assert.Equal(t, apperr.AlreadyTerminal, apperr.KindOf(dispense(w, testworld.Pharmacy1, rx, 0, 1, "")))

	w.AdvanceDays(10)
	p = get(t, w, rx)
	assert.Equal(t, models.RxExpired, p.Status, "expiry overrides cancellation")
	assert.Equal(t, "allergy", p.CancellationReason)
}

func TestRefill(t *testing.T) {
	w, rx := setup(t)
	grantPharmacy(w, testworld.Patient1, rx, w.Ph1)

	refill := func(caller string) error {
		return w.Do(func(s *testworld.Services) error { return s.Prescriptions.Refill(caller, rx) })
	}
	assert.Equal(t, apperr.NotActive, apperr.KindOf(refill(testworld.Patient1)), "nothing dispensed yet")

	require.NoError(t, dispense(w, testworld.Pharmacy1, rx, 0, 10, ""))
	assert.Equal(t, apperr.Unauthorized, apperr.KindOf(refill(testworld.Pharmacy1)))
	require.NoError(t, refill(testworld.Patient1))
	assert.Equal(t, "2", w.LastEvent().Detail("fill"))

	p := get(t, w, rx)
	assert.Equal(t, models.RxActive, p.Status)
	assert.Equal(t, 1, p.RefillsUsed)
	assert.Zero(t, p.Medications[0].DispensedQuantity)

	require.NoError(t, dispense(w, testworld.Pharmacy1, rx, 0, 10, ""))
	assert.Equal(t, apperr.AlreadyTerminal, apperr.KindOf(refill(testworld.Doctor1)), "refills exhausted")

	w.Must(func(s *testworld.Services) error {
		records, err := s.Prescriptions.Dispensings(testworld.Patient1, rx)
		require.NoError(t, err)
		require.Len(t, records, 2)
		assert.Equal(t, 1, records[0].Fill)
		assert.Equal(t, 2, records[1].Fill)
		return nil
	})

	w.AdvanceDays(5)
	assert.Equal(t, apperr.Expired, apperr.KindOf(refill(testworld.Doctor1)))
}

func TestIssueValidation(t *testing.T) {
	w := testworld.New(t)
	w.Grant(testworld.Patient1, &consent.GrantRequest{
		PatientID: w.P1, GranteeID: w.D1, Scope: models.ScopeFullAccess, Purpose: "gp",
	})
	valid := func() *prescriptions.IssueRequest {
		return &prescriptions.IssueRequest{
			PatientID:   w.P1,
			Medications: []models.Medication{paracetamol(10)},
			Diagnosis:   "fever",
			ExpiresAt:   w.Now + ledgertest.Day,
		}
	}

	tests := []struct {
		name   string
		caller string
		mutate func(r *prescriptions.IssueRequest)
		want   apperr.Kind
	}{
		{"no medications", testworld.Doctor1, func(r *prescriptions.IssueRequest) { r.Medications = nil }, apperr.InvalidInput},
		{"zero quantity", testworld.Doctor1, func(r *prescriptions.IssueRequest) { r.Medications[0].Quantity = 0 }, apperr.InvalidInput},
		{"blank dosage", testworld.Doctor1, func(r *prescriptions.IssueRequest) { r.Medications[0].Dosage = " " }, apperr.InvalidInput},
		{"blank diagnosis", testworld.Doctor1, func(r *prescriptions.IssueRequest) { r.Diagnosis = "" }, apperr.InvalidInput},
		{"past expiry", testworld.Doctor1, func(r *prescriptions.IssueRequest) { r.ExpiresAt = w.Now }, apperr.InvalidExpiry},
		{"unknown urgency", testworld.Doctor1, func(r *prescriptions.IssueRequest) { r.Urgency = "WHENEVER" }, apperr.InvalidInput},
		{"negative refills", testworld.Doctor1, func(r *prescriptions.IssueRequest) { r.MaxRefills = -1 }, apperr.InvalidInput},
		{"no consent", testworld.Doctor2, func(r *prescriptions.IssueRequest) {}, apperr.AccessDenied},
		{"clinic", testworld.Clinic1, func(r *prescriptions.IssueRequest) {}, apperr.Unauthorized},
		{"unknown patient", testworld.Doctor1, func(r *prescriptions.IssueRequest) { r.PatientID = 404 }, apperr.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := valid()
			tt.mutate(req)
			err := w.Do(func(s *testworld.Services) error {
				_, err := s.Prescriptions.Issue(tt.caller, req)
				return err
			})
			assert.Equal(t, tt.want, apperr.KindOf(err))
		})
	}

	w.Must(func(s *testworld.Services) error {
		req := valid()
		req.Urgency = models.UrgencyCritical
		_, err := s.Prescriptions.Issue(testworld.Doctor1, req)
		return err
	})
	w.Must(func(s *testworld.Services) error {
		list, err := s.Prescriptions.ListForPatient(testworld.Patient1, w.P1)
		require.NoError(t, err)
		require.Len(t, list, 1)
		assert.Equal(t, models.UrgencyCritical, list[0].Urgency)

		_, err = s.Prescriptions.ListForPatient(testworld.Doctor2, w.P1)
		assert.Equal(t, apperr.AccessDenied, apperr.KindOf(err))
		return nil
	})
}

func TestGrantPharmacyAccessRules(t *testing.T) {
	w, rx := setup(t)

	tests := []struct {
		name     string
		caller   string
		pharmacy uint64
		want     apperr.Kind
	}{
		{"pharmacy self grant", testworld.Pharmacy1, w.Ph1, apperr.Unauthorized},
		{"other doctor", testworld.Doctor2, w.Ph1, apperr.Unauthorized},
		{"not a pharmacy", testworld.Patient1, w.C1, apperr.InvalidInput},
		{"unknown pharmacy", testworld.Patient1, 404, apperr.NotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := w.Do(func(s *testworld.Services) error {
				return s.Prescriptions.GrantPharmacyAccess(tt.caller, rx, tt.pharmacy)
			})
			assert.Equal(t, tt.want, apperr.KindOf(err))
		})
	}

	w.Must(func(s *testworld.Services) error {
		return s.Registry.UpdateStatus(testworld.Registrar, w.Ph2, models.IdentityRevoked)
	})
	err := w.Do(func(s *testworld.Services) error {
		return s.Prescriptions.GrantPharmacyAccess(testworld.Doctor1, rx, w.Ph2)
	})
	assert.Equal(t, apperr.NotActive, apperr.KindOf(err))
}
