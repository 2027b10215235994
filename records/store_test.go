package records_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/haven-health-passport/careledger/apperr"
	"github.com/haven-health-passport/careledger/consent"
	"github.com/haven-health-passport/careledger/internal/testworld"
	"github.com/haven-health-passport/careledger/ledger/ledgertest"
	"github.com/haven-health-passport/careledger/models"
	"github.com/haven-health-passport/careledger/records"
)

func withNotesConsent(t *testing.T) *testworld.World {
	w := testworld.New(t)
	w.Grant(testworld.Patient1, &consent.GrantRequest{
		PatientID: w.P1, GranteeID: w.D1, Scope: models.ScopeClinicalNotes,
		ValidTo: w.Now + 30*ledgertest.Day, Purpose: "follow-up",
	})
	return w
}

func create(t *testing.T, w *testworld.World, caller string, recordType models.RecordType, title string) uint64 {
	t.Helper()
	var id uint64
	w.Must(func(s *testworld.Services) (err error) {
		id, err = s.Records.Create(caller, &records.CreateRequest{
			PatientID:  w.P1,
			RecordType: recordType,
			PayloadRef: "ipfs://" + title,
			Title:      title,
			Summary:    "non-sensitive summary",
		})
		return err
	})
	return id
}

func TestCreate(t *testing.T) {
	w := withNotesConsent(t)
	id := create(t, w, testworld.Doctor1, models.RecordConsultation, "visit")

	ev := w.LastEvent()
	assert.Equal(t, models.EventRecordCreated, ev.EventType)
	assert.Equal(t, []uint64{w.P1}, ev.Patients)

	w.Must(func(s *testworld.Services) error {
		r, err := s.Records.Get(testworld.Doctor1, id)
		require.NoError(t, err)
		assert.Equal(t, models.RecordActive, r.Status)
		assert.Equal(t, 1, r.Version)
		assert.Equal(t, w.D1, r.DoctorID)
		assert.Equal(t, testworld.Doctor1, r.CreatedBy)
		return nil
	})

	tests := []struct {
		name   string
		caller string
		req    records.CreateRequest
		want   apperr.Kind
	}{
		{"no consent", testworld.Doctor2, records.CreateRequest{PatientID: w.P1, RecordType: models.RecordDiagnosis, PayloadRef: "r", Title: "t"}, apperr.AccessDenied},
		{"pharmacy", testworld.Pharmacy1, records.CreateRequest{PatientID: w.P1, RecordType: models.RecordDiagnosis, PayloadRef: "r", Title: "t"}, apperr.Unauthorized},
		{"patient", testworld.Patient1, records.CreateRequest{PatientID: w.P1, RecordType: models.RecordDiagnosis, PayloadRef: "r", Title: "t"}, apperr.Unauthorized},
		{"empty payload", testworld.Doctor1, records.CreateRequest{PatientID: w.P1, RecordType: models.RecordDiagnosis, Title: "t"}, apperr.InvalidInput},
		{"empty title", testworld.Doctor1, records.CreateRequest{PatientID: w.P1, RecordType: models.RecordDiagnosis, PayloadRef: "r"}, apperr.InvalidInput},
		{"bad type", testworld.Doctor1, records.CreateRequest{PatientID: w.P1, RecordType: "GOSSIP", PayloadRef: "r", Title: "t"}, apperr.InvalidInput},
		{"not a patient", testworld.Doctor1, records.CreateRequest{PatientID: w.D2, RecordType: models.RecordDiagnosis, PayloadRef: "r", Title: "t"}, apperr.InvalidInput},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := w.Do(func(s *testworld.Services) error {
				_, err := s.Records.Create(tt.caller, &tt.req)
				return err
			})
			assert.Equal(t, tt.want, apperr.KindOf(err))
		})
	}

	w.AdvanceDays(30)
	err := w.Do(func(s *testworld.Services) error {
		_, err := s.Records.Create(testworld.Doctor1, &records.CreateRequest{
			PatientID: w.P1, RecordType: models.RecordDiagnosis, PayloadRef: "r", Title: "t",
		})
		return err
	})
	assert.Equal(t, apperr.AccessDenied, apperr.KindOf(err), "consent expired")
}

func TestCreateUnderEmergency(t *testing.T) {
	w := testworld.New(t)
	w.Grant(testworld.Patient1, &consent.GrantRequest{
		PatientID: w.P1, GranteeID: w.D1, Scope: models.ScopeClinicalNotes,
		ValidTo: w.Now + ledgertest.Day, Purpose: "er", EmergencyOverride: true,
	})
	w.Must(func(s *testworld.Services) error {
		return s.Consent.ToggleEmergencyAccess(testworld.Patient1, w.P1, true, "epilepsy")
	})
	w.AdvanceDays(3)

	create(t, w, testworld.Doctor1, models.RecordEmergency, "seizure")
	assert.Equal(t, "true", w.LastEvent().Detail("emergency"))
}

func TestUpdateKeepsRevisions(t *testing.T) {
	w := withNotesConsent(t)
	id := create(t, w, testworld.Doctor1, models.RecordLaboratory, "cbc")

	w.Must(func(s *testworld.Services) error {
		return s.Records.Update(testworld.Doctor1, id, "ipfs://cbc-v2", "cbc", "corrected")
	})
	w.Must(func(s *testworld.Services) error {
		return s.Records.Update(testworld.Doctor1, id, "ipfs://cbc-v3", "cbc", "final")
	})
	assert.Equal(t, "3", w.LastEvent().Detail("version"))

	w.Must(func(s *testworld.Services) error {
		r, err := s.Records.Get(testworld.Patient1, id)
		require.NoError(t, err)
		assert.Equal(t, models.RecordUpdated, r.Status)
		assert.Equal(t, 3, r.Version)
		assert.Equal(t, "ipfs://cbc-v3", r.PayloadRef)

		revs, err := s.Records.Revisions(testworld.Patient1, id)
		require.NoError(t, err)
		require.Len(t, revs, 2)
		assert.Equal(t, 1, revs[0].Version)
		assert.Equal(t, "ipfs://cbc", revs[0].PayloadRef)
		assert.Equal(t, "ipfs://cbc-v2", revs[1].PayloadRef)
		return nil
	})

	err := w.Do(func(s *testworld.Services) error {
		return s.Records.Update(testworld.Doctor2, id, "ipfs://x", "cbc", "")
	})
	assert.Equal(t, apperr.AccessDenied, apperr.KindOf(err))

	// a second doctor with access may update
	w.Grant(testworld.Patient1, &consent.GrantRequest{
		PatientID: w.P1, GranteeID: w.D2, Scope: models.ScopeFullAccess, Purpose: "second opinion",
	})
	w.Must(func(s *testworld.Services) error {
		return s.Records.Update(testworld.Doctor2, id, "ipfs://cbc-v4", "cbc", "reviewed")
	})

	err = w.Do(func(s *testworld.Services) error {
		return s.Records.Update(testworld.Doctor1, id, "", "cbc", "")
	})
	assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))
}

func TestSoftDeleteVisibility(t *testing.T) {
	w := withNotesConsent(t)
	kept := create(t, w, testworld.Doctor1, models.RecordConsultation, "visit")
	gone := create(t, w, testworld.Doctor1, models.RecordDiagnosis, "misfiled")
	w.Grant(testworld.Patient1, &consent.GrantRequest{
		PatientID: w.P1, GranteeID: w.D2, Scope: models.ScopeClinicalNotes, Purpose: "referral",
	})

	err := w.Do(func(s *testworld.Services) error { return s.Records.SoftDelete(testworld.Doctor2, gone) })
	assert.Equal(t, apperr.Unauthorized, apperr.KindOf(err), "only the author deletes")

	w.Must(func(s *testworld.Services) error { return s.Records.SoftDelete(testworld.Doctor1, gone) })
	assert.Equal(t, models.EventRecordDeleted, w.LastEvent().EventType)

	err = w.Do(func(s *testworld.Services) error { return s.Records.SoftDelete(testworld.Doctor1, gone) })
	assert.Equal(t, apperr.AlreadyTerminal, apperr.KindOf(err))

	err = w.Do(func(s *testworld.Services) error {
		return s.Records.Update(testworld.Doctor1, gone, "ipfs://x", "x", "")
	})
	assert.Equal(t, apperr.AlreadyTerminal, apperr.KindOf(err))

	w.Must(func(s *testworld.Services) error {
		for _, caller := range []string{testworld.Patient1, testworld.Doctor1, testworld.Doctor2} {
			history, err := s.Records.History(caller, w.P1)
			require.NoError(t, err)
			require.Len(t, history, 1, caller)
			assert.Equal(t, kept, history[0].ID)

			byType, err := s.Records.ByType(caller, w.P1, models.RecordDiagnosis)
			require.NoError(t, err)
			assert.Empty(t, byType, caller)
		}

		for _, caller := range []string{testworld.Patient1, testworld.Doctor1} {
			r, err := s.Records.Get(caller, gone)
			require.NoError(t, err, caller)
			assert.True(t, r.IsDeleted())
		}

		_, err := s.Records.Get(testworld.Doctor2, gone)
		assert.Equal(t, apperr.AccessDenied, apperr.KindOf(err))
		return nil
	})
}

func TestPatientSeesOwnHistoryWithoutConsent(t *testing.T) {
	w := withNotesConsent(t)
	id := create(t, w, testworld.Doctor1, models.RecordVaccination, "measles")
	w.AdvanceDays(60)

	w.Must(func(s *testworld.Services) error {
		history, err := s.Records.History(testworld.Patient1, w.P1)
		require.NoError(t, err)
		require.Len(t, history, 1)

		_, err = s.Records.Get(testworld.Patient1, id)
		require.NoError(t, err)

		_, err = s.Records.History(testworld.Patient2, w.P1)
		assert.Equal(t, apperr.Unauthorized, apperr.KindOf(err), "other patients are not providers")

		_, err = s.Records.History(testworld.Doctor2, w.P1)
		assert.Equal(t, apperr.AccessDenied, apperr.KindOf(err))

		_, err = s.Records.Get(testworld.Pharmacy1, id)
		assert.Equal(t, apperr.AccessDenied, apperr.KindOf(err))

		_, err = s.Records.ByType(testworld.Patient1, w.P1, "GOSSIP")
		assert.Equal(t, apperr.InvalidInput, apperr.KindOf(err))

		_, err = s.Records.Get(testworld.Patient1, 404)
		assert.Equal(t, apperr.NotFound, apperr.KindOf(err))
		return nil
	})
}

func TestDirectGrantIsAConsent(t *testing.T) {
	w := testworld.New(t)
	expires := w.Now + 7*ledgertest.Day

	var id string
	w.Must(func(s *testworld.Services) (err error) {
		id, err = s.Records.GrantAccess(testworld.Patient1, w.P1, w.D2, expires)
		return err
	})

	w.Must(func(s *testworld.Services) error {
		perm, err := s.Records.AccessPermission(w.P1, w.D2)
		require.NoError(t, err)
		assert.True(t, perm.HasAccess)
		assert.Equal(t, expires, perm.ExpiresAt)
		assert.Equal(t, id, perm.ConsentID)
		assert.Equal(t, testworld.Patient1, perm.GrantedBy)

		c, err := s.Consent.Get(id)
		require.NoError(t, err)
		assert.Equal(t, models.DirectGrantPurpose, c.Purpose)
		assert.Equal(t, models.ScopeClinicalNotes, c.Scope)
		return nil
	})
	create(t, w, testworld.Doctor2, models.RecordImaging, "x-ray")

	w.AdvanceDays(7)
	w.Must(func(s *testworld.Services) error {
		perm, err := s.Records.AccessPermission(w.P1, w.D2)
		require.NoError(t, err)
		assert.False(t, perm.HasAccess, "expired grants read as no access")
		return nil
	})

	w.Must(func(s *testworld.Services) error {
		return s.Records.RevokeAccess(testworld.Patient1, w.P1, w.D2)
	})
	w.Must(func(s *testworld.Services) error {
		perm, err := s.Records.AccessPermission(w.P1, w.D2)
		require.NoError(t, err)
		assert.False(t, perm.HasAccess)
		assert.Empty(t, perm.ConsentID)
		return nil
	})

	err := w.Do(func(s *testworld.Services) error {
		return s.Records.RevokeAccess(testworld.Patient1, w.P1, w.D2)
	})
	assert.Equal(t, apperr.NotActive, apperr.KindOf(err))
}
