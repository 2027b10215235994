// Package ledger adapts the Fabric chaincode stub into the small set of
// state helpers the engines share: JSON documents under composite keys,
// marker indexes, counters, ledger time and the one event a transaction may
// emit.
package ledger

import (
	"encoding/json"
	"fmt"
	"strconv"

	"github.com/hyperledger/fabric-chaincode-go/shim"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/haven-health-passport/careledger/apperr"
	"github.com/haven-health-passport/careledger/models"
	"github.com/haven-health-passport/careledger/utils"
)

// State is the part of shim.ChaincodeStubInterface the engines use.
type State interface {
	GetState(key string) ([]byte, error)
	PutState(key string, value []byte) error
	DelState(key string) error
	CreateCompositeKey(objectType string, attributes []string) (string, error)
	SplitCompositeKey(compositeKey string) (string, []string, error)
	GetStateByPartialCompositeKey(objectType string, keys []string) (shim.StateQueryIteratorInterface, error)
	GetTxID() string
	GetTxTimestamp() (*timestamppb.Timestamp, error)
	SetEvent(name string, payload []byte) error
}

var _ State = (shim.ChaincodeStubInterface)(nil)

// marker is stored under index keys whose composite key carries all data
var marker = []byte{0x00}

// Tx wraps the stub for the duration of one transaction. Writes are not
// visible to reads made later in the same transaction.
type Tx struct {
	stub    State
	now     int64
	txID    string
	emitted bool
}

// Begin starts working on the stub's current transaction
func Begin(stub State) (*Tx, error) {
	ts, err := stub.GetTxTimestamp()
	if err != nil {
		return nil, apperr.Wrap(err, "failed to get transaction timestamp")
	}
	if ts == nil {
		return nil, apperr.New(apperr.Internal, "transaction timestamp missing")
	}
	return &Tx{stub: stub, now: ts.GetSeconds(), txID: stub.GetTxID()}, nil
}

// Now returns the ledger time of the transaction in Unix seconds
func (t *Tx) Now() int64 { return t.now }

// TxID returns the transaction id
func (t *Tx) TxID() string { return t.txID }

// Key builds a composite key
func (t *Tx) Key(objectType string, attrs ...string) (string, error) {
	key, err := t.stub.CreateCompositeKey(objectType, attrs)
	if err != nil {
		return "", apperr.Wrap(err, "failed to create %s key", objectType)
	}
	return key, nil
}

// Get loads the JSON document stored under objectType[attrs] into v and
// reports whether it existed.
func (t *Tx) Get(v interface{}, objectType string, attrs ...string) (bool, error) {
	key, err := t.Key(objectType, attrs...)
	if err != nil {
		return false, err
	}
	data, err := t.stub.GetState(key)
	if err != nil {
		return false, apperr.Wrap(err, "failed to read %s", objectType)
	}
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, apperr.Wrap(err, "failed to unmarshal %s", objectType)
	}
	return true, nil
}

// Put stores v as JSON under objectType[attrs]
func (t *Tx) Put(v interface{}, objectType string, attrs ...string) error {
	key, err := t.Key(objectType, attrs...)
	if err != nil {
		return err
	}
	data, err := json.Marshal(v)
	if err != nil {
		return apperr.Wrap(err, "failed to marshal %s", objectType)
	}
	if err := t.stub.PutState(key, data); err != nil {
		return apperr.Wrap(err, "failed to store %s", objectType)
	}
	return nil
}

// Exists reports whether anything is stored under objectType[attrs]
func (t *Tx) Exists(objectType string, attrs ...string) (bool, error) {
	key, err := t.Key(objectType, attrs...)
	if err != nil {
		return false, err
	}
	data, err := t.stub.GetState(key)
	if err != nil {
		return false, apperr.Wrap(err, "failed to read %s", objectType)
	}
	return data != nil, nil
}

// Index writes a marker entry under objectType[attrs]
func (t *Tx) Index(objectType string, attrs ...string) error {
	key, err := t.Key(objectType, attrs...)
	if err != nil {
		return err
	}
	if err := t.stub.PutState(key, marker); err != nil {
		return apperr.Wrap(err, "failed to create %s index", objectType)
	}
	return nil
}

// Delete removes the entry under objectType[attrs]
func (t *Tx) Delete(objectType string, attrs ...string) error {
	key, err := t.Key(objectType, attrs...)
	if err != nil {
		return err
	}
	if err := t.stub.DelState(key); err != nil {
		return apperr.Wrap(err, "failed to delete %s entry", objectType)
	}
	return nil
}

// Scan visits every entry whose composite key starts with objectType[prefix]
// in key order, passing the full attribute list and the stored value.
func (t *Tx) Scan(objectType string, prefix []string, fn func(attrs []string, value []byte) error) error {
	iter, err := t.stub.GetStateByPartialCompositeKey(objectType, prefix)
	if err != nil {
		return apperr.Wrap(err, "failed to query %s", objectType)
	}
	defer iter.Close()

	for iter.HasNext() {
		kv, err := iter.Next()
		if err != nil {
			return apperr.Wrap(err, "failed to iterate %s", objectType)
		}
		_, attrs, err := t.stub.SplitCompositeKey(kv.Key)
		if err != nil {
			return apperr.Wrap(err, "failed to split %s key", objectType)
		}
		if err := fn(attrs, kv.Value); err != nil {
			return err
		}
	}
	return nil
}

// ScanIDs collects the numeric id found at position pos of every key under
// objectType[prefix].
func (t *Tx) ScanIDs(objectType string, prefix []string, pos int) ([]uint64, error) {
	ids := []uint64{}
	err := t.Scan(objectType, prefix, func(attrs []string, _ []byte) error {
		if pos >= len(attrs) {
			return apperr.New(apperr.Internal, "malformed %s key", objectType)
		}
		id, err := utils.ParseID(attrs[pos])
		if err != nil {
			return apperr.Wrap(err, "malformed %s key", objectType)
		}
		ids = append(ids, id)
		return nil
	})
	return ids, err
}

// NextID increments the named counter and returns the new value. Ids start
// at 1. A counter may be advanced at most once per transaction.
func (t *Tx) NextID(counter string) (uint64, error) {
	key, err := t.Key(utils.PrefixCounter, counter)
	if err != nil {
		return 0, err
	}
	data, err := t.stub.GetState(key)
	if err != nil {
		return 0, apperr.Wrap(err, "failed to read %s counter", counter)
	}
	var current uint64
	if data != nil {
		current, err = strconv.ParseUint(string(data), 10, 64)
		if err != nil {
			return 0, apperr.Wrap(err, "corrupt %s counter", counter)
		}
	}
	next := current + 1
	if err := t.stub.PutState(key, []byte(strconv.FormatUint(next, 10))); err != nil {
		return 0, apperr.Wrap(err, "failed to advance %s counter", counter)
	}
	return next, nil
}

// Event starts an event attributed to actor
func Event(name, actor, subject string, patients ...uint64) *models.Event {
	if patients == nil {
		patients = []uint64{}
	}
	return &models.Event{
		EventType: name,
		Actor:     actor,
		Subject:   subject,
		Patients:  patients,
		Details:   []models.Attribute{},
	}
}

// Emit stamps the event with ledger time and the transaction id, sets it as
// the transaction's chaincode event and appends it to the audit trail of
// every patient it names. Fabric keeps only one event per transaction, so a
// second call fails.
func (t *Tx) Emit(e *models.Event) error {
	if t.emitted {
		return apperr.New(apperr.Internal, "event already emitted in transaction %s", t.txID)
	}
	e.Timestamp = t.now
	e.TxID = t.txID
	if e.Patients == nil {
		e.Patients = []uint64{}
	}
	if e.Details == nil {
		e.Details = []models.Attribute{}
	}

	payload, err := json.Marshal(e)
	if err != nil {
		return apperr.Wrap(err, "failed to marshal event")
	}
	if err := t.stub.SetEvent(e.EventType, payload); err != nil {
		return apperr.Wrap(err, "failed to set event %s", e.EventType)
	}
	t.emitted = true

	seen := make(map[uint64]bool, len(e.Patients))
	for _, p := range e.Patients {
		if seen[p] {
			continue
		}
		seen[p] = true
		key, err := t.Key(utils.PrefixAudit, utils.PadID(p), utils.PadTimestamp(t.now), t.txID)
		if err != nil {
			return err
		}
		if err := t.stub.PutState(key, payload); err != nil {
			return apperr.Wrap(err, "failed to append audit entry for patient %d", p)
		}
	}
	return nil
}

// AuditTrail returns the events recorded for a patient, oldest first
func (t *Tx) AuditTrail(patientID uint64) ([]models.Event, error) {
	events := []models.Event{}
	err := t.Scan(utils.PrefixAudit, []string{utils.PadID(patientID)}, func(_ []string, value []byte) error {
		var e models.Event
		if err := json.Unmarshal(value, &e); err != nil {
			return apperr.Wrap(err, "failed to unmarshal audit entry")
		}
		events = append(events, e)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to read audit trail: %w", err)
	}
	return events, nil
}
