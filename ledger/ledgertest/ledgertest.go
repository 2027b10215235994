// Package ledgertest runs engine transactions against a shimtest.MockStub
// with a controllable ledger clock. MockStub applies writes immediately, so
// the harness restores the previous world state when a transaction fails,
// the way a peer would discard it.
package ledgertest

import (
	"container/list"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/hyperledger/fabric-chaincode-go/shimtest"
	"github.com/hyperledger/fabric-protos-go/peer"
	"google.golang.org/protobuf/types/known/timestamppb"

	"github.com/haven-health-passport/careledger/ledger"
	"github.com/haven-health-passport/careledger/models"
)

// Epoch is the ledger time a new harness starts at
const Epoch int64 = 1_700_000_000

// Day is one day in ledger seconds
const Day int64 = 24 * 60 * 60

// Harness drives a MockStub one transaction at a time
type Harness struct {
	t      testing.TB
	Stub   *shimtest.MockStub
	Now    int64
	Events []models.Event
	seq    int
}

// New returns a harness with an empty world state
func New(t testing.TB) *Harness {
	return &Harness{
		t:    t,
		Stub: shimtest.NewMockStub("careledger", nil),
		Now:  Epoch,
	}
}

// Advance moves the ledger clock forward
func (h *Harness) Advance(d time.Duration) {
	h.Now += int64(d / time.Second)
}

// AdvanceDays moves the ledger clock forward by n days
func (h *Harness) AdvanceDays(n int) {
	h.Now += int64(n) * Day
}

// Run executes fn as one transaction. On error every write is undone and
// the event is dropped.
func (h *Harness) Run(fn func(st ledger.State) error) error {
	h.seq++
	txID := fmt.Sprintf("tx%06d", h.seq)

	state := make(map[string][]byte, len(h.Stub.State))
	for k, v := range h.Stub.State {
		state[k] = v
	}
	keys := list.New()
	keys.PushBackList(h.Stub.Keys)

	h.Stub.MockTransactionStart(txID)
	h.Stub.TxTimestamp = timestamppb.New(time.Unix(h.Now, 0))
	err := fn(h.Stub)
	h.Stub.MockTransactionEnd(txID)

	events := h.drain()
	if err != nil {
		h.Stub.State = state
		h.Stub.Keys = keys
		return err
	}
	for _, ev := range events {
		var e models.Event
		if jerr := json.Unmarshal(ev.Payload, &e); jerr != nil {
			h.t.Fatalf("event %s payload: %v", ev.EventName, jerr)
		}
		h.Events = append(h.Events, e)
	}
	return nil
}

// Call runs fn as one transaction and returns its result
func Call[T any](h *Harness, fn func(st ledger.State) (T, error)) (T, error) {
	var out T
	err := h.Run(func(st ledger.State) error {
		var err error
		out, err = fn(st)
		return err
	})
	return out, err
}

// LastEvent returns the most recent committed event
func (h *Harness) LastEvent() *models.Event {
	if len(h.Events) == 0 {
		h.t.Fatalf("no events committed")
	}
	return &h.Events[len(h.Events)-1]
}

func (h *Harness) drain() []*peer.ChaincodeEvent {
	var events []*peer.ChaincodeEvent
	for {
		select {
		case ev := <-h.Stub.ChaincodeEventsChannel:
			events = append(events, ev)
		default:
			return events
		}
	}
}
