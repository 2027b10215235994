package devnet

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hyperledger/fabric-chaincode-go/shim"
	"github.com/rs/zerolog"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// ErrClosed is returned for submissions made after Close
var ErrClosed = errors.New("network closed")

// publishTimeout bounds publishing one block's event, retries included
const publishTimeout = 10 * time.Second

// Invocation names a chaincode function, its string arguments and the
// submitting client
type Invocation struct {
	Function string
	Args     []string
	Creator  *Creator
}

// Result is the outcome of an accepted transaction or evaluation
type Result struct {
	TxID    string
	Block   uint64 // 0 for evaluations
	Payload []byte
	Event   *ChaincodeEvent
}

// Rejection is returned when the chaincode answers with an error status.
// Nothing the transaction wrote is committed.
type Rejection struct {
	TxID    string
	Status  int32
	Message string
}

func (r *Rejection) Error() string { return r.Message }

// Option configures a Network
type Option func(*Network)

// WithClock sets the source of transaction timestamps
func WithClock(clock func() time.Time) Option {
	return func(n *Network) { n.clock = clock }
}

// WithLogger sets the logger for commits and publisher failures
func WithLogger(log zerolog.Logger) Option {
	return func(n *Network) { n.log = log }
}

// WithPublisher forwards committed events to p
func WithPublisher(p Publisher) Option {
	return func(n *Network) { n.publisher = p }
}

// WithChannel sets the channel and chaincode name reported to the chaincode
func WithChannel(channel, chaincode string) Option {
	return func(n *Network) {
		n.channel = channel
		n.namespace = chaincode
	}
}

type submission struct {
	ctx   context.Context
	inv   *Invocation
	reply chan submitted
}

type submitted struct {
	res *Result
	err error
}

// Network executes transactions of one chaincode against a journal.
// Submissions are processed one at a time by a single goroutine, so each
// transaction sees every block committed before it. Evaluations read a
// snapshot and may run concurrently.
type Network struct {
	journal   *Journal
	cc        shim.Chaincode
	channel   string
	namespace string
	clock     func() time.Time
	log       zerolog.Logger
	publisher Publisher

	submissions chan submission
	done        chan struct{}
	wg          sync.WaitGroup
	closeOnce   sync.Once
}

// New starts a network running cc on journal
func New(journal *Journal, cc shim.Chaincode, opts ...Option) *Network {
	n := &Network{
		journal:     journal,
		cc:          cc,
		channel:     "devnet",
		namespace:   "careledger",
		clock:       time.Now,
		log:         zerolog.Nop(),
		submissions: make(chan submission),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(n)
	}
	n.wg.Add(1)
	go n.loop()
	return n
}

// Close stops accepting submissions and waits for the one in progress
func (n *Network) Close() {
	n.closeOnce.Do(func() {
		close(n.done)
		n.wg.Wait()
	})
}

// Submit executes inv and commits its writes and event as the next block.
// ctx only bounds the wait for the network to pick up the submission: once
// picked up, the transaction runs to its outcome and Submit reports it.
func (n *Network) Submit(ctx context.Context, inv *Invocation) (*Result, error) {
	sub := submission{ctx: ctx, inv: inv, reply: make(chan submitted, 1)}
	select {
	case n.submissions <- sub:
	case <-n.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	r := <-sub.reply
	return r.res, r.err
}

// Evaluate executes inv without committing. Writes fail.
func (n *Network) Evaluate(ctx context.Context, inv *Invocation) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stub, err := n.execute(inv, true)
	if err != nil {
		return nil, err
	}
	return &Result{TxID: stub.txID, Payload: stub.payload}, nil
}

func (n *Network) loop() {
	defer n.wg.Done()
	for {
		select {
		case <-n.done:
			return
		case sub := <-n.submissions:
			res, err := n.commit(sub.ctx, sub.inv)
			sub.reply <- submitted{res: res, err: err}
		}
	}
}

func (n *Network) commit(ctx context.Context, inv *Invocation) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	stub, err := n.execute(inv, false)
	if err != nil {
		return nil, err
	}
	b := &Block{
		TxID:      stub.txID,
		Function:  inv.Function,
		Creator:   inv.Creator.Account,
		Timestamp: stub.timestamp.GetSeconds(),
		Writes:    stub.log,
		Event:     stub.event,
	}
	if b.Writes == nil {
		b.Writes = []Write{}
	}
	if err := n.journal.commit(b); err != nil {
		return nil, err
	}
	n.log.Debug().
		Uint64("block", b.Number).
		Str("txId", b.TxID).
		Str("function", b.Function).
		Int("writes", len(b.Writes)).
		Msg("block committed")

	if n.publisher != nil && b.Event != nil {
		n.publish(ctx, b)
	}
	return &Result{TxID: b.TxID, Block: b.Number, Payload: stub.payload, Event: b.Event}, nil
}

// publish hands a committed block to the publisher. The block is on the
// ledger already, so the submitter cancelling must not drop its event.
func (n *Network) publish(ctx context.Context, b *Block) {
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), publishTimeout)
	defer cancel()
	if err := n.publisher.Publish(ctx, b); err != nil {
		n.log.Error().Err(err).Uint64("block", b.Number).Msg("failed to publish event")
	}
}

// execute runs inv on a fresh snapshot. A chaincode error status becomes a
// Rejection.
func (n *Network) execute(inv *Invocation, readOnly bool) (*txStub, error) {
	if inv.Creator == nil {
		return nil, errors.New("invocation has no creator")
	}
	if strings.TrimSpace(inv.Function) == "" {
		return nil, errors.New("invocation has no function")
	}
	snap, err := n.journal.db.GetSnapshot()
	if err != nil {
		return nil, fmt.Errorf("failed to take snapshot: %w", err)
	}
	defer snap.Release()

	args := make([][]byte, 0, len(inv.Args)+1)
	args = append(args, []byte(inv.Function))
	for _, a := range inv.Args {
		args = append(args, []byte(a))
	}
	stub := &txStub{
		namespace: n.namespace,
		channel:   n.channel,
		txID:      uuid.NewString(),
		args:      args,
		creator:   inv.Creator.Serialized,
		timestamp: timestamppb.New(n.clock()),
		snap:      snap,
		readOnly:  readOnly,
		writes:    map[string]int{},
	}

	resp := n.cc.Invoke(stub)
	if resp.Status >= shim.ERRORTHRESHOLD {
		return nil, &Rejection{TxID: stub.txID, Status: resp.Status, Message: resp.Message}
	}
	stub.payload = resp.Payload
	return stub, nil
}
