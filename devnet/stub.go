package devnet

import (
	"errors"
	"fmt"
	"strings"

	"github.com/hyperledger/fabric-chaincode-go/shim"
	"github.com/hyperledger/fabric-protos-go/ledger/queryresult"
	pb "github.com/hyperledger/fabric-protos-go/peer"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"
	"google.golang.org/protobuf/types/known/timestamppb"
)

var (
	// errReadOnly is returned by writes made during an evaluation
	errReadOnly = errors.New("evaluation may not write to the ledger")

	errNotSupported = errors.New("not supported on devnet")
)

var _ shim.ChaincodeStubInterface = (*txStub)(nil)

// txStub is the chaincode stub of one devnet transaction. Reads see the
// snapshot taken when the transaction started; writes are buffered until
// commit. Private data, rich queries, key history, endorsement parameters
// and chaincode-to-chaincode calls fail with errNotSupported.
type txStub struct {
	namespace string
	channel   string
	txID      string
	args      [][]byte
	creator   []byte
	timestamp *timestamppb.Timestamp
	snap      *leveldb.Snapshot
	readOnly  bool

	writes  map[string]int
	log     []Write
	event   *ChaincodeEvent
	payload []byte
}

func (s *txStub) GetArgs() [][]byte { return s.args }

func (s *txStub) GetStringArgs() []string {
	args := make([]string, 0, len(s.args))
	for _, a := range s.args {
		args = append(args, string(a))
	}
	return args
}

func (s *txStub) GetFunctionAndParameters() (string, []string) {
	args := s.GetStringArgs()
	if len(args) == 0 {
		return "", []string{}
	}
	return args[0], args[1:]
}

func (s *txStub) GetTxID() string { return s.txID }

func (s *txStub) GetChannelID() string { return s.channel }

func (s *txStub) GetCreator() ([]byte, error) { return s.creator, nil }

func (s *txStub) GetTransient() (map[string][]byte, error) { return map[string][]byte{}, nil }

func (s *txStub) GetTxTimestamp() (*timestamppb.Timestamp, error) { return s.timestamp, nil }

func (s *txStub) GetState(key string) ([]byte, error) {
	v, err := s.snap.Get(worldKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %q: %w", key, err)
	}
	return v, nil
}

func (s *txStub) PutState(key string, value []byte) error {
	if key == "" {
		return errors.New("key must not be an empty string")
	}
	return s.record(Write{Key: key, Value: append([]byte{}, value...)})
}

func (s *txStub) DelState(key string) error {
	return s.record(Write{Key: key, Delete: true})
}

// record keeps the last write per key, in first-write order
func (s *txStub) record(w Write) error {
	if s.readOnly {
		return errReadOnly
	}
	if i, ok := s.writes[w.Key]; ok {
		s.log[i] = w
		return nil
	}
	s.writes[w.Key] = len(s.log)
	s.log = append(s.log, w)
	return nil
}

func (s *txStub) CreateCompositeKey(objectType string, attributes []string) (string, error) {
	return shim.CreateCompositeKey(objectType, attributes)
}

func (s *txStub) SplitCompositeKey(compositeKey string) (string, []string, error) {
	parts := strings.Split(compositeKey, "\x00")
	if len(parts) < 3 || parts[0] != "" || parts[len(parts)-1] != "" {
		return "", nil, fmt.Errorf("invalid composite key %q", compositeKey)
	}
	return parts[1], parts[2 : len(parts)-1], nil
}

func (s *txStub) GetStateByPartialCompositeKey(objectType string, keys []string) (shim.StateQueryIteratorInterface, error) {
	prefix, err := shim.CreateCompositeKey(objectType, keys)
	if err != nil {
		return nil, err
	}
	return s.scan(util.BytesPrefix(worldKey(prefix)), objectType)
}

// GetStateByRange scans simple keys in [startKey, endKey); an empty endKey
// runs to the end of the simple key space.
func (s *txStub) GetStateByRange(startKey, endKey string) (shim.StateQueryIteratorInterface, error) {
	rng := &util.Range{Start: worldKey(startKey), Limit: worldKey(endKey)}
	if endKey == "" {
		rng.Limit = util.BytesPrefix(worldPrefix).Limit
	}
	if startKey == "" {
		// composite keys start with 0x00 and are not part of range scans
		rng.Start = worldKey("\x01")
	}
	return s.scan(rng, "range")
}

func (s *txStub) scan(rng *util.Range, what string) (shim.StateQueryIteratorInterface, error) {
	iter := s.snap.NewIterator(rng, nil)
	defer iter.Release()

	var kvs []*queryresult.KV
	for iter.Next() {
		kvs = append(kvs, &queryresult.KV{
			Namespace: s.namespace,
			Key:       string(iter.Key()[len(worldPrefix):]),
			Value:     append([]byte{}, iter.Value()...),
		})
	}
	if err := iter.Error(); err != nil {
		return nil, fmt.Errorf("failed to scan %q: %w", what, err)
	}
	return &kvIterator{kvs: kvs}, nil
}

func (s *txStub) SetEvent(name string, payload []byte) error {
	if name == "" {
		return errors.New("event name can not be empty string")
	}
	s.event = &ChaincodeEvent{Name: name, Payload: payload}
	return nil
}

func (s *txStub) GetArgsSlice() ([]byte, error) {
	var res []byte
	for _, a := range s.args {
		res = append(res, a...)
	}
	return res, nil
}

func (s *txStub) GetDecorations() map[string][]byte { return map[string][]byte{} }

func (s *txStub) GetBinding() ([]byte, error) { return nil, errNotSupported }

func (s *txStub) GetSignedProposal() (*pb.SignedProposal, error) { return nil, errNotSupported }

func (s *txStub) InvokeChaincode(chaincodeName string, args [][]byte, channel string) pb.Response {
	return shim.Error(fmt.Sprintf("invoking %s: %v", chaincodeName, errNotSupported))
}

func (s *txStub) SetStateValidationParameter(key string, ep []byte) error { return errNotSupported }

func (s *txStub) GetStateValidationParameter(key string) ([]byte, error) {
	return nil, errNotSupported
}

func (s *txStub) GetStateByRangeWithPagination(startKey, endKey string, pageSize int32,
	bookmark string) (shim.StateQueryIteratorInterface, *pb.QueryResponseMetadata, error) {
	return nil, nil, errNotSupported
}

func (s *txStub) GetStateByPartialCompositeKeyWithPagination(objectType string, keys []string,
	pageSize int32, bookmark string) (shim.StateQueryIteratorInterface, *pb.QueryResponseMetadata, error) {
	return nil, nil, errNotSupported
}

func (s *txStub) GetQueryResult(query string) (shim.StateQueryIteratorInterface, error) {
	return nil, errNotSupported
}

func (s *txStub) GetQueryResultWithPagination(query string, pageSize int32,
	bookmark string) (shim.StateQueryIteratorInterface, *pb.QueryResponseMetadata, error) {
	return nil, nil, errNotSupported
}

func (s *txStub) GetHistoryForKey(key string) (shim.HistoryQueryIteratorInterface, error) {
	return nil, errNotSupported
}

func (s *txStub) GetPrivateData(collection, key string) ([]byte, error) { return nil, errNotSupported }

func (s *txStub) GetPrivateDataHash(collection, key string) ([]byte, error) {
	return nil, errNotSupported
}

func (s *txStub) PutPrivateData(collection string, key string, value []byte) error {
	return errNotSupported
}

func (s *txStub) DelPrivateData(collection, key string) error { return errNotSupported }

func (s *txStub) PurgePrivateData(collection, key string) error { return errNotSupported }

func (s *txStub) SetPrivateDataValidationParameter(collection, key string, ep []byte) error {
	return errNotSupported
}

func (s *txStub) GetPrivateDataValidationParameter(collection, key string) ([]byte, error) {
	return nil, errNotSupported
}

func (s *txStub) GetPrivateDataByRange(collection, startKey, endKey string) (shim.StateQueryIteratorInterface, error) {
	return nil, errNotSupported
}

func (s *txStub) GetPrivateDataByPartialCompositeKey(collection, objectType string, keys []string) (shim.StateQueryIteratorInterface, error) {
	return nil, errNotSupported
}

func (s *txStub) GetPrivateDataQueryResult(collection, query string) (shim.StateQueryIteratorInterface, error) {
	return nil, errNotSupported
}

// kvIterator iterates over a scan collected from the snapshot
type kvIterator struct {
	kvs []*queryresult.KV
	pos int
}

func (it *kvIterator) HasNext() bool { return it.pos < len(it.kvs) }

func (it *kvIterator) Next() (*queryresult.KV, error) {
	if !it.HasNext() {
		return nil, errors.New("iterator exhausted")
	}
	kv := it.kvs[it.pos]
	it.pos++
	return kv, nil
}

func (it *kvIterator) Close() error { return nil }
