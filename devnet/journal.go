// Package devnet runs chaincode outside a Fabric network. Transactions are
// executed one at a time against a goleveldb journal; each committed
// transaction becomes a block whose hash chains to the previous one.
package devnet

import (
	"bytes"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"github.com/zeebo/blake3"
)

// Key layout
//
//	w/<state key>     world state
//	b/<%020d number>  block JSON
//	m/head            last block number and hash
var (
	worldPrefix = []byte("w/")
	blockPrefix = []byte("b/")
	headKey     = []byte("m/head")
)

// ErrCorrupt is returned by Verify when the chain does not check out
var ErrCorrupt = errors.New("journal corrupt")

// Write is one state change of a block
type Write struct {
	Key    string `json:"key"`
	Value  []byte `json:"value,omitempty"`
	Delete bool   `json:"delete,omitempty"`
}

// ChaincodeEvent is the event set by a transaction
type ChaincodeEvent struct {
	Name    string `json:"name"`
	Payload []byte `json:"payload"`
}

// Block records one committed transaction
type Block struct {
	Number    uint64          `json:"number"`
	TxID      string          `json:"txId"`
	Function  string          `json:"function"`
	Creator   string          `json:"creator"`
	Timestamp int64           `json:"timestamp"`
	Writes    []Write         `json:"writes"`
	Event     *ChaincodeEvent `json:"event,omitempty"`
	PrevHash  string          `json:"prevHash"`
	Hash      string          `json:"hash"`
}

func (b *Block) digest() (string, error) {
	c := *b
	c.Hash = ""
	data, err := json.Marshal(&c)
	if err != nil {
		return "", err
	}
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

// Head identifies the last committed block
type Head struct {
	Number uint64 `json:"number"`
	Hash   string `json:"hash"`
}

// Journal is the block store and world state of a devnet
type Journal struct {
	db *leveldb.DB
}

// OpenJournal opens the journal at path, creating it when missing. An empty
// path opens an in-memory journal.
func OpenJournal(path string) (*Journal, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open journal: %w", err)
	}
	return &Journal{db: db}, nil
}

// Close closes the journal
func (j *Journal) Close() error {
	return j.db.Close()
}

// Head returns the last committed block. An empty journal has head 0.
func (j *Journal) Head() (Head, error) {
	var h Head
	data, err := j.db.Get(headKey, nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return h, nil
	}
	if err != nil {
		return h, fmt.Errorf("failed to read head: %w", err)
	}
	if err := json.Unmarshal(data, &h); err != nil {
		return h, fmt.Errorf("failed to unmarshal head: %w", err)
	}
	return h, nil
}

// State returns the committed value of key, nil when absent
func (j *Journal) State(key string) ([]byte, error) {
	v, err := j.db.Get(worldKey(key), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	return v, err
}

// commit numbers and chains b and writes it atomically with its state
// changes. Callers serialize commits.
func (j *Journal) commit(b *Block) error {
	head, err := j.Head()
	if err != nil {
		return err
	}
	b.Number = head.Number + 1
	b.PrevHash = head.Hash
	if b.Hash, err = b.digest(); err != nil {
		return fmt.Errorf("failed to hash block: %w", err)
	}

	batch := new(leveldb.Batch)
	for _, w := range b.Writes {
		if w.Delete {
			batch.Delete(worldKey(w.Key))
		} else {
			batch.Put(worldKey(w.Key), w.Value)
		}
	}
	data, err := json.Marshal(b)
	if err != nil {
		return fmt.Errorf("failed to marshal block: %w", err)
	}
	batch.Put(blockKey(b.Number), data)
	headData, err := json.Marshal(Head{Number: b.Number, Hash: b.Hash})
	if err != nil {
		return fmt.Errorf("failed to marshal head: %w", err)
	}
	batch.Put(headKey, headData)

	if err := j.db.Write(batch, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("failed to commit block %d: %w", b.Number, err)
	}
	return nil
}

// Block returns block n
func (j *Journal) Block(n uint64) (*Block, error) {
	data, err := j.db.Get(blockKey(n), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, fmt.Errorf("block %d not found", n)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read block %d: %w", n, err)
	}
	var b Block
	if err := json.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to unmarshal block %d: %w", n, err)
	}
	return &b, nil
}

// Blocks calls fn for every block from number from onwards, in order
func (j *Journal) Blocks(from uint64, fn func(*Block) error) error {
	iter := j.db.NewIterator(&util.Range{Start: blockKey(from), Limit: util.BytesPrefix(blockPrefix).Limit}, nil)
	defer iter.Release()
	for iter.Next() {
		var b Block
		if err := json.Unmarshal(iter.Value(), &b); err != nil {
			return fmt.Errorf("failed to unmarshal block at %q: %w", iter.Key(), err)
		}
		if err := fn(&b); err != nil {
			return err
		}
	}
	return iter.Error()
}

// Verify walks the chain from the first block and checks numbering, hash
// links and block digests against the head, then replays the writes and
// compares the result with the world state. It returns the number of blocks
// checked.
func (j *Journal) Verify() (uint64, error) {
	head, err := j.Head()
	if err != nil {
		return 0, err
	}
	var (
		count uint64
		prev  string
		state = map[string][]byte{}
	)
	err = j.Blocks(1, func(b *Block) error {
		count++
		if b.Number != count {
			return fmt.Errorf("%w: expected block %d, found %d", ErrCorrupt, count, b.Number)
		}
		if b.PrevHash != prev {
			return fmt.Errorf("%w: block %d does not link to block %d", ErrCorrupt, b.Number, count-1)
		}
		digest, err := b.digest()
		if err != nil {
			return err
		}
		if digest != b.Hash {
			return fmt.Errorf("%w: block %d hash mismatch", ErrCorrupt, b.Number)
		}
		prev = b.Hash
		for _, w := range b.Writes {
			if w.Delete {
				delete(state, w.Key)
			} else {
				state[w.Key] = w.Value
			}
		}
		return nil
	})
	if err != nil {
		return count, err
	}
	if head.Number != count || head.Hash != prev {
		return count, fmt.Errorf("%w: head %d does not match last block %d", ErrCorrupt, head.Number, count)
	}
	return count, j.verifyState(state)
}

func (j *Journal) verifyState(want map[string][]byte) error {
	iter := j.db.NewIterator(util.BytesPrefix(worldPrefix), nil)
	defer iter.Release()
	seen := 0
	for iter.Next() {
		key := string(iter.Key()[len(worldPrefix):])
		v, ok := want[key]
		if !ok || !bytes.Equal(v, iter.Value()) {
			return fmt.Errorf("%w: state key %q does not match the blocks", ErrCorrupt, key)
		}
		seen++
	}
	if err := iter.Error(); err != nil {
		return err
	}
	if seen != len(want) {
		return fmt.Errorf("%w: %d state keys missing", ErrCorrupt, len(want)-seen)
	}
	return nil
}

func worldKey(key string) []byte {
	return append(append([]byte{}, worldPrefix...), key...)
}

func blockKey(n uint64) []byte {
	return []byte(fmt.Sprintf("%s%020d", blockPrefix, n))
}
