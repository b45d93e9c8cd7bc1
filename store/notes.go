package store

import (
	"encoding/binary"

	"github.com/cockroachdb/pebble"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/umbra-network/umbra/crypto"
)

const (
	NOTE_TREE = 0x0A

	NOTE_TREE_NODE = 0x00
	NOTE_TREE_SIZE = 0x01
)

// PebbleNoteTreeStore persists the note commitment tree. Node keys order
// by level then index so one level ranges contiguously.
type PebbleNoteTreeStore struct {
	db     KVDB
	logger *zap.Logger
}

type PebbleTreeTransaction struct {
	txn Transaction
}

type PebbleTreeNodeIterator struct {
	i Iterator
}

var _ crypto.TreeStore = (*PebbleNoteTreeStore)(nil)
var _ crypto.TreeStoreTransaction = (*PebbleTreeTransaction)(nil)
var _ crypto.TreeNodeIterator = (*PebbleTreeNodeIterator)(nil)

func NewPebbleNoteTreeStore(
	db KVDB,
	logger *zap.Logger,
) *PebbleNoteTreeStore {
	return &PebbleNoteTreeStore{
		db,
		logger,
	}
}

func treeNodeKey(level uint8, index uint32, side crypto.Side) []byte {
	key := []byte{NOTE_TREE, NOTE_TREE_NODE, level}
	key = binary.BigEndian.AppendUint32(key, index)
	key = append(key, byte(side))
	return key
}

func treeSizeKey() []byte {
	return []byte{NOTE_TREE, NOTE_TREE_SIZE}
}

func (p *PebbleNoteTreeStore) GetTreeNode(
	level uint8,
	index uint32,
	side crypto.Side,
) (crypto.TreeNode, error) {
	value, closer, err := p.db.Get(treeNodeKey(level, index, side))
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return nil, crypto.ErrNodeNotFound
		}
		return nil, errors.Wrap(err, "get tree node")
	}
	defer closer.Close()

	node, err := crypto.DecodeTreeNode(value)
	if err != nil {
		return nil, errors.Wrap(err, "get tree node")
	}

	if node.Side() != side {
		return nil, errors.Wrap(
			ErrInvalidData,
			"get tree node: side mismatch",
		)
	}

	return node, nil
}

func (p *PebbleNoteTreeStore) GetTreeSize() (uint64, error) {
	value, closer, err := p.db.Get(treeSizeKey())
	if err != nil {
		if errors.Is(err, pebble.ErrNotFound) {
			return 0, nil
		}
		return 0, errors.Wrap(err, "get tree size")
	}
	defer closer.Close()

	if len(value) != 8 {
		return 0, errors.Wrap(ErrInvalidData, "get tree size")
	}

	return binary.BigEndian.Uint64(value), nil
}

func (p *PebbleNoteTreeStore) RangeTreeNodes(
	level uint8,
	from uint32,
	to uint32,
) (crypto.TreeNodeIterator, error) {
	startKey := treeNodeKey(level, from, crypto.SideLeft)

	var endKey []byte
	if to == ^uint32(0) {
		endKey = []byte{
			NOTE_TREE, NOTE_TREE_NODE, level,
			0xff, 0xff, 0xff, 0xff, 0xff,
		}
	} else {
		endKey = treeNodeKey(level, to, crypto.SideLeft)
	}

	iter, err := p.db.NewIter(startKey, endKey)
	if err != nil {
		return nil, errors.Wrap(err, "range tree nodes")
	}

	return &PebbleTreeNodeIterator{i: iter}, nil
}

func (p *PebbleNoteTreeStore) NewTransaction() (
	crypto.TreeStoreTransaction,
	error,
) {
	return &PebbleTreeTransaction{txn: p.db.NewBatch(false)}, nil
}

func (t *PebbleTreeTransaction) PutTreeNode(
	level uint8,
	index uint32,
	node crypto.TreeNode,
) error {
	err := t.txn.Set(
		treeNodeKey(level, index, node.Side()),
		crypto.EncodeTreeNode(node),
	)
	if err != nil {
		return errors.Wrap(err, "put tree node")
	}

	return nil
}

func (t *PebbleTreeTransaction) PutTreeSize(size uint64) error {
	value := binary.BigEndian.AppendUint64(nil, size)

	if err := t.txn.Set(treeSizeKey(), value); err != nil {
		return errors.Wrap(err, "put tree size")
	}

	return nil
}

func (t *PebbleTreeTransaction) Commit() error {
	return errors.Wrap(t.txn.Commit(), "commit")
}

func (t *PebbleTreeTransaction) Abort() error {
	return errors.Wrap(t.txn.Abort(), "abort")
}

func (p *PebbleTreeNodeIterator) First() bool {
	return p.i.First()
}

func (p *PebbleTreeNodeIterator) Next() bool {
	return p.i.Next()
}

func (p *PebbleTreeNodeIterator) Valid() bool {
	return p.i.Valid()
}

func (p *PebbleTreeNodeIterator) Index() (uint32, error) {
	if !p.i.Valid() {
		return 0, crypto.ErrNodeNotFound
	}

	key := p.i.Key()
	if len(key) != 8 {
		return 0, errors.Wrap(
			ErrInvalidData,
			"get tree node iterator index",
		)
	}

	return binary.BigEndian.Uint32(key[3:7]), nil
}

func (p *PebbleTreeNodeIterator) Value() (crypto.TreeNode, error) {
	if !p.i.Valid() {
		return nil, crypto.ErrNodeNotFound
	}

	node, err := crypto.DecodeTreeNode(p.i.Value())
	if err != nil {
		return nil, errors.Wrap(
			errors.Wrap(err, ErrInvalidData.Error()),
			"get tree node iterator value",
		)
	}

	key := p.i.Key()
	if len(key) != 8 || crypto.Side(key[7]) != node.Side() {
		return nil, errors.Wrap(
			ErrInvalidData,
			"get tree node iterator value: side mismatch",
		)
	}

	return node, nil
}

func (p *PebbleTreeNodeIterator) Close() error {
	return errors.Wrap(p.i.Close(), "closing iterator")
}
