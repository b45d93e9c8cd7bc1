package store

import (
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/umbra-network/umbra/config"
	"github.com/umbra-network/umbra/crypto"
)

func newTestNoteTreeStore(t *testing.T) *PebbleNoteTreeStore {
	t.Helper()

	logger := zap.NewNop()
	db := NewPebbleDB(logger, &config.DBConfig{InMemoryDONOTUSE: true})
	t.Cleanup(func() { db.Close() })

	return NewPebbleNoteTreeStore(db, logger)
}

func nodeHash(fill byte) crypto.Hash {
	var h crypto.Hash
	for i := range h {
		h[i] = fill
	}
	return h
}

func TestTreeNodeRoundTrip(t *testing.T) {
	s := newTestNoteTreeStore(t)

	left := &crypto.LeftTreeNode{
		HashOfSibling: nodeHash(0x11),
		ParentIndex:   2,
		RightIndex:    5,
		HasRightIndex: true,
	}
	right := &crypto.RightTreeNode{
		HashOfSibling: nodeHash(0x22),
		LeftIndex:     4,
	}

	txn, err := s.NewTransaction()
	require.NoError(t, err)
	require.NoError(t, txn.PutTreeNode(1, 4, left))
	require.NoError(t, txn.PutTreeNode(1, 5, right))
	require.NoError(t, txn.Commit())

	gotLeft, err := s.GetTreeNode(1, 4, crypto.SideLeft)
	require.NoError(t, err)
	assert.Equal(t, left, gotLeft)

	gotRight, err := s.GetTreeNode(1, 5, crypto.SideRight)
	require.NoError(t, err)
	assert.Equal(t, right, gotRight)
}

func TestGetTreeNodeNotFound(t *testing.T) {
	s := newTestNoteTreeStore(t)

	_, err := s.GetTreeNode(0, 0, crypto.SideLeft)
	assert.True(t, errors.Is(err, crypto.ErrNodeNotFound))
}

func TestGetTreeNodeWrongSide(t *testing.T) {
	s := newTestNoteTreeStore(t)

	txn, err := s.NewTransaction()
	require.NoError(t, err)
	require.NoError(t, txn.PutTreeNode(0, 2, &crypto.LeftTreeNode{
		HashOfSibling: nodeHash(0x33),
		ParentIndex:   1,
	}))
	require.NoError(t, txn.Commit())

	// The side is part of the key, a mismatched lookup misses.
	_, err = s.GetTreeNode(0, 2, crypto.SideRight)
	assert.True(t, errors.Is(err, crypto.ErrNodeNotFound))
}

func TestTreeSize(t *testing.T) {
	s := newTestNoteTreeStore(t)

	size, err := s.GetTreeSize()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), size)

	txn, err := s.NewTransaction()
	require.NoError(t, err)
	require.NoError(t, txn.PutTreeSize(42))
	require.NoError(t, txn.Commit())

	size, err = s.GetTreeSize()
	require.NoError(t, err)
	assert.Equal(t, uint64(42), size)
}

func TestRangeTreeNodes(t *testing.T) {
	s := newTestNoteTreeStore(t)

	txn, err := s.NewTransaction()
	require.NoError(t, err)
	for i := uint32(0); i < 5; i++ {
		var node crypto.TreeNode
		if i%2 == 0 {
			node = &crypto.LeftTreeNode{
				HashOfSibling: nodeHash(byte(i)),
				ParentIndex:   i >> 1,
			}
		} else {
			node = &crypto.RightTreeNode{
				HashOfSibling: nodeHash(byte(i)),
				LeftIndex:     i - 1,
			}
		}
		require.NoError(t, txn.PutTreeNode(0, i, node))
	}
	// A node on another level must not leak into the range.
	require.NoError(t, txn.PutTreeNode(1, 0, &crypto.LeftTreeNode{
		HashOfSibling: nodeHash(0xff),
		ParentIndex:   0,
	}))
	require.NoError(t, txn.Commit())

	iter, err := s.RangeTreeNodes(0, 0, ^uint32(0))
	require.NoError(t, err)
	defer iter.Close()

	var indices []uint32
	for valid := iter.First(); valid; valid = iter.Next() {
		index, err := iter.Index()
		require.NoError(t, err)

		node, err := iter.Value()
		require.NoError(t, err)
		assert.Equal(t, nodeHash(byte(index)), node.SiblingHash())

		indices = append(indices, index)
	}
	assert.Equal(t, []uint32{0, 1, 2, 3, 4}, indices)

	partial, err := s.RangeTreeNodes(0, 1, 3)
	require.NoError(t, err)
	defer partial.Close()

	indices = nil
	for valid := partial.First(); valid; valid = partial.Next() {
		index, err := partial.Index()
		require.NoError(t, err)
		indices = append(indices, index)
	}
	assert.Equal(t, []uint32{1, 2}, indices)
}

func TestTransactionAtomicity(t *testing.T) {
	s := newTestNoteTreeStore(t)

	txn, err := s.NewTransaction()
	require.NoError(t, err)
	require.NoError(t, txn.PutTreeNode(0, 0, &crypto.LeftTreeNode{
		HashOfSibling: nodeHash(0x44),
		ParentIndex:   0,
	}))
	require.NoError(t, txn.PutTreeSize(1))

	// Nothing is visible before commit.
	_, err = s.GetTreeNode(0, 0, crypto.SideLeft)
	assert.True(t, errors.Is(err, crypto.ErrNodeNotFound))

	size, err := s.GetTreeSize()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), size)

	require.NoError(t, txn.Commit())

	_, err = s.GetTreeNode(0, 0, crypto.SideLeft)
	require.NoError(t, err)

	size, err = s.GetTreeSize()
	require.NoError(t, err)
	assert.Equal(t, uint64(1), size)
}

func TestTransactionAbort(t *testing.T) {
	s := newTestNoteTreeStore(t)

	txn, err := s.NewTransaction()
	require.NoError(t, err)
	require.NoError(t, txn.PutTreeNode(0, 0, &crypto.LeftTreeNode{
		HashOfSibling: nodeHash(0x55),
		ParentIndex:   0,
	}))
	require.NoError(t, txn.PutTreeSize(1))
	require.NoError(t, txn.Abort())

	_, err = s.GetTreeNode(0, 0, crypto.SideLeft)
	assert.True(t, errors.Is(err, crypto.ErrNodeNotFound))

	size, err := s.GetTreeSize()
	require.NoError(t, err)
	assert.Equal(t, uint64(0), size)
}
