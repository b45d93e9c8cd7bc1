package crypto

import (
	"bytes"
	"context"
	"sync"

	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	// maxTreeDepth bounds the tree at 2^32 leaves, matching the uint32
	// index width of the node encoding.
	maxTreeDepth = 32
	maxTreeSize  = uint64(1) << maxTreeDepth
)

// TreeStore is the persistence contract the commitment tree runs over.
// Reads always observe previously committed state; writes happen only
// through transactions so that an append is all-or-nothing.
type TreeStore interface {
	GetTreeNode(level uint8, index uint32, side Side) (TreeNode, error)
	GetTreeSize() (uint64, error)
	// RangeTreeNodes iterates nodes of one level ordered by index, over
	// [from, to). Passing math.MaxUint32 as to covers the whole level.
	RangeTreeNodes(level uint8, from uint32, to uint32) (
		TreeNodeIterator,
		error,
	)
	NewTransaction() (TreeStoreTransaction, error)
}

type TreeStoreTransaction interface {
	PutTreeNode(level uint8, index uint32, node TreeNode) error
	PutTreeSize(size uint64) error
	Commit() error
	Abort() error
}

type TreeNodeIterator interface {
	First() bool
	Next() bool
	Valid() bool
	Index() (uint32, error)
	Value() (TreeNode, error)
	Close() error
}

// CommitmentTree is the append-only incremental Merkle tree of shielded
// note commitments. All state lives in the store; the struct itself only
// caches the per-level empty subtree hashes.
//
// Persisted hash fields are written once with their final value (open
// left nodes hold the empty placeholder until their right sibling's
// subtree completes, then are amended exactly once). Because a complete
// subtree never changes again, readers need no locking: any root, past
// root or witness bounded by a size the reader has observed is computed
// from immutable state, even while appends continue.
type CommitmentTree struct {
	store  TreeStore
	hasher NoteHasher
	logger *zap.Logger
	empty  []Hash

	writeMx sync.Mutex
}

func NewCommitmentTree(
	store TreeStore,
	hasher NoteHasher,
	logger *zap.Logger,
) (*CommitmentTree, error) {
	tree := &CommitmentTree{
		store:  store,
		hasher: hasher,
		logger: logger,
		empty:  emptyHashes(hasher),
	}

	size, err := store.GetTreeSize()
	if err != nil {
		return nil, errors.Wrap(err, "new commitment tree")
	}

	logger.Debug("opened commitment tree", zap.Uint64("size", size))

	return tree, nil
}

// Size returns the number of leaves appended so far.
func (t *CommitmentTree) Size() (uint64, error) {
	size, err := t.store.GetTreeSize()
	if err != nil {
		return 0, errors.Wrap(err, "size")
	}

	return size, nil
}

// treeDepth is the smallest d with 2^d >= size, the height of the
// smallest complete tree that can hold size leaves.
func treeDepth(size uint64) uint8 {
	d := uint8(0)
	for (uint64(1) << d) < size {
		d++
	}
	return d
}

// Append adds one note commitment as the next leaf and returns the new
// tree size. There is a single logical writer; concurrent callers are
// serialized. All writes of one append commit atomically, a failure
// leaves the tree untouched.
func (t *CommitmentTree) Append(commitment Hash) (uint64, error) {
	t.writeMx.Lock()
	defer t.writeMx.Unlock()

	size, err := t.store.GetTreeSize()
	if err != nil {
		return 0, errors.Wrap(err, "append")
	}

	if size >= maxTreeSize {
		return 0, errors.Wrap(ErrOutOfRange, "append: tree is full")
	}

	txn, err := t.store.NewTransaction()
	if err != nil {
		return 0, errors.Wrap(err, "append")
	}

	if err = t.appendLeaf(txn, uint32(size), commitment); err != nil {
		txn.Abort()
		return 0, errors.Wrap(err, "append")
	}

	if err = txn.PutTreeSize(size + 1); err != nil {
		txn.Abort()
		return 0, errors.Wrap(err, "append")
	}

	if err = txn.Commit(); err != nil {
		txn.Abort()
		return 0, errors.Wrap(err, "append")
	}

	return size + 1, nil
}

// appendLeaf writes the leaf for index n plus the structural cascade:
// whenever the subtree ending at n completes at some level, the node
// holding its final hash is amended and, on a half-complete parent, the
// parent node is created. Every read targets state committed by earlier
// appends, never this transaction's own writes.
func (t *CommitmentTree) appendLeaf(
	txn TreeStoreTransaction,
	n uint32,
	commitment Hash,
) error {
	if n%2 == 0 {
		err := txn.PutTreeNode(0, n, &LeftTreeNode{
			HashOfSibling: commitment,
			ParentIndex:   n >> 1,
		})
		if err != nil {
			return err
		}
	} else {
		err := txn.PutTreeNode(0, n, &RightTreeNode{
			HashOfSibling: commitment,
			LeftIndex:     n - 1,
		})
		if err != nil {
			return err
		}

		// The left leaf keeps its own commitment hash, it only gains
		// the pairing link.
		partner, err := t.store.GetTreeNode(0, n-1, SideLeft)
		if err != nil {
			return err
		}

		err = txn.PutTreeNode(0, n-1, &LeftTreeNode{
			HashOfSibling: partner.SiblingHash(),
			ParentIndex:   n >> 1,
			RightIndex:    n,
			HasRightIndex: true,
		})
		if err != nil {
			return err
		}
	}

	// Climb the completed subtrees. Invariant: (level, index) is the
	// subtree whose last leaf is n and h is its final hash.
	h := commitment
	index := n
	for level := uint8(0); ; level++ {
		if index%2 == 1 {
			// A right subtree completed, so its parent completed too.
			// Record the final hash on the left partner (level 0 leaves
			// keep their own commitment instead) and keep climbing.
			if level >= 1 {
				err := txn.PutTreeNode(level, index-1, &LeftTreeNode{
					HashOfSibling: h,
					ParentIndex:   index >> 1,
					RightIndex:    index,
					HasRightIndex: true,
				})
				if err != nil {
					return err
				}
			}

			var leftHash Hash
			if level == 0 {
				leaf, err := t.store.GetTreeNode(0, index-1, SideLeft)
				if err != nil {
					return err
				}
				leftHash = leaf.SiblingHash()
			} else {
				// The right node stored the left partner's final hash
				// when it was created.
				self, err := t.store.GetTreeNode(level, index, SideRight)
				if err != nil {
					return err
				}
				leftHash = self.SiblingHash()
			}

			h = t.hasher.Combine(level, leftHash, h)
			index >>= 1
			continue
		}

		// A left subtree completed: its parent is now half full. Create
		// the parent and stop, nothing above can be complete yet.
		if level+1 > maxTreeDepth {
			return nil
		}

		parent := index >> 1
		if parent%2 == 0 {
			return txn.PutTreeNode(level+1, parent, &LeftTreeNode{
				HashOfSibling: t.empty[level+1],
				ParentIndex:   parent >> 1,
			})
		}

		// A right parent pairs with a complete left sibling whose final
		// hash is recoverable from its children.
		siblingHash, err := t.completeLeftNodeHash(level+1, parent-1)
		if err != nil {
			return err
		}

		err = txn.PutTreeNode(level+1, parent, &RightTreeNode{
			HashOfSibling: siblingHash,
			LeftIndex:     parent - 1,
		})
		if err != nil {
			return err
		}

		return txn.PutTreeNode(level+1, parent-1, &LeftTreeNode{
			HashOfSibling: t.empty[level+1],
			ParentIndex:   parent >> 1,
			RightIndex:    parent,
			HasRightIndex: true,
		})
	}
}

// completeLeftNodeHash recovers the final hash of a complete left node
// whose right partner does not hold it (or does not exist). Both children
// exist and are complete, and each child pair stores the other's final
// hash, so one level of reads suffices.
func (t *CommitmentTree) completeLeftNodeHash(
	level uint8,
	index uint32,
) (Hash, error) {
	if level == 1 {
		left, err := t.store.GetTreeNode(0, index<<1, SideLeft)
		if err != nil {
			return Hash{}, err
		}

		right, err := t.store.GetTreeNode(0, index<<1+1, SideRight)
		if err != nil {
			return Hash{}, err
		}

		return t.hasher.Combine(
			0,
			left.SiblingHash(),
			right.SiblingHash(),
		), nil
	}

	leftChild, err := t.store.GetTreeNode(level-1, index<<1, SideLeft)
	if err != nil {
		return Hash{}, err
	}

	rightChild, err := t.store.GetTreeNode(level-1, index<<1+1, SideRight)
	if err != nil {
		return Hash{}, err
	}

	return t.hasher.Combine(
		level-1,
		rightChild.SiblingHash(),
		leftChild.SiblingHash(),
	), nil
}

// completeNodeHash is the final hash of the complete subtree rooted at
// (level, index), read from persisted state.
func (t *CommitmentTree) completeNodeHash(
	level uint8,
	index uint32,
) (Hash, error) {
	if level == 0 {
		leaf, err := t.store.GetTreeNode(0, index, SideOfIndex(index))
		if err != nil {
			return Hash{}, err
		}
		return leaf.SiblingHash(), nil
	}

	if index%2 == 1 {
		// The left partner was amended with this node's final hash when
		// this subtree completed.
		partner, err := t.store.GetTreeNode(level, index-1, SideLeft)
		if err != nil {
			return Hash{}, err
		}
		return partner.SiblingHash(), nil
	}

	partner, err := t.store.GetTreeNode(level, index+1, SideRight)
	if err == nil {
		return partner.SiblingHash(), nil
	}
	if !errors.Is(err, ErrNodeNotFound) {
		return Hash{}, err
	}

	return t.completeLeftNodeHash(level, index)
}

// subtreeHash computes the hash of the subtree rooted at (level, index)
// when only the first `bound` leaves of the tree are considered present.
// Complete subtrees come straight from persisted state; partial ones
// recurse and absent ones use the cached empty hashes.
func (t *CommitmentTree) subtreeHash(
	level uint8,
	index uint32,
	bound uint64,
) (Hash, error) {
	start := uint64(index) << level
	if start >= bound {
		return t.empty[level], nil
	}

	if start+(uint64(1)<<level) <= bound {
		return t.completeNodeHash(level, index)
	}

	left, err := t.subtreeHash(level-1, index<<1, bound)
	if err != nil {
		return Hash{}, err
	}

	right, err := t.subtreeHash(level-1, index<<1+1, bound)
	if err != nil {
		return Hash{}, err
	}

	return t.hasher.Combine(level-1, left, right), nil
}

// RootHash returns the current root, the past root at the current size.
func (t *CommitmentTree) RootHash() (Hash, error) {
	size, err := t.store.GetTreeSize()
	if err != nil {
		return Hash{}, errors.Wrap(err, "root hash")
	}

	root, err := t.PastRoot(size)
	if err != nil {
		return Hash{}, errors.Wrap(err, "root hash")
	}

	return root, nil
}

// PastRoot returns the root the tree had when it held exactly pastSize
// leaves. Later appends never change the result.
func (t *CommitmentTree) PastRoot(pastSize uint64) (Hash, error) {
	size, err := t.store.GetTreeSize()
	if err != nil {
		return Hash{}, errors.Wrap(err, "past root")
	}

	if pastSize > size {
		return Hash{}, errors.Wrapf(
			ErrOutOfRange,
			"past root: size %d exceeds tree size %d",
			pastSize,
			size,
		)
	}

	if pastSize == 0 {
		return t.empty[0], nil
	}

	root, err := t.subtreeHash(treeDepth(pastSize), 0, pastSize)
	if err != nil {
		return Hash{}, errors.Wrap(err, "past root")
	}

	return root, nil
}

// WitnessNode is one step of an authentication path: the hash of the
// sibling subtree and the side that sibling sits on.
type WitnessNode struct {
	Side          Side
	HashOfSibling Hash
}

// Witness is the membership proof of one leaf against the root at
// TreeSize. The path is ordered bottom-up, one node per level.
type Witness struct {
	TreeSize uint64
	RootHash Hash
	AuthPath []WitnessNode
}

// Verify recombines the leaf commitment with the authentication path and
// reports whether it reaches the witnessed root.
func (w *Witness) Verify(hasher NoteHasher, commitment Hash) bool {
	current := commitment
	for level, step := range w.AuthPath {
		if step.Side == SideRight {
			current = hasher.Combine(
				uint8(level),
				current,
				step.HashOfSibling,
			)
		} else {
			current = hasher.Combine(
				uint8(level),
				step.HashOfSibling,
				current,
			)
		}
	}

	return bytes.Equal(current[:], w.RootHash[:])
}

// Witness produces the authentication path of leaf `index` against the
// current root. Missing sibling subtrees contribute their empty hashes,
// partially filled ones their padded hashes.
func (t *CommitmentTree) Witness(index uint32) (*Witness, error) {
	size, err := t.store.GetTreeSize()
	if err != nil {
		return nil, errors.Wrap(err, "witness")
	}

	if uint64(index) >= size {
		return nil, errors.Wrapf(
			ErrOutOfRange,
			"witness: leaf %d not in tree of size %d",
			index,
			size,
		)
	}

	depth := treeDepth(size)
	path := make([]WitnessNode, 0, depth)
	for level := uint8(0); level < depth; level++ {
		sibling := (index >> level) ^ 1

		siblingHash, err := t.subtreeHash(level, sibling, size)
		if err != nil {
			return nil, errors.Wrap(err, "witness")
		}

		path = append(path, WitnessNode{
			Side:          SideOfIndex(sibling),
			HashOfSibling: siblingHash,
		})
	}

	root, err := t.PastRoot(size)
	if err != nil {
		return nil, errors.Wrap(err, "witness")
	}

	return &Witness{
		TreeSize: size,
		RootHash: root,
		AuthPath: path,
	}, nil
}

// RehashTree recomputes every level of the tree from the persisted leaves
// and checks the stored nodes, their pairing links and their sibling
// hashes against the recomputation, finishing with the root itself. It
// performs no writes; any divergence returns ErrIntegrity and the store
// must be rebuilt from genesis. Cancellable between levels via ctx.
func (t *CommitmentTree) RehashTree(ctx context.Context) error {
	size, err := t.store.GetTreeSize()
	if err != nil {
		return errors.Wrap(err, "rehash tree")
	}

	if size == 0 {
		return nil
	}

	t.logger.Info("rehashing commitment tree", zap.Uint64("size", size))

	current, err := t.rehashLeaves(size)
	if err != nil {
		return errors.Wrap(err, "rehash tree")
	}

	depth := treeDepth(size)
	computedRoot := current[0]
	for level := uint8(1); level <= maxTreeDepth &&
		uint64(1)<<(level-1) <= size; level++ {
		if err := ctx.Err(); err != nil {
			return errors.Wrap(err, "rehash tree")
		}

		next := make([]Hash, (len(current)+1)/2)
		for i := range next {
			right := t.empty[level-1]
			if i<<1+1 < len(current) {
				right = current[i<<1+1]
			}
			next[i] = t.hasher.Combine(level-1, current[i<<1], right)
		}

		if err := t.rehashLevel(level, size, next); err != nil {
			return errors.Wrap(err, "rehash tree")
		}

		if level == depth {
			computedRoot = next[0]
		}

		current = next
	}

	root, err := t.PastRoot(size)
	if err != nil {
		return errors.Wrap(err, "rehash tree")
	}

	if !bytes.Equal(computedRoot[:], root[:]) {
		return errors.Wrap(ErrIntegrity, "rehash tree: root mismatch")
	}

	t.logger.Info("commitment tree verified", zap.Uint64("size", size))

	return nil
}

// rehashLeaves streams level 0, validating contiguity, sides and pairing
// links, and returns the leaf hashes in order.
func (t *CommitmentTree) rehashLeaves(size uint64) ([]Hash, error) {
	leaves := make([]Hash, 0, size)

	iter, err := t.store.RangeTreeNodes(0, 0, ^uint32(0))
	if err != nil {
		return nil, err
	}
	defer iter.Close()

	for valid := iter.First(); valid; valid = iter.Next() {
		index, err := iter.Index()
		if err != nil {
			return nil, err
		}

		if uint64(index) != uint64(len(leaves)) {
			return nil, errors.Wrapf(
				ErrIntegrity,
				"leaf %d out of sequence at position %d",
				index,
				len(leaves),
			)
		}

		node, err := iter.Value()
		if err != nil {
			return nil, err
		}

		switch leaf := node.(type) {
		case *LeftTreeNode:
			if SideOfIndex(index) != SideLeft ||
				leaf.ParentIndex != index>>1 {
				return nil, errors.Wrapf(
					ErrIntegrity,
					"leaf %d has invalid linkage",
					index,
				)
			}
			paired := uint64(index)+1 < size
			if leaf.HasRightIndex != paired ||
				(paired && leaf.RightIndex != index+1) {
				return nil, errors.Wrapf(
					ErrIntegrity,
					"leaf %d has invalid pairing",
					index,
				)
			}
		case *RightTreeNode:
			if SideOfIndex(index) != SideRight ||
				leaf.LeftIndex != index-1 {
				return nil, errors.Wrapf(
					ErrIntegrity,
					"leaf %d has invalid linkage",
					index,
				)
			}
		}

		leaves = append(leaves, node.SiblingHash())
	}

	if uint64(len(leaves)) != size {
		return nil, errors.Wrapf(
			ErrIntegrity,
			"tree size %d but %d leaves stored",
			size,
			len(leaves),
		)
	}

	return leaves, nil
}

// rehashLevel checks the stored nodes of one internal level against the
// recomputed hashes of that level. hashes[i] is the padded hash of
// subtree (level, i); entries over complete subtrees are final.
func (t *CommitmentTree) rehashLevel(
	level uint8,
	size uint64,
	hashes []Hash,
) error {
	// A node exists once the left half of its subtree is complete.
	exists := func(index uint64) bool {
		return (index<<1+1)<<(level-1) <= size
	}

	count := uint64(0)
	for exists(count) {
		count++
	}

	iter, err := t.store.RangeTreeNodes(level, 0, ^uint32(0))
	if err != nil {
		return err
	}
	defer iter.Close()

	seen := uint64(0)
	for valid := iter.First(); valid; valid = iter.Next() {
		index, err := iter.Index()
		if err != nil {
			return err
		}

		if uint64(index) != seen {
			return errors.Wrapf(
				ErrIntegrity,
				"level %d node %d out of sequence",
				level,
				index,
			)
		}
		seen++

		node, err := iter.Value()
		if err != nil {
			return err
		}

		switch n := node.(type) {
		case *LeftTreeNode:
			if SideOfIndex(index) != SideLeft ||
				n.ParentIndex != index>>1 {
				return errors.Wrapf(
					ErrIntegrity,
					"level %d node %d has invalid linkage",
					level,
					index,
				)
			}

			paired := exists(uint64(index) + 1)
			if n.HasRightIndex != paired ||
				(paired && n.RightIndex != index+1) {
				return errors.Wrapf(
					ErrIntegrity,
					"level %d node %d has invalid pairing",
					level,
					index,
				)
			}

			// Amended with the sibling's final hash only once the
			// sibling's subtree completed, the placeholder before.
			want := t.empty[level]
			if (uint64(index)+2)<<level <= size {
				want = hashes[index+1]
			}
			if !bytes.Equal(n.HashOfSibling[:], want[:]) {
				return errors.Wrapf(
					ErrIntegrity,
					"level %d node %d sibling hash mismatch",
					level,
					index,
				)
			}
		case *RightTreeNode:
			if SideOfIndex(index) != SideRight ||
				n.LeftIndex != index-1 {
				return errors.Wrapf(
					ErrIntegrity,
					"level %d node %d has invalid linkage",
					level,
					index,
				)
			}

			if !bytes.Equal(
				n.HashOfSibling[:],
				hashes[index-1][:],
			) {
				return errors.Wrapf(
					ErrIntegrity,
					"level %d node %d sibling hash mismatch",
					level,
					index,
				)
			}
		}
	}

	if seen != count {
		return errors.Wrapf(
			ErrIntegrity,
			"level %d has %d nodes, expected %d",
			level,
			seen,
			count,
		)
	}

	return nil
}
