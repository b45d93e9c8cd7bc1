package crypto

import (
	"encoding/binary"

	"github.com/pkg/errors"
)

var (
	// ErrFormat indicates an encoded tree node that does not match the
	// on-disk layout, from corrupt storage or version skew.
	ErrFormat = errors.New("malformed tree node encoding")
	// ErrNodeNotFound is returned by tree stores for an absent node.
	ErrNodeNotFound = errors.New("tree node not found")
	// ErrOutOfRange indicates an index or size parameter beyond the current
	// tree size.
	ErrOutOfRange = errors.New("index out of range")
	// ErrIntegrity indicates that a full rehash disagrees with the
	// incrementally maintained state. It is never repaired in place; the
	// store must be rebuilt from genesis.
	ErrIntegrity = errors.New("commitment tree integrity fault")
)

// Side records which child slot a node occupies under its parent. The
// values are part of the on-disk layout.
type Side uint8

const (
	SideLeft  Side = 0x00
	SideRight Side = 0x01
)

// SideOfIndex returns the side implied by a node's position: even indices
// pair on the left, odd on the right.
func SideOfIndex(index uint32) Side {
	if index%2 == 0 {
		return SideLeft
	}
	return SideRight
}

// TreeNode is a vertex of the note commitment tree, identified externally
// by its (level, index, side) key. Left and right nodes carry different
// link fields, so the two shapes are distinct types rather than one struct
// with nullable fields.
//
// At levels one and above a node stores its sibling's hash, not its own:
// the pair holds each other's hashes and either own hash is recomputable
// by combining one level down. Level-zero nodes are the degenerate case
// and hold the note commitment itself.
type TreeNode interface {
	Side() Side
	SiblingHash() Hash
	EncodedSize() int
}

// LeftTreeNode occupies the left slot of a pair. ParentIndex is always
// known, since inserting a left node always targets a parent slot.
// RightIndex is recorded only once the pairing right node is appended;
// until then the node is "open" and HashOfSibling holds the deterministic
// empty subtree hash for its level.
type LeftTreeNode struct {
	HashOfSibling Hash
	ParentIndex   uint32
	RightIndex    uint32
	HasRightIndex bool
}

// RightTreeNode occupies the right slot of a pair. It is only ever created
// to pair with an existing open left node, so LeftIndex is always known.
type RightTreeNode struct {
	HashOfSibling Hash
	LeftIndex     uint32
}

var _ TreeNode = (*LeftTreeNode)(nil)
var _ TreeNode = (*RightTreeNode)(nil)

func (n *LeftTreeNode) Side() Side        { return SideLeft }
func (n *LeftTreeNode) SiblingHash() Hash { return n.HashOfSibling }

func (n *RightTreeNode) Side() Side        { return SideRight }
func (n *RightTreeNode) SiblingHash() Hash { return n.HashOfSibling }

// Encoded layout, consensus relevant and identical across the network:
//
//	sibling_hash (32) | side_tag (1) | index (4, big endian) | [right_index (4, big endian)]
//
// The trailing index is present only for a left node with a recorded right
// index; presence is disambiguated purely by buffer length, there is no
// separate flag byte.
const (
	encodedHashSize           = 32
	encodedNodeSize           = encodedHashSize + 1 + 4
	encodedPairedLeftNodeSize = encodedNodeSize + 4
)

func (n *LeftTreeNode) EncodedSize() int {
	if n.HasRightIndex {
		return encodedPairedLeftNodeSize
	}
	return encodedNodeSize
}

func (n *RightTreeNode) EncodedSize() int {
	return encodedNodeSize
}

// EncodeTreeNode serializes a node into its fixed-field binary form.
func EncodeTreeNode(node TreeNode) []byte {
	out := make([]byte, 0, node.EncodedSize())

	switch n := node.(type) {
	case *LeftTreeNode:
		out = append(out, n.HashOfSibling[:]...)
		out = append(out, byte(SideLeft))
		out = binary.BigEndian.AppendUint32(out, n.ParentIndex)
		if n.HasRightIndex {
			out = binary.BigEndian.AppendUint32(out, n.RightIndex)
		}
	case *RightTreeNode:
		out = append(out, n.HashOfSibling[:]...)
		out = append(out, byte(SideRight))
		out = binary.BigEndian.AppendUint32(out, n.LeftIndex)
	}

	return out
}

// DecodeTreeNode is the exact inverse of EncodeTreeNode. It fails with
// ErrFormat when the buffer length does not match one of the two valid
// sizes for its side tag.
func DecodeTreeNode(data []byte) (TreeNode, error) {
	if len(data) != encodedNodeSize && len(data) != encodedPairedLeftNodeSize {
		return nil, errors.Wrapf(
			ErrFormat,
			"decode tree node: invalid length %d",
			len(data),
		)
	}

	var hash Hash
	copy(hash[:], data[:encodedHashSize])
	tag := data[encodedHashSize]
	index := binary.BigEndian.Uint32(data[encodedHashSize+1:])

	switch Side(tag) {
	case SideLeft:
		node := &LeftTreeNode{
			HashOfSibling: hash,
			ParentIndex:   index,
		}
		if len(data) == encodedPairedLeftNodeSize {
			node.RightIndex = binary.BigEndian.Uint32(data[encodedNodeSize:])
			node.HasRightIndex = true
		}
		return node, nil
	case SideRight:
		if len(data) != encodedNodeSize {
			return nil, errors.Wrap(
				ErrFormat,
				"decode tree node: trailing bytes on right node",
			)
		}
		return &RightTreeNode{
			HashOfSibling: hash,
			LeftIndex:     index,
		}, nil
	default:
		return nil, errors.Wrapf(
			ErrFormat,
			"decode tree node: unknown side tag %#02x",
			tag,
		)
	}
}
