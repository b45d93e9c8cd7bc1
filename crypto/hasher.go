package crypto

import (
	"lukechampine.com/blake3"
)

// Hash is the 32-byte value flowing through the commitment tree: note
// commitments at level zero, combined subtree hashes above it.
type Hash [32]byte

// NoteHasher is the combine function for the note commitment tree. It is
// treated as an opaque, deterministic, collision-resistant primitive; the
// tree never hashes raw note contents itself.
type NoteHasher interface {
	// Combine produces the level+1 hash of two level-`level` child hashes.
	Combine(level uint8, left Hash, right Hash) Hash
	// EmptyLeaf is the fixed convention for an absent leaf, the base of the
	// per-level empty subtree hashes.
	EmptyLeaf() Hash
}

const blake3CombineDomain = "umbra.notetree.v1"

// Blake3NoteHasher combines child hashes with BLAKE3, domain separated by
// tree level so that subtrees of different heights can never collide.
type Blake3NoteHasher struct{}

var _ NoteHasher = Blake3NoteHasher{}

func (Blake3NoteHasher) Combine(level uint8, left Hash, right Hash) Hash {
	h := blake3.New(32, nil)
	h.Write([]byte(blake3CombineDomain))
	h.Write([]byte{level})
	h.Write(left[:])
	h.Write(right[:])

	var out Hash
	copy(out[:], h.Sum(nil))
	return out
}

func (Blake3NoteHasher) EmptyLeaf() Hash {
	return Hash{}
}

// emptyHashes precomputes the hash of a completely empty subtree for every
// level the tree can reach. Cached per tree instance so two independent
// trees with different hashers never share state.
func emptyHashes(hasher NoteHasher) []Hash {
	empty := make([]Hash, maxTreeDepth+1)
	empty[0] = hasher.EmptyLeaf()
	for level := uint8(0); level < maxTreeDepth; level++ {
		empty[level+1] = hasher.Combine(level, empty[level], empty[level])
	}
	return empty
}
