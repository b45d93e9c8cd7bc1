package chain

import (
	"encoding/hex"

	"github.com/pkg/errors"

	"github.com/umbra-network/umbra/crypto"
)

// Reader is the wallet/RPC read surface of the note tree. Hashes go out
// hex encoded, ready for wire serialization.
type Reader struct {
	tree *crypto.CommitmentTree
}

func NewReader(tree *crypto.CommitmentTree) *Reader {
	return &Reader{tree: tree}
}

// NoteWitness is the serializable form of a witness. Sides are "Left" or
// "Right", hashes hex.
type NoteWitness struct {
	TreeSize uint64        `json:"treeSize"`
	RootHash string        `json:"rootHash"`
	AuthPath []WitnessStep `json:"authPath"`
}

type WitnessStep struct {
	Side          string `json:"side"`
	HashOfSibling string `json:"hashOfSibling"`
}

func sideName(side crypto.Side) string {
	if side == crypto.SideLeft {
		return "Left"
	}
	return "Right"
}

func (r *Reader) Size() (uint64, error) {
	return r.tree.Size()
}

func (r *Reader) RootHex() (string, error) {
	root, err := r.tree.RootHash()
	if err != nil {
		return "", errors.Wrap(err, "root hex")
	}

	return hex.EncodeToString(root[:]), nil
}

func (r *Reader) PastRootHex(pastSize uint64) (string, error) {
	root, err := r.tree.PastRoot(pastSize)
	if err != nil {
		return "", errors.Wrap(err, "past root hex")
	}

	return hex.EncodeToString(root[:]), nil
}

func (r *Reader) NoteWitness(index uint32) (*NoteWitness, error) {
	witness, err := r.tree.Witness(index)
	if err != nil {
		return nil, errors.Wrap(err, "note witness")
	}

	path := make([]WitnessStep, len(witness.AuthPath))
	for i, step := range witness.AuthPath {
		path[i] = WitnessStep{
			Side:          sideName(step.Side),
			HashOfSibling: hex.EncodeToString(step.HashOfSibling[:]),
		}
	}

	return &NoteWitness{
		TreeSize: witness.TreeSize,
		RootHash: hex.EncodeToString(witness.RootHash[:]),
		AuthPath: path,
	}, nil
}
