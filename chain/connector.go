package chain

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/umbra-network/umbra/crypto"
)

// Block is the slice of a validated block the note tree cares about: the
// shielded note commitments in transaction order. Validation, consensus
// and the rest of the block body live upstream.
type Block struct {
	Height      uint64
	Hash        crypto.Hash
	Commitments []crypto.Hash
}

// Connector feeds connected blocks into the commitment tree. Blocks
// arrive strictly in chain order from a single caller; a failed append
// aborts the block and the chain must not advance past it.
type Connector struct {
	tree    *crypto.CommitmentTree
	logger  *zap.Logger
	metrics *Metrics
}

func NewConnector(
	tree *crypto.CommitmentTree,
	logger *zap.Logger,
	metrics *Metrics,
) *Connector {
	return &Connector{
		tree:    tree,
		logger:  logger,
		metrics: metrics,
	}
}

// ConnectBlock appends every commitment of the block and returns the new
// tree size. The first failing append stops the block; earlier appends of
// the same block stay committed, matching replay from the same position.
func (c *Connector) ConnectBlock(
	ctx context.Context,
	block *Block,
) (uint64, error) {
	size, err := c.tree.Size()
	if err != nil {
		return 0, errors.Wrap(err, "connect block")
	}

	for i, commitment := range block.Commitments {
		if err := ctx.Err(); err != nil {
			return size, errors.Wrap(err, "connect block")
		}

		start := time.Now()
		size, err = c.tree.Append(commitment)
		if err != nil {
			return size, errors.Wrapf(
				err,
				"connect block %d: note %d",
				block.Height,
				i,
			)
		}

		c.metrics.noteAppended(time.Since(start).Seconds())
	}

	c.metrics.blockConnected()
	c.metrics.SetTreeSize(size)

	c.logger.Debug(
		"connected block",
		zap.Uint64("height", block.Height),
		zap.Int("notes", len(block.Commitments)),
		zap.Uint64("tree_size", size),
	)

	return size, nil
}
