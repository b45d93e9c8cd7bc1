package chain

import (
	"context"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/umbra-network/umbra/config"
	"github.com/umbra-network/umbra/crypto"
	"github.com/umbra-network/umbra/store"
)

func TestMetricsCollection(t *testing.T) {
	logger := zap.NewNop()
	db := store.NewPebbleDB(logger, &config.DBConfig{InMemoryDONOTUSE: true})
	t.Cleanup(func() { db.Close() })

	tree, err := crypto.NewCommitmentTree(
		store.NewPebbleNoteTreeStore(db, logger),
		crypto.Blake3NoteHasher{},
		logger,
	)
	require.NoError(t, err)

	registry := prometheus.NewRegistry()
	metrics := NewMetrics(registry)
	connector := NewConnector(tree, logger, metrics)

	commitments := make([]crypto.Hash, 3)
	for i := range commitments {
		commitments[i][0] = byte(i + 1)
	}

	_, err = connector.ConnectBlock(context.Background(), &Block{
		Height:      1,
		Commitments: commitments,
	})
	require.NoError(t, err)

	assert.Equal(t, 1.0, testutil.ToFloat64(metrics.blocksConnected))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.notesAppended))
	assert.Equal(t, 3.0, testutil.ToFloat64(metrics.treeSize))

	count, err := testutil.GatherAndCount(registry)
	require.NoError(t, err)
	assert.Equal(t, 4, count)

	_, err = connector.ConnectBlock(context.Background(), &Block{
		Height:      2,
		Commitments: commitments[:1],
	})
	require.NoError(t, err)

	assert.Equal(t, 2.0, testutil.ToFloat64(metrics.blocksConnected))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.notesAppended))
	assert.Equal(t, 4.0, testutil.ToFloat64(metrics.treeSize))
}

func TestMetricsNilIsNoop(t *testing.T) {
	var metrics *Metrics

	metrics.blockConnected()
	metrics.noteAppended(0.001)
	metrics.SetTreeSize(42)
}
