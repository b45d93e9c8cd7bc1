package main

import (
	"context"
	"encoding/hex"
	"flag"
	"log"
	"math"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/umbra-network/umbra/config"
	"github.com/umbra-network/umbra/crypto"
	"github.com/umbra-network/umbra/store"
)

// treescan is the external correctness oracle for the note tree: it
// replays the first k leaves of a reference store into a freshly
// initialized tree and compares size and root bit-for-bit against the
// reference's past root at the same size, reporting append throughput
// along the way.

var (
	configDirectory = flag.String(
		"config",
		filepath.Join(".", ".config"),
		"the configuration directory of the reference store",
	)
	scratchDirectory = flag.String(
		"scratch",
		"",
		"path for the replay store (defaults to in-memory)",
	)
	leafCount = flag.Uint64(
		"leaves",
		0,
		"number of leaves to replay (defaults to the whole tree)",
	)
	verify = flag.Bool(
		"verify",
		false,
		"additionally run a full rehash of the replayed tree",
	)
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configDirectory)
	if err != nil {
		log.Fatal("failed to load config: ", err)
	}

	logger, closer, err := cfg.CreateLogger(true)
	if err != nil {
		log.Fatal("failed to create logger: ", err)
	}
	defer closer.Close()

	refDB := store.NewPebbleDB(logger, cfg.DB)
	defer refDB.Close()

	refStore := store.NewPebbleNoteTreeStore(refDB, logger)
	refTree, err := crypto.NewCommitmentTree(
		refStore,
		crypto.Blake3NoteHasher{},
		logger,
	)
	if err != nil {
		logger.Fatal("failed to open reference tree", zap.Error(err))
	}

	refSize, err := refTree.Size()
	if err != nil {
		logger.Fatal("failed to read reference tree", zap.Error(err))
	}

	count := *leafCount
	if count == 0 || count > refSize {
		count = refSize
	}

	scratchConfig := &config.DBConfig{Path: *scratchDirectory}
	if *scratchDirectory == "" {
		scratchConfig.InMemoryDONOTUSE = true
	}

	replayDB := store.NewPebbleDB(logger, scratchConfig)
	defer replayDB.Close()

	replayStore := store.NewPebbleNoteTreeStore(replayDB, logger)
	replayTree, err := crypto.NewCommitmentTree(
		replayStore,
		crypto.Blake3NoteHasher{},
		logger,
	)
	if err != nil {
		logger.Fatal("failed to open replay tree", zap.Error(err))
	}

	logger.Info(
		"replaying leaves",
		zap.Uint64("count", count),
		zap.Uint64("reference_size", refSize),
	)

	iter, err := refStore.RangeTreeNodes(0, 0, rangeEnd(count))
	if err != nil {
		logger.Fatal("failed to range leaves", zap.Error(err))
	}
	defer iter.Close()

	replayed := uint64(0)
	started := time.Now()
	lastReport := started
	for valid := iter.First(); valid && replayed < count; valid = iter.Next() {
		node, err := iter.Value()
		if err != nil {
			logger.Fatal("failed to read leaf", zap.Error(err))
		}

		if _, err := replayTree.Append(node.SiblingHash()); err != nil {
			logger.Fatal(
				"failed to append leaf",
				zap.Uint64("leaf", replayed),
				zap.Error(err),
			)
		}
		replayed++

		if time.Since(lastReport) > 10*time.Second {
			lastReport = time.Now()
			logger.Info(
				"replay progress",
				zap.Uint64("replayed", replayed),
				zap.Float64(
					"leaves_per_second",
					float64(replayed)/time.Since(started).Seconds(),
				),
			)
		}
	}

	if replayed != count {
		logger.Fatal(
			"reference store is missing leaves",
			zap.Uint64("expected", count),
			zap.Uint64("replayed", replayed),
		)
	}

	elapsed := time.Since(started)

	replaySize, err := replayTree.Size()
	if err != nil {
		logger.Fatal("failed to read replay tree", zap.Error(err))
	}
	if replaySize != count {
		logger.Fatal(
			"replay size mismatch",
			zap.Uint64("expected", count),
			zap.Uint64("actual", replaySize),
		)
	}

	replayRoot, err := replayTree.RootHash()
	if err != nil {
		logger.Fatal("failed to compute replay root", zap.Error(err))
	}

	refRoot, err := refTree.PastRoot(count)
	if err != nil {
		logger.Fatal("failed to compute reference root", zap.Error(err))
	}

	if replayRoot != refRoot {
		logger.Fatal(
			"root mismatch",
			zap.Uint64("size", count),
			zap.String("reference", hashHex(refRoot)),
			zap.String("replay", hashHex(replayRoot)),
		)
	}

	logger.Info(
		"roots match",
		zap.Uint64("size", count),
		zap.String("root", hashHex(replayRoot)),
		zap.Duration("elapsed", elapsed),
		zap.Float64(
			"leaves_per_second",
			float64(replayed)/elapsed.Seconds(),
		),
	)

	if *verify {
		if err := replayTree.RehashTree(context.Background()); err != nil {
			logger.Fatal("rehash failed", zap.Error(err))
		}
	}
}

func hashHex(h crypto.Hash) string {
	return hex.EncodeToString(h[:])
}

func rangeEnd(count uint64) uint32 {
	if count >= math.MaxUint32 {
		return math.MaxUint32
	}
	return uint32(count)
}
