package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/umbra-network/umbra/chain"
	"github.com/umbra-network/umbra/config"
	"github.com/umbra-network/umbra/crypto"
	"github.com/umbra-network/umbra/store"
)

var (
	configDirectory = flag.String(
		"config",
		filepath.Join(".", ".config"),
		"the configuration directory",
	)
	treeRoot = flag.Bool(
		"tree-root",
		false,
		"print the note tree size and root hash to stdout and exit",
	)
	noteWitness = flag.Int64(
		"note-witness",
		-1,
		"print the witness of the given leaf index to stdout and exit",
	)
	integrityCheck = flag.Bool(
		"integrity-check",
		false,
		"runs a full rehash of the note tree, helpful for confirming "+
			"backups are not corrupted (defaults to false)",
	)
	prometheusServer = flag.String(
		"prometheus-server",
		"",
		"enable prometheus server on specified address (e.g. localhost:8080)",
	)
	debug = flag.Bool(
		"debug",
		false,
		"sets log output to debug (verbose)",
	)
)

func main() {
	flag.Parse()

	cfg, err := config.LoadConfig(*configDirectory)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to load config: %v\n", err)
		os.Exit(1)
	}

	logger, closer, err := cfg.CreateLogger(*debug || cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "unable to create logger: %v\n", err)
		os.Exit(1)
	}
	defer closer.Close()
	defer logger.Sync()

	db := store.NewPebbleDB(logger, cfg.DB)
	defer db.Close()

	noteStore := store.NewPebbleNoteTreeStore(db, logger)
	tree, err := crypto.NewCommitmentTree(
		noteStore,
		crypto.Blake3NoteHasher{},
		logger,
	)
	if err != nil {
		logger.Fatal("unable to open note tree", zap.Error(err))
	}

	reader := chain.NewReader(tree)

	if *treeRoot {
		printTreeRoot(logger, reader)
		return
	}

	if *noteWitness >= 0 {
		index, err := leafIndexArg(*noteWitness)
		if err != nil {
			logger.Fatal("invalid note witness index", zap.Error(err))
		}
		printNoteWitness(logger, reader, index)
		return
	}

	if *integrityCheck {
		runIntegrityCheck(logger, tree)
		return
	}

	size, err := reader.Size()
	if err != nil {
		logger.Fatal("unable to read note tree", zap.Error(err))
	}

	if *prometheusServer == "" {
		printTreeRoot(logger, reader)
		return
	}

	metrics := chain.NewMetrics(prometheus.DefaultRegisterer)
	metrics.SetTreeSize(size)

	go func() {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.Handler())
		logger.Info(
			"prometheus server started",
			zap.String("address", *prometheusServer),
		)
		if err := http.ListenAndServe(*prometheusServer, mux); err != nil {
			logger.Error("prometheus server failed", zap.Error(err))
		}
	}()

	logger.Info("note tree ready", zap.Uint64("size", size))

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done
	logger.Info("shutting down")
}

// leafIndexArg bounds a flag-supplied leaf index to the uint32 index space
// of the tree so an oversized value cannot silently wrap to another leaf.
func leafIndexArg(v int64) (uint32, error) {
	if v > math.MaxUint32 {
		return 0, errors.Wrapf(
			crypto.ErrOutOfRange,
			"leaf index %d exceeds tree capacity",
			v,
		)
	}
	return uint32(v), nil
}

func printTreeRoot(logger *zap.Logger, reader *chain.Reader) {
	size, err := reader.Size()
	if err != nil {
		logger.Fatal("unable to read note tree", zap.Error(err))
	}

	root, err := reader.RootHex()
	if err != nil {
		logger.Fatal("unable to compute root", zap.Error(err))
	}

	fmt.Printf("size: %d\nroot: %s\n", size, root)
}

func printNoteWitness(
	logger *zap.Logger,
	reader *chain.Reader,
	index uint32,
) {
	witness, err := reader.NoteWitness(index)
	if err != nil {
		logger.Fatal("unable to compute witness", zap.Error(err))
	}

	fmt.Printf(
		"tree size: %d\nroot: %s\n",
		witness.TreeSize,
		witness.RootHash,
	)
	for level, step := range witness.AuthPath {
		fmt.Printf("%3d %-5s %s\n", level, step.Side, step.HashOfSibling)
	}
}

func runIntegrityCheck(logger *zap.Logger, tree *crypto.CommitmentTree) {
	ctx, cancel := signal.NotifyContext(
		context.Background(),
		syscall.SIGINT,
		syscall.SIGTERM,
	)
	defer cancel()

	if err := tree.RehashTree(ctx); err != nil {
		logger.Fatal("integrity check failed", zap.Error(err))
	}

	logger.Info("integrity check passed")
}
