// Command deltawald runs the delta WAL ingestion and upload engine as a
// standalone process: it opens the local WAL and metadata store, wires
// them to an S3-compatible object store, and serves Append/Read/
// ForceUpload over the in-process Facade until an interrupt or
// terminate signal arrives.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/deltawal/internal/logger"
	"github.com/marmos91/deltawal/pkg/engine"
	"github.com/marmos91/deltawal/pkg/metadata"
	"github.com/marmos91/deltawal/pkg/upload"
	"github.com/marmos91/deltawal/pkg/wal"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	flags := flag.NewFlagSet("deltawald", flag.ExitOnError)
	walDir := flags.String("wal-dir", "./data/wal", "directory holding the mmap-backed WAL segment")
	metadataDir := flags.String("metadata-dir", "./data/metadata", "directory holding the embedded metadata store")
	walCapacity := flags.Int64("wal-capacity-bytes", 256<<20, "WAL logical capacity in bytes")
	walWorkers := flags.Int("wal-persist-workers", 4, "WAL background persist worker count")
	bucket := flags.String("s3-bucket", "", "S3 bucket holding uploaded stream-set objects (required)")
	region := flags.String("s3-region", "", "S3 region (optional, uses SDK default if empty)")
	endpoint := flags.String("s3-endpoint", "", "S3 endpoint URL, for S3-compatible services such as MinIO or Localstack")
	keyPrefix := flags.String("s3-key-prefix", "", "prefix prepended to every uploaded object key")
	pathStyle := flags.Bool("s3-force-path-style", false, "force path-style S3 addressing (required for Localstack/MinIO)")
	logLevel := flags.String("log-level", "INFO", "DEBUG, INFO, WARN, or ERROR")
	logFormat := flags.String("log-format", "text", "text or json")
	showVersion := flags.Bool("version", false, "print version information and exit")

	if err := flags.Parse(os.Args[1:]); err != nil {
		log.Fatalf("parse flags: %v", err)
	}

	if *showVersion {
		fmt.Printf("deltawald %s (commit: %s, built: %s)\n", version, commit, date)
		return
	}
	if *bucket == "" {
		fmt.Fprintln(os.Stderr, "Error: -s3-bucket is required")
		os.Exit(1)
	}

	if err := logger.Init(logger.Config{Level: *logLevel, Format: *logFormat, Output: "stdout"}); err != nil {
		log.Fatalf("init logger: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := os.MkdirAll(*walDir, 0o755); err != nil {
		log.Fatalf("create wal dir: %v", err)
	}
	if err := os.MkdirAll(*metadataDir, 0o755); err != nil {
		log.Fatalf("create metadata dir: %v", err)
	}

	w, err := wal.NewMmapWAL(*walDir, *walCapacity, *walWorkers)
	if err != nil {
		log.Fatalf("open wal: %v", err)
	}

	store, err := metadata.Open(*metadataDir)
	if err != nil {
		log.Fatalf("open metadata store: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("metadata store close failed", logger.Err(err))
		}
	}()

	s3Store, err := upload.NewS3StoreFromConfig(ctx, upload.S3Config{
		Bucket:         *bucket,
		Region:         *region,
		Endpoint:       *endpoint,
		KeyPrefix:      *keyPrefix,
		ForcePathStyle: *pathStyle,
	})
	if err != nil {
		log.Fatalf("build s3 store: %v", err)
	}

	blockCache := metadata.NewBlockCache(store, s3Store)

	var fatalOnce bool
	facade := engine.New(engine.DefaultConfig(), w, store, store, s3Store, blockCache, func(err error) {
		if fatalOnce {
			return
		}
		fatalOnce = true
		logger.Error("engine: fatal error, terminating", logger.Err(err))
		cancel()
	})

	if err := facade.Startup(ctx); err != nil {
		log.Fatalf("engine startup: %v", err)
	}
	logger.Info("deltawald started",
		"wal_dir", *walDir, "metadata_dir", *metadataDir, "bucket", *bucket)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-sigCh:
		logger.Info("shutdown signal received", "signal", sig.String())
	case <-ctx.Done():
		logger.Info("fatal error triggered shutdown")
	}
	signal.Stop(sigCh)

	shutdownCtx, shutdownCancel := context.WithCancel(context.Background())
	defer shutdownCancel()
	if err := facade.Shutdown(shutdownCtx); err != nil {
		logger.Error("engine shutdown error", logger.Err(err))
		os.Exit(1)
	}
	if fatalOnce {
		logger.Error("deltawald stopped after a fatal error")
		os.Exit(1)
	}
	logger.Info("deltawald stopped")
}
