// The fieldsync-worker binary runs exactly one job and exits. The dispatcher
// stages the job spec into a scratch directory, launches this binary through a
// backend and reads the resulting feedback.
package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/tmelliott/fieldsync/internal/config"
	"github.com/tmelliott/fieldsync/internal/gis"
	"github.com/tmelliott/fieldsync/internal/storage"
	"github.com/tmelliott/fieldsync/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(os.Stderr, cfg.LogLevel)

	scratch := os.Getenv("FIELDSYNC_SCRATCH_DIR")
	if scratch == "" {
		scratch = "."
	}

	store, err := storage.NewFilesystem(cfg.StorageRoot)
	if err != nil {
		log.Fatalf("open storage: %v", err)
	}

	rt := worker.New(store, gis.NewRunner(cfg.ToolkitBin), logger)

	fb, err := rt.Run(context.Background(), scratch)
	if err != nil {
		var crashErr *gis.CrashError
		if errors.As(err, &crashErr) {
			// Die by the toolkit's signal so the backend sees a crash, not
			// a reported failure.
			logger.Error("toolkit crashed", "signal", crashErr.Signal.String())
			signal.Reset(crashErr.Signal)
			_ = syscall.Kill(syscall.Getpid(), crashErr.Signal)
			os.Exit(128 + int(crashErr.Signal))
		}
		log.Fatalf("run job: %v", err)
	}

	os.Exit(fb.ExitCode)
}
