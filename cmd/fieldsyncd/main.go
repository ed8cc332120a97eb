package main

import (
	"context"
	"log"
	"os"

	"github.com/tmelliott/fieldsync/internal/api"
	"github.com/tmelliott/fieldsync/internal/backend"
	"github.com/tmelliott/fieldsync/internal/backend/clusterjob"
	"github.com/tmelliott/fieldsync/internal/backend/localproc"
	"github.com/tmelliott/fieldsync/internal/config"
	"github.com/tmelliott/fieldsync/internal/dispatcher"
	"github.com/tmelliott/fieldsync/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("fieldsync: starting",
		"listen_addr", cfg.ListenAddr,
		"store_driver", cfg.StoreDriver,
		"backend", cfg.Backend,
		"slots", cfg.Slots,
	)

	db, err := openStore(cfg)
	if err != nil {
		log.Fatalf("open store: %v", err)
	}
	defer db.Close()

	registry := backend.NewRegistry()
	registry.Register("localproc", localproc.New(cfg.WorkerBin, logger))
	if cfg.ClusterBaseURL != "" {
		registry.Register("clusterjob", clusterjob.New(clusterjob.Config{
			BaseURL:   cfg.ClusterBaseURL,
			Namespace: cfg.ClusterNamespace,
			Image:     cfg.ClusterImage,
			Token:     cfg.ClusterToken,
		}, logger))
	}

	disp := dispatcher.New(db, registry, dispatcher.Options{
		BackendName:         cfg.Backend,
		Slots:               cfg.Slots,
		PollInterval:        cfg.PollInterval,
		LaunchRetries:       cfg.LaunchRetries,
		WorkerTimeout:       cfg.WorkerTimeout(),
		OrphanSweepInterval: cfg.OrphanSweepInterval,
		ScratchRoot:         cfg.ScratchRoot,
		AssetsDir:           cfg.AssetsDir,
		CPULimit:            cfg.WorkerCPULimit,
		MemLimitMB:          cfg.WorkerMemLimitMB,
	}, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		if err := disp.Run(ctx); err != nil {
			logger.Error("dispatcher stopped", "error", err)
		}
	}()

	srv := api.NewServer(cfg.ListenAddr, db, registry, disp, logger)
	if err := srv.Run(); err != nil {
		log.Fatalf("server error: %v", err)
	}
}

func openStore(cfg config.Config) (store.Store, error) {
	if cfg.StoreDriver == config.StorePostgres {
		return store.NewPostgresStore(context.Background(), cfg.StoreDSN)
	}
	return store.NewSQLiteStore(cfg.StoreDSN)
}
