// Package main implements stratumd, the Scash Stratum V1 pool server.
// It builds jobs from the node's block templates, serves miners, validates
// their shares with RandomX and submits found blocks.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/bardlex/scashpool/internal/config"
	"github.com/bardlex/scashpool/internal/database"
	"github.com/bardlex/scashpool/internal/database/influx"
	"github.com/bardlex/scashpool/internal/database/postgres"
	"github.com/bardlex/scashpool/internal/database/redis"
	"github.com/bardlex/scashpool/internal/jobs"
	"github.com/bardlex/scashpool/internal/messaging"
	"github.com/bardlex/scashpool/internal/pool"
	"github.com/bardlex/scashpool/internal/pow"
	"github.com/bardlex/scashpool/internal/scash"
	"github.com/bardlex/scashpool/internal/stratum"
	"github.com/bardlex/scashpool/internal/validation"
	"github.com/bardlex/scashpool/pkg/circuit"
	"github.com/bardlex/scashpool/pkg/log"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}

	logger := log.New(cfg.ServiceName, cfg.Version, cfg.LogLevel, cfg.LogFormat)
	logger.Info("starting stratumd",
		"version", cfg.Version,
		"pool_name", cfg.PoolName,
		"network", cfg.Network,
		"listen", cfg.ListenAddress(),
		"difficulty", cfg.PoolDifficulty,
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := run(ctx, cfg, logger); err != nil {
		logger.WithError(err).Error("stratumd failed")
		os.Exit(1)
	}

	logger.Info("stratumd stopped")
}

// nodeProber is the part of the node client checked at startup.
type nodeProber interface {
	GetBlockCount(ctx context.Context) (int64, error)
	GetMiningInfo(ctx context.Context) (*scash.MiningInfo, error)
}

// probeNode confirms the node answers before miners are accepted.
func probeNode(ctx context.Context, node nodeProber, logger *log.Logger) error {
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()

	height, err := node.GetBlockCount(ctx)
	if err != nil {
		return fmt.Errorf("node probe getblockcount: %w", err)
	}
	info, err := node.GetMiningInfo(ctx)
	if err != nil {
		return fmt.Errorf("node probe getmininginfo: %w", err)
	}

	logger.Info("connected to scash node",
		"height", height,
		"chain", info.Chain,
		"difficulty", info.Difficulty,
		"network_hashps", info.NetworkHashPS,
	)
	return nil
}

// databaseConfig enables each storage backend whose URL is set.
func databaseConfig(cfg *config.Config) *database.Config {
	dbCfg := &database.Config{}
	if cfg.PostgresURL != "" {
		dbCfg.Postgres = postgres.DefaultConfig(cfg.PostgresURL)
	}
	if cfg.RedisURL != "" {
		dbCfg.Redis = redis.DefaultConfig(cfg.RedisURL)
	}
	if cfg.InfluxURL != "" {
		dbCfg.Influx = &influx.Config{
			URL:    cfg.InfluxURL,
			Token:  cfg.InfluxToken,
			Org:    cfg.InfluxOrg,
			Bucket: cfg.InfluxBucket,
		}
	}
	return dbCfg
}

func coordinatorConfig(cfg *config.Config) pool.Config {
	return pool.Config{
		Difficulty:      cfg.PoolDifficulty,
		Extranonce2Size: cfg.Extranonce2Size,
		ReadTimeout:     cfg.ReadTimeout,
		WriteTimeout:    cfg.WriteTimeout,
		SendBufferSize:  cfg.SendBufferSize,
		MaxLineSize:     cfg.MaxLineSize,
		StatsInterval:   cfg.StatsInterval,
		SubmitTimeout:   cfg.SubmitTimeout,
	}
}

func jobsConfig(cfg *config.Config, payoutScript []byte) jobs.Config {
	return jobs.Config{
		PayoutScript:         payoutScript,
		Tag:                  cfg.PoolTag,
		ExtranonceSize:       pool.ExtranonceSize + cfg.Extranonce2Size,
		RefreshInterval:      cfg.JobRefreshInterval,
		DefaultEpochDuration: cfg.DefaultEpochDuration,
	}
}

// selectAuthenticator picks the worker authenticator for cfg.AuthMode.
func selectAuthenticator(cfg *config.Config, db *database.Manager) (stratum.Authenticator, error) {
	if cfg.AuthMode != config.AuthModePostgres {
		return stratum.AcceptAll{}, nil
	}
	if db == nil || db.Authenticator() == nil {
		return nil, fmt.Errorf("AUTH_MODE=postgres but PostgreSQL is not connected")
	}
	return db.Authenticator(), nil
}

func run(ctx context.Context, cfg *config.Config, logger *log.Logger) error {
	verifier, err := pow.Open()
	if err != nil {
		return fmt.Errorf("failed to load RandomX verifier: %w", err)
	}
	defer verifier.Close()

	node, err := scash.NewRPCClient(scash.RPCConfig{
		URL:      cfg.RPCURL(),
		User:     cfg.RPCUser,
		Password: cfg.RPCPassword,
		Timeout:  cfg.RPCTimeout,
	}, func(name string, from, to circuit.State) {
		logger.Warn("circuit breaker state changed", "breaker", name, "from", from.String(), "to", to.String())
	})
	if err != nil {
		return fmt.Errorf("failed to create node client: %w", err)
	}
	if err := probeNode(ctx, node, logger); err != nil {
		return err
	}

	payoutScript, err := scash.PayoutScript(cfg.PayoutScript, cfg.PayoutAddress, cfg.AddressHRP)
	if err != nil {
		return fmt.Errorf("failed to resolve payout script: %w", err)
	}

	manager := jobs.NewManager(jobsConfig(cfg, payoutScript), node, logger)

	validator := validation.NewShareValidator(validation.Config{
		PoolTarget:      scash.DifficultyToTarget(cfg.PoolDifficulty),
		Extranonce1Size: pool.ExtranonceSize,
		Extranonce2Size: cfg.Extranonce2Size,
		MaxTimeDrift:    cfg.MaxTimeDrift,
		DuplicateWindow: cfg.DuplicateWindow,
	}, manager, verifier)

	var sinks []pool.Sink

	if len(cfg.KafkaBrokers) > 0 {
		publisher := messaging.NewPublisher(messaging.NewKafkaClient(cfg.KafkaBrokers, logger))
		defer func() {
			if err := publisher.Close(); err != nil {
				logger.WithError(err).Warn("failed to close kafka publisher")
			}
		}()
		sinks = append(sinks, publisher)
	}

	var db *database.Manager
	if dbCfg := databaseConfig(cfg); dbCfg.Enabled() {
		db, err = database.NewManager(ctx, dbCfg, logger)
		if err != nil {
			return fmt.Errorf("failed to connect storage: %w", err)
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.WithError(err).Warn("failed to close storage")
			}
		}()
		db.StartPeriodicTasks(ctx, 10*time.Second)
		sinks = append(sinks, db)
	}

	auth, err := selectAuthenticator(cfg, db)
	if err != nil {
		return err
	}

	coord := pool.NewCoordinator(coordinatorConfig(cfg), pool.Deps{
		Validator: validator,
		Jobs:      manager,
		Submitter: node,
		Auth:      auth,
		Sinks:     sinks,
	}, logger)
	manager.OnJob(coord.BroadcastJob)

	server := pool.NewServer(cfg.ListenAddress(), cfg.MaxConnections, coord, logger)
	if err := server.Listen(); err != nil {
		return fmt.Errorf("failed to bind %s: %w", cfg.ListenAddress(), err)
	}

	runCtx, stop := context.WithCancel(ctx)
	defer stop()

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := manager.Run(runCtx); err != nil && runCtx.Err() == nil {
			logger.WithError(err).Error("job manager stopped")
		}
	}()
	go func() {
		defer wg.Done()
		coord.Run(runCtx)
	}()

	if cfg.ZMQAddr != "" {
		startZMQ(runCtx, cfg.ZMQAddr, manager, logger, &wg)
	}

	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(runCtx) }()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-serveErr:
		if err != nil {
			logger.WithError(err).Error("server failed")
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.WithError(err).Warn("shutdown incomplete")
	}

	stop()
	wg.Wait()
	return nil
}

// startZMQ forwards hashblock notifications to the job manager. A ZMQ
// failure leaves the pool on interval polling.
func startZMQ(ctx context.Context, endpoint string, manager *jobs.Manager, logger *log.Logger, wg *sync.WaitGroup) {
	notifier, err := scash.NewZMQNotifier(endpoint, logger)
	if err != nil {
		logger.WithError(err).Warn("ZMQ disabled, falling back to polling")
		return
	}
	if err := notifier.Connect(); err != nil {
		logger.WithError(err).Warn("ZMQ disabled, falling back to polling")
		_ = notifier.Close()
		return
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { _ = notifier.Close() }()
		err := notifier.Listen(ctx, func(blockHash string) {
			logger.Info("new block on network", "hash", blockHash)
			manager.Trigger()
		})
		if err != nil && ctx.Err() == nil {
			logger.WithError(err).Error("ZMQ listener stopped")
		}
	}()
}
