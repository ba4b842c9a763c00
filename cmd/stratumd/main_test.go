package main

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/bardlex/scashpool/internal/config"
	"github.com/bardlex/scashpool/internal/database"
	"github.com/bardlex/scashpool/internal/pool"
	"github.com/bardlex/scashpool/internal/scash"
	"github.com/bardlex/scashpool/internal/stratum"
	"github.com/bardlex/scashpool/pkg/log"
)

type fakeNode struct {
	height   int64
	info     *scash.MiningInfo
	countErr error
	infoErr  error
	deadline bool
}

func (f *fakeNode) GetBlockCount(ctx context.Context) (int64, error) {
	_, f.deadline = ctx.Deadline()
	return f.height, f.countErr
}

func (f *fakeNode) GetMiningInfo(context.Context) (*scash.MiningInfo, error) {
	return f.info, f.infoErr
}

func testConfig() *config.Config {
	return &config.Config{
		ServiceName:          "test-stratumd",
		Version:              "test",
		ListenAddr:           "127.0.0.1",
		ListenPort:           3334,
		ReadTimeout:          time.Minute,
		WriteTimeout:         5 * time.Second,
		SendBufferSize:       16,
		MaxLineSize:          4096,
		PoolDifficulty:       8,
		Extranonce2Size:      4,
		PoolTag:              "/test/",
		JobRefreshInterval:   15 * time.Second,
		StatsInterval:        time.Minute,
		DefaultEpochDuration: 604800,
		SubmitTimeout:        10 * time.Second,
		AuthMode:             config.AuthModeOpen,
		InfluxOrg:            "scashpool",
		InfluxBucket:         "mining",
	}
}

func TestProbeNode(t *testing.T) {
	node := &fakeNode{height: 1200, info: &scash.MiningInfo{Chain: "regtest", Difficulty: 0.5}}
	if err := probeNode(context.Background(), node, log.Discard()); err != nil {
		t.Fatalf("probeNode() error = %v", err)
	}
	if !node.deadline {
		t.Error("probe should run with a deadline")
	}

	tests := []struct {
		name string
		node *fakeNode
	}{
		{"block count fails", &fakeNode{countErr: errors.New("connection refused")}},
		{"mining info fails", &fakeNode{info: nil, infoErr: errors.New("401 unauthorized")}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := probeNode(context.Background(), tt.node, log.Discard()); err == nil {
				t.Error("probeNode() should fail")
			}
		})
	}
}

func TestDatabaseConfig(t *testing.T) {
	cfg := testConfig()
	if databaseConfig(cfg).Enabled() {
		t.Error("no storage URLs should leave storage disabled")
	}

	cfg.RedisURL = "redis://localhost:6379/0"
	cfg.InfluxURL = "http://localhost:8086"
	cfg.InfluxToken = "token"
	dbCfg := databaseConfig(cfg)

	if !dbCfg.Enabled() {
		t.Fatal("storage should be enabled")
	}
	if dbCfg.Postgres != nil {
		t.Error("PostgreSQL configured without a URL")
	}
	if dbCfg.Redis == nil || dbCfg.Redis.URL != cfg.RedisURL {
		t.Errorf("Redis config = %+v", dbCfg.Redis)
	}
	if dbCfg.Influx == nil || dbCfg.Influx.Token != "token" || dbCfg.Influx.Bucket != "mining" {
		t.Errorf("Influx config = %+v", dbCfg.Influx)
	}
}

func TestCoordinatorConfig(t *testing.T) {
	cfg := testConfig()
	got := coordinatorConfig(cfg)

	if got.Difficulty != 8 || got.Extranonce2Size != 4 {
		t.Errorf("difficulty/extranonce2 = %v/%d", got.Difficulty, got.Extranonce2Size)
	}
	if got.SendBufferSize != 16 || got.MaxLineSize != 4096 {
		t.Errorf("buffers = %d/%d", got.SendBufferSize, got.MaxLineSize)
	}
	if got.SubmitTimeout != 10*time.Second || got.StatsInterval != time.Minute {
		t.Errorf("timers = %v/%v", got.SubmitTimeout, got.StatsInterval)
	}
}

func TestJobsConfig(t *testing.T) {
	cfg := testConfig()
	script := []byte{0x51}
	got := jobsConfig(cfg, script)

	if got.ExtranonceSize != pool.ExtranonceSize+4 {
		t.Errorf("ExtranonceSize = %d, want %d", got.ExtranonceSize, pool.ExtranonceSize+4)
	}
	if got.Tag != "/test/" || len(got.PayoutScript) != 1 {
		t.Errorf("jobs config = %+v", got)
	}
	if got.RefreshInterval != 15*time.Second || got.DefaultEpochDuration != 604800 {
		t.Errorf("refresh/epoch = %v/%d", got.RefreshInterval, got.DefaultEpochDuration)
	}
}

func TestSelectAuthenticator(t *testing.T) {
	cfg := testConfig()

	auth, err := selectAuthenticator(cfg, nil)
	if err != nil {
		t.Fatalf("selectAuthenticator() error = %v", err)
	}
	if _, ok := auth.(stratum.AcceptAll); !ok {
		t.Errorf("open mode authenticator = %T", auth)
	}

	cfg.AuthMode = config.AuthModePostgres
	if _, err := selectAuthenticator(cfg, nil); err == nil {
		t.Error("postgres mode without storage should fail")
	}

	db, err := database.NewManager(context.Background(), &database.Config{}, log.Discard())
	if err != nil {
		t.Fatalf("NewManager() error = %v", err)
	}
	if _, err := selectAuthenticator(cfg, db); err == nil {
		t.Error("postgres mode without a PostgreSQL connection should fail")
	}
}
