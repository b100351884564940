package main

import (
	"context"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/tornadogo/mixer-indexer/internal/api"
	"github.com/tornadogo/mixer-indexer/internal/config"
	"github.com/tornadogo/mixer-indexer/internal/logging"
	"github.com/tornadogo/mixer-indexer/internal/orchestrator"
)

// BuildCommit is set at build time via -ldflags.
var BuildCommit = "dev"

func main() {
	configPath := os.Getenv("MIXER_CONFIG")
	if configPath == "" {
		configPath = "config.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	appLog := logging.New("mixer-indexer")
	appLog.Infof("Initializing mixer indexer, build=%s", BuildCommit)
	appLog.Infof("RPC: %s, contract: %s, tree_height: %d", cfg.RPCURL, cfg.ContractAddress, cfg.TreeHeight)

	orch := orchestrator.New(appLog, orchestrator.Config{
		RPCURL:          cfg.RPCURL,
		PollInterval:    cfg.PollIntervalSec.Duration(),
		RetryInterval:   cfg.RPCRetryIntervalSec.Duration(),
		QueryInterval:   cfg.RPCQueryIntervalSec.Duration(),
		ContractAddress: common.HexToAddress(cfg.ContractAddress),
		StartBlock:      cfg.StartBlock,
		TreeHeight:      cfg.TreeHeight,
	})

	if !orch.Boot(cfg.StorePath) {
		log.Fatalf("orchestrator: boot failed")
	}

	apiServer := api.NewServer(appLog, orch, cfg.APIAddr, cfg.APIAdminToken, api.RateLimitConfig{
		RPS:    cfg.APIRateLimitRPS,
		Burst:  cfg.APIRateLimitBurst,
		TTLMin: cfg.APIRateLimitTTLMin,
	})
	go func() {
		if err := apiServer.Start(); err != nil && err != http.ErrServerClosed {
			appLog.Errorf("api server: %v", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	appLog.Infof("shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := apiServer.Shutdown(ctx); err != nil {
		appLog.Errorf("api shutdown: %v", err)
	}
	orch.Shutdown()
}
