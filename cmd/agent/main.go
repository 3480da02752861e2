package main

import (
	"context"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"

	"github.com/uhyunpark/marketsim/params"
	"github.com/uhyunpark/marketsim/pkg/agent"
	"github.com/uhyunpark/marketsim/pkg/util"
)

func main() {
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := util.NewLogger(cfg.Log.Level)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()

	id := cfg.Agent.ID
	if id == "" {
		id = "random-" + uuid.NewString()[:8]
	}
	sugar := logger.Sugar().With("agent_id", id)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client, err := agent.Dial(ctx, cfg.Agent.URL, id)
	if err != nil {
		sugar.Fatalw("agent_connect_failed", "url", cfg.Agent.URL, "err", err)
	}
	defer client.Close()
	sugar.Infow("agent_connected", "url", cfg.Agent.URL)

	runner := &agent.Runner{
		Exchange: client,
		Strategy: agent.NewRandomStrategy(cfg.Agent.Seed),
		Steps:    cfg.Agent.Steps,
		Delay:    cfg.Agent.Delay,
		Logger:   sugar,
	}
	stats, err := runner.Run(ctx)
	if err != nil && !errors.Is(err, context.Canceled) {
		sugar.Errorw("agent_run_failed", "err", err)
	}

	fields := []any{"steps", stats.Steps, "orders", stats.Orders, "rejected", stats.Rejected}
	if stats.Account != nil {
		fields = append(fields, "cash", stats.Account.Cash, "portfolio", stats.Account.Holdings)
	}
	sugar.Infow("agent_finished", fields...)
}
