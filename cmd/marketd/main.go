package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/uhyunpark/marketsim/params"
	"github.com/uhyunpark/marketsim/pkg/api"
	"github.com/uhyunpark/marketsim/pkg/market"
	"github.com/uhyunpark/marketsim/pkg/sim"
	"github.com/uhyunpark/marketsim/pkg/storage"
	"github.com/uhyunpark/marketsim/pkg/util"
)

// progressEvery is how often (in ticks) the scheduler logs at info level.
const progressEvery = 100

func main() {
	// Load config from .env file and environment variables
	cfg, err := params.LoadFromEnv("") // "" means load from .env in current directory
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	logger, err := newLogger(cfg.Log)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	sugar := logger.Sugar()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	err = run(ctx, cfg, sugar)
	// Sync fails on stdout for some terminals; only report real errors.
	if serr := logger.Sync(); serr != nil && !errors.Is(serr, syscall.EINVAL) && !errors.Is(serr, syscall.ENOTTY) {
		err = multierr.Append(err, serr)
	}
	if err != nil {
		log.Fatalf("marketd: %v", err)
	}
}

func newLogger(cfg params.Log) (*zap.Logger, error) {
	if cfg.File != "" {
		return util.NewLoggerWithFile(cfg.File, cfg.Level)
	}
	return util.NewLogger(cfg.Level)
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) (err error) {
	specs, err := params.ParseInstruments(cfg.Market.Instruments)
	if err != nil {
		return err
	}
	instruments := make([]*market.Instrument, len(specs))
	for i, s := range specs {
		instruments[i] = market.NewInstrument(s.Symbol, s.Price)
	}

	env, err := market.NewEnvironment(instruments,
		market.WithStartingCash(cfg.Market.StartingCash),
		market.WithMaxPending(cfg.Market.MaxPending),
		market.WithLogger(sugar.Named("market")),
	)
	if err != nil {
		return fmt.Errorf("environment: %w", err)
	}

	// ---- Trade archive (optional) ----
	var archive *storage.TradeArchive
	if cfg.Archive.Enabled {
		archive, err = storage.OpenArchive(cfg.Archive.Dir)
		if err != nil {
			return fmt.Errorf("archive: %w", err)
		}
		defer func() {
			err = multierr.Append(err, archive.Close())
		}()
		sugar.Infow("archive_opened", "dir", cfg.Archive.Dir, "epoch", archive.Epoch())
	}

	// ---- API Server ----
	server := api.NewServer(env, api.Options{
		Archive:     archive,
		Logger:      sugar.Named("api"),
		CORSOrigins: cfg.Server.CORSOrigins,
	})

	// ---- Scheduler ----
	sched := sim.NewScheduler(env, cfg.Market.TickInterval, util.RealClock{}, sugar.Named("sim"))
	sched.LogEvery = progressEvery
	sched.OnTick(server.Hub().PublishTick)
	if archive != nil {
		sched.OnTick(func(res market.TickResult) {
			if len(res.Trades) == 0 {
				return
			}
			if err := archive.Record(res); err != nil {
				sugar.Warnw("archive_write_failed", "tick", res.Tick, "err", err)
			}
		})
	}

	sugar.Infow("marketd_starting",
		"instruments", env.State("").Instruments,
		"tick_interval_ms", cfg.Market.TickInterval.Milliseconds(),
		"starting_cash", cfg.Market.StartingCash,
		"max_pending", cfg.Market.MaxPending,
		"addr", cfg.Server.Addr)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	schedDone := make(chan struct{})
	go func() {
		defer close(schedDone)
		sched.Run(ctx)
	}()

	serveErr := server.Run(ctx, cfg.Server.Addr)
	// A listener failure stops the market too.
	cancel()
	<-schedDone

	sugar.Infow("marketd_stopped", "time", env.Time(), "trades", len(env.TradeLog()))
	return serveErr
}
