// tradewire-stream runs the streaming session: it logs in to the streamer,
// subscribes the configured symbols, and persists time-and-sales prints and
// account activity until interrupted.
package main

import (
	"context"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"tradewire/internal/auth"
	"tradewire/internal/config"
	"tradewire/internal/domain"
	"tradewire/internal/rest"
	"tradewire/internal/store"
	"tradewire/internal/stream"
	"tradewire/internal/util"
)

const flushInterval = 5 * time.Second

func main() {
	cfgPath := "config/tradewire.yaml"
	if p := os.Getenv("TRADEWIRE_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	logger := util.NewLogger(cfg.Logging.Level)
	util.SetDefault(logger)

	if cfg.Stream.AccountID == "" {
		log.Fatal("stream.account_id is required")
	}

	httpClient := &http.Client{Timeout: time.Duration(cfg.API.TimeoutSecs) * time.Second}
	cache := auth.NewFileCache(cfg.Storage.TokenCache)
	creds := auth.NewOAuthClient(cfg.API.AuthURL, cfg.API.TokenURL,
		cfg.API.AppKey, cfg.API.RedirectURL, cache, httpClient, logger)

	limiter := util.NewRateLimiter(cfg.API.RateLimitPerMin)
	client := rest.NewClient(cfg.API.BaseURL, creds, limiter, httpClient, logger)

	pstore := store.NewParquetStore(cfg.Storage.DataDir)
	sqlStore, err := store.NewSQLiteStore(cfg.Storage.SQLitePath)
	if err != nil {
		log.Fatalf("failed to open order store: %v", err)
	}
	defer sqlStore.Close()

	session := stream.NewSession(stream.SessionConfig{
		AccountID:         cfg.Stream.AccountID,
		QOSLevel:          cfg.Stream.QOSLevel,
		LoginTimeout:      time.Duration(cfg.Stream.LoginTimeoutSecs) * time.Second,
		HeartbeatInterval: time.Duration(cfg.Stream.HeartbeatSecs) * time.Second,
		BackoffBase:       time.Duration(cfg.Stream.BackoffBaseSecs) * time.Second,
		BackoffMax:        time.Duration(cfg.Stream.BackoffMaxSecs) * time.Second,
		SinkBuffer:        cfg.Stream.SinkBuffer,
	}, creds, client, &stream.WebsocketDialer{}, logger)

	if err := session.Subscribe(domain.ServiceTimesaleEquity, cfg.Stream.Symbols, nil); err != nil {
		log.Fatalf("subscribing timesale: %v", err)
	}
	if err := session.Subscribe(domain.ServiceQuote, cfg.Stream.Symbols, nil); err != nil {
		log.Fatalf("subscribing quotes: %v", err)
	}
	if err := session.Subscribe(domain.ServiceAcctActivity, nil, nil); err != nil {
		log.Fatalf("subscribing account activity: %v", err)
	}

	ticks := session.Events(domain.ServiceTimesaleEquity, 0)
	fills := session.Events(domain.ServiceAcctActivity, 0)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	session.Start()
	defer session.Stop()
	logger.Info("streaming session started",
		"account", cfg.Stream.AccountID, "symbols", cfg.Stream.Symbols)

	go persistTicks(ctx, logger, pstore, ticks)
	go persistFills(ctx, logger, sqlStore, fills)

	<-ctx.Done()
	logger.Info("shutting down")
}

// persistTicks batches timesale events and flushes them to Parquet on an
// interval so a burst of prints does not turn into a write per tick.
func persistTicks(ctx context.Context, logger *slog.Logger, ts store.TickStore, sink *stream.Sink) {
	var pending []domain.Tick
	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	flush := func() {
		if len(pending) == 0 {
			return
		}
		if err := ts.WriteTicks(ctx, pending); err != nil {
			logger.Error("writing ticks", "err", err, "count", len(pending))
			return
		}
		logger.Info("ticks persisted", "count", len(pending), "dropped", sink.Dropped())
		pending = pending[:0]
	}

	for {
		select {
		case <-ctx.Done():
			flush()
			return
		case <-ticker.C:
			flush()
		case ev, ok := <-sink.C():
			if !ok {
				flush()
				return
			}
			if tick, ok := ev.AsTick(); ok {
				pending = append(pending, tick)
			}
		}
	}
}

// persistFills records every order status change as it arrives.
func persistFills(ctx context.Context, logger *slog.Logger, fs store.FillStore, sink *stream.Sink) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sink.C():
			if !ok {
				return
			}
			fill, ok := ev.AsFill()
			if !ok {
				continue
			}
			if err := fs.SaveFill(ctx, &fill); err != nil {
				logger.Error("saving fill", "err", err, "order", fill.OrderID)
				continue
			}
			logger.Info("order activity",
				"order", fill.OrderID, "account", fill.AccountID, "status", fill.Status)
		}
	}
}
