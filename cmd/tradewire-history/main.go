// tradewire-history fetches price history for a symbol and stores it as
// Parquet under the configured data directory.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"tradewire/internal/auth"
	"tradewire/internal/config"
	"tradewire/internal/rest"
	"tradewire/internal/store"
	"tradewire/internal/util"
)

func main() {
	var (
		symbol        = flag.String("symbol", "", "symbol to fetch (required)")
		periodType    = flag.String("period-type", rest.PeriodTypeYear, "day, month, year, or ytd")
		period        = flag.Int("period", 1, "number of periods")
		frequencyType = flag.String("frequency-type", rest.FrequencyTypeDaily, "minute, daily, weekly, or monthly")
		frequency     = flag.Int("frequency", 1, "aggregation frequency")
	)
	flag.Parse()
	if *symbol == "" {
		flag.Usage()
		os.Exit(2)
	}

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

	httpClient := &http.Client{Timeout: time.Duration(cfg.API.TimeoutSecs) * time.Second}
	cache := auth.NewFileCache(cfg.Storage.TokenCache)
	creds := auth.NewOAuthClient(cfg.API.AuthURL, cfg.API.TokenURL,
		cfg.API.AppKey, cfg.API.RedirectURL, cache, httpClient, logger)
	client := rest.NewClient(cfg.API.BaseURL, creds,
		util.NewRateLimiter(cfg.API.RateLimitPerMin), httpClient, logger)

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	bars, err := client.GetHistory(ctx, *symbol, *periodType, *period, *frequencyType, *frequency)
	if err != nil {
		log.Fatalf("fetching history: %v", err)
	}
	if len(bars) == 0 {
		log.Fatalf("no history returned for %s", *symbol)
	}

	pstore := store.NewParquetStore(cfg.Storage.DataDir)
	if err := pstore.WriteBars(ctx, bars); err != nil {
		log.Fatalf("writing history: %v", err)
	}

	fmt.Printf("stored %d bars for %s (%s to %s)\n", len(bars), *symbol,
		bars[len(bars)-1].Timestamp.Format("2006-01-02"),
		bars[0].Timestamp.Format("2006-01-02"))
}
