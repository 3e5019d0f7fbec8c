// tradewire-quotes fetches real-time quotes for the symbols given on the
// command line and prints them.
package main

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"sort"
	"time"

	"tradewire/internal/auth"
	"tradewire/internal/config"
	"tradewire/internal/rest"
	"tradewire/internal/util"
)

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintf(os.Stderr, "usage: %s SYMBOL [SYMBOL...]\n", os.Args[0])
		os.Exit(2)
	}
	symbols := os.Args[1:]

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

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	quotes, err := client.GetQuotes(ctx, symbols)
	if err != nil {
		log.Fatalf("fetching quotes: %v", err)
	}

	keys := make([]string, 0, len(quotes))
	for sym := range quotes {
		keys = append(keys, sym)
	}
	sort.Strings(keys)

	fmt.Printf("%-10s %10s %10s %10s %10s\n", "SYMBOL", "BID", "ASK", "LAST", "MARK")
	for _, sym := range keys {
		q := quotes[sym]
		fmt.Printf("%-10s %10.2f %10.2f %10.2f %10.2f\n", sym, q.Bid, q.Ask, q.Last, q.Mark)
	}
}
