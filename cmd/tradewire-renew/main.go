// tradewire-renew runs the one-time authorization-code flow: it prints the
// authorization URL, reads the code pasted back, and caches the resulting
// token pair for the other commands.
package main

import (
	"bufio"
	"context"
	"fmt"
	"log"
	"net/http"
	"os"
	"strings"
	"time"

	"tradewire/internal/auth"
	"tradewire/internal/config"
	"tradewire/internal/util"
)

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

	httpClient := &http.Client{Timeout: time.Duration(cfg.API.TimeoutSecs) * time.Second}
	cache := auth.NewFileCache(cfg.Storage.TokenCache)
	creds := auth.NewOAuthClient(cfg.API.AuthURL, cfg.API.TokenURL,
		cfg.API.AppKey, cfg.API.RedirectURL, cache, httpClient, logger)

	fmt.Println("Visit the following URL, authorize the app, and paste the")
	fmt.Println("code from the redirect URL below.")
	fmt.Println()
	fmt.Println("  " + creds.AuthURL())
	fmt.Println()
	fmt.Print("code: ")

	reader := bufio.NewReader(os.Stdin)
	code, err := reader.ReadString('\n')
	if err != nil {
		log.Fatalf("reading code: %v", err)
	}
	code = strings.TrimSpace(code)
	if code == "" {
		log.Fatal("no code given")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	tok, err := creds.Exchange(ctx, code)
	if err != nil {
		log.Fatalf("exchanging code: %v", err)
	}

	fmt.Printf("tokens cached at %s\n", cfg.Storage.TokenCache)
	fmt.Printf("access token valid until %s\n", tok.AccessExpiresAt.Format(time.RFC3339))
	if !tok.RefreshExpiresAt.IsZero() {
		fmt.Printf("refresh token valid until %s\n", tok.RefreshExpiresAt.Format(time.RFC3339))
	}
}
