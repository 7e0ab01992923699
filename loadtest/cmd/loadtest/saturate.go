package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/bookswap/exchange-app/loadtest/client"
	"github.com/bookswap/exchange-app/loadtest/stats"
)

type scenarioConfig struct {
	url        string
	metricsURL string
	clients    int
	secret     string
	holdSecs   int
	rampMs     int
}

// mintToken signs a short-lived HS256 token for the given synthetic user.
func mintToken(secret string, userID int64) (string, error) {
	claims := jwt.MapClaims{
		"user_id": userID,
		"exp":     time.Now().Add(2 * time.Hour).Unix(),
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(secret))
}

// runSaturate ramps up cfg.clients connections, each authenticating through
// the query-string path, holds them open with periodic pings, and reports.
func runSaturate(cfg scenarioConfig) {
	fmt.Printf("saturate: %d clients against %s, hold %ds\n", cfg.clients, cfg.url, cfg.holdSecs)

	collector := stats.NewCollector()
	if cfg.metricsURL != "" {
		scraper := stats.NewScraper(cfg.metricsURL, 2*time.Second)
		scraper.Start(context.Background())
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var wg sync.WaitGroup
	for i := 0; i < cfg.clients; i++ {
		userID := int64(i + 1)
		wg.Add(1)
		go func() {
			defer wg.Done()

			token, err := mintToken(cfg.secret, userID)
			if err != nil {
				collector.AddError()
				return
			}

			c, err := client.New(ctx, cfg.url+"?token="+token)
			if err != nil {
				collector.AddError()
				return
			}
			defer c.Close()

			authCtx, authCancel := context.WithTimeout(ctx, 10*time.Second)
			defer authCancel()
			if _, err := c.WaitForAuth(authCtx); err != nil {
				collector.AddAuthFailure()
				return
			}

			m := c.GetMetrics()
			collector.AddConnect(m.ConnectLatency)
			collector.AddAuthLatency(m.AuthLatency)

			// Hold the connection open, pinging every 20s so the
			// heartbeat reaper leaves us alone.
			hold := time.After(time.Duration(cfg.holdSecs) * time.Second)
			ticker := time.NewTicker(20 * time.Second)
			defer ticker.Stop()
			for {
				select {
				case <-hold:
					return
				case <-ctx.Done():
					return
				case <-ticker.C:
					if err := c.Ping(); err != nil {
						collector.AddError()
						return
					}
				}
			}
		}()

		time.Sleep(time.Duration(cfg.rampMs) * time.Millisecond)
	}

	wg.Wait()
	collector.Report()
}
