package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/bookswap/exchange-app/loadtest/client"
	"github.com/bookswap/exchange-app/loadtest/stats"
)

// runAuthStorm connects cfg.clients anonymous sockets and then fires the
// authenticate message on all of them at once, measuring time to auth_success.
// This exercises the message-path handshake under contention.
func runAuthStorm(cfg scenarioConfig) {
	fmt.Printf("auth storm: %d clients against %s\n", cfg.clients, cfg.url)

	collector := stats.NewCollector()
	if cfg.metricsURL != "" {
		scraper := stats.NewScraper(cfg.metricsURL, 2*time.Second)
		scraper.Start(context.Background())
		defer scraper.Stop()
		collector.SetScraper(scraper)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	// Phase 1: establish anonymous connections.
	clients := make([]*client.Client, 0, cfg.clients)
	for i := 0; i < cfg.clients; i++ {
		c, err := client.New(ctx, cfg.url)
		if err != nil {
			collector.AddError()
			continue
		}
		collector.AddConnect(c.GetMetrics().ConnectLatency)
		clients = append(clients, c)
		time.Sleep(time.Duration(cfg.rampMs) * time.Millisecond)
	}
	fmt.Printf("connected %d/%d anonymous clients\n", len(clients), cfg.clients)

	// Phase 2: everyone authenticates simultaneously.
	var wg sync.WaitGroup
	for i, c := range clients {
		userID := int64(i + 1)
		wg.Add(1)
		go func(c *client.Client) {
			defer wg.Done()
			defer c.Close()

			token, err := mintToken(cfg.secret, userID)
			if err != nil {
				collector.AddError()
				return
			}
			if err := c.Authenticate(token); err != nil {
				collector.AddError()
				return
			}

			authCtx, authCancel := context.WithTimeout(ctx, 15*time.Second)
			defer authCancel()
			if _, err := c.WaitForAuth(authCtx); err != nil {
				collector.AddAuthFailure()
				return
			}
			collector.AddAuthLatency(c.GetMetrics().AuthLatency)
		}(c)
	}

	wg.Wait()
	collector.Report()
}
