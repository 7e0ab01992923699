// Command loadtest drives synthetic load against the BookSwap notification
// server. Tokens are minted locally with the same secret the server uses, so
// every simulated user passes JWT verification.
//
// Scenarios:
//
//	saturate — ramp up N connections authenticating via the query string,
//	           hold them open with periodic pings, then disconnect.
//	auth     — connect anonymously and storm the message-path authenticate
//	           handshake, measuring time to auth_success.
package main

import (
	"flag"
	"fmt"
	"os"
)

func main() {
	var (
		scenario   = flag.String("scenario", "saturate", "scenario to run: saturate | auth")
		url        = flag.String("url", "ws://localhost:8080/ws", "WebSocket URL of the server")
		metricsURL = flag.String("metrics", "http://localhost:8080/metrics", "Prometheus metrics URL (empty to disable scraping)")
		n          = flag.Int("n", 100, "number of concurrent clients")
		secret     = flag.String("secret", os.Getenv("SECRET_KEY"), "JWT signing secret (defaults to $SECRET_KEY)")
		holdSecs   = flag.Int("hold", 30, "seconds to hold connections open")
		rampMs     = flag.Int("ramp", 10, "milliseconds between connection attempts")
	)
	flag.Parse()

	if *secret == "" {
		fmt.Fprintln(os.Stderr, "a JWT secret is required: pass -secret or set SECRET_KEY")
		os.Exit(1)
	}

	cfg := scenarioConfig{
		url:        *url,
		metricsURL: *metricsURL,
		clients:    *n,
		secret:     *secret,
		holdSecs:   *holdSecs,
		rampMs:     *rampMs,
	}

	switch *scenario {
	case "saturate":
		runSaturate(cfg)
	case "auth":
		runAuthStorm(cfg)
	default:
		fmt.Fprintf(os.Stderr, "unknown scenario %q\n", *scenario)
		os.Exit(1)
	}
}
