// Package config loads the environment variables named in §6 the
// way FluxForge's main.go loads its own: os.Getenv with fmt.Sscanf
// for numeric overrides and a hardcoded default when unset. No config
// file, no hot reload — see SPEC_FULL.md A.3 for why that's the right
// amount of machinery here.
package config

import (
	"fmt"
	"os"
	"time"
)

// Config is every environment-controlled knob the orchestrator reads
// at startup.
type Config struct {
	DBURL             string
	RedisAddr         string
	APIKey            string
	HTTPAddr          string
	EventRetention    int           // ORCH_EVENT_RETENTION, min retained events (R)
	StaleThreshold    time.Duration // ORCH_STALE_THRESHOLD_MS
	DailyBudgetUSD    float64
	MonthlyBudgetUSD  float64
	MaxAgents         int
	ReviewMaxIter     int
	PodIndex          int
	PodCount          int
	AnthropicAPIKey   string
	GitHubToken       string
}

// Load reads the process environment into a Config, applying the
// same defaults FluxForge applies for its own scheduler/shard knobs.
func Load() Config {
	c := Config{
		DBURL:            os.Getenv("ORCH_DB_URL"),
		RedisAddr:        getenvDefault("REDIS_ADDR", "localhost:6379"),
		APIKey:           os.Getenv("ORCH_API_KEY"),
		HTTPAddr:         getenvDefault("ORCH_HTTP_ADDR", ":8080"),
		EventRetention:   1000,
		StaleThreshold:   30 * time.Second,
		DailyBudgetUSD:   100.0,
		MonthlyBudgetUSD: 2000.0,
		MaxAgents:        10,
		ReviewMaxIter:    5,
		PodIndex:         0,
		PodCount:         1,
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
		GitHubToken:      os.Getenv("GITHUB_TOKEN"),
	}

	if v := os.Getenv("ORCH_EVENT_RETENTION"); v != "" {
		fmt.Sscanf(v, "%d", &c.EventRetention)
	}
	if v := os.Getenv("ORCH_STALE_THRESHOLD_MS"); v != "" {
		var ms int
		fmt.Sscanf(v, "%d", &ms)
		if ms > 0 {
			c.StaleThreshold = time.Duration(ms) * time.Millisecond
		}
	}
	if v := os.Getenv("ORCH_DAILY_BUDGET_USD"); v != "" {
		fmt.Sscanf(v, "%f", &c.DailyBudgetUSD)
	}
	if v := os.Getenv("ORCH_MONTHLY_BUDGET_USD"); v != "" {
		fmt.Sscanf(v, "%f", &c.MonthlyBudgetUSD)
	}
	if v := os.Getenv("ORCH_MAX_AGENTS"); v != "" {
		fmt.Sscanf(v, "%d", &c.MaxAgents)
	}
	if v := os.Getenv("ORCH_REVIEW_MAX_ITER"); v != "" {
		fmt.Sscanf(v, "%d", &c.ReviewMaxIter)
	}
	if v := os.Getenv("POD_INDEX"); v != "" {
		fmt.Sscanf(v, "%d", &c.PodIndex)
	}
	if v := os.Getenv("POD_COUNT"); v != "" {
		fmt.Sscanf(v, "%d", &c.PodCount)
	}
	return c
}

func getenvDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
