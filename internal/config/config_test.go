package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestLoadAppliesDefaultsWhenUnset(t *testing.T) {
	c := Load()
	assert.Equal(t, "localhost:6379", c.RedisAddr)
	assert.Equal(t, ":8080", c.HTTPAddr)
	assert.Equal(t, 1000, c.EventRetention)
	assert.Equal(t, 30*time.Second, c.StaleThreshold)
	assert.Equal(t, 100.0, c.DailyBudgetUSD)
	assert.Equal(t, 2000.0, c.MonthlyBudgetUSD)
	assert.Equal(t, 10, c.MaxAgents)
	assert.Equal(t, 5, c.ReviewMaxIter)
	assert.Equal(t, 0, c.PodIndex)
	assert.Equal(t, 1, c.PodCount)
}

func TestLoadOverridesFromEnv(t *testing.T) {
	t.Setenv("ORCH_DB_URL", "postgres://db")
	t.Setenv("REDIS_ADDR", "redis.internal:6380")
	t.Setenv("ORCH_API_KEY", "shh")
	t.Setenv("ORCH_HTTP_ADDR", ":9090")
	t.Setenv("ORCH_EVENT_RETENTION", "5000")
	t.Setenv("ORCH_STALE_THRESHOLD_MS", "15000")
	t.Setenv("ORCH_DAILY_BUDGET_USD", "250.50")
	t.Setenv("ORCH_MONTHLY_BUDGET_USD", "4000")
	t.Setenv("ORCH_MAX_AGENTS", "20")
	t.Setenv("ORCH_REVIEW_MAX_ITER", "3")
	t.Setenv("POD_INDEX", "2")
	t.Setenv("POD_COUNT", "4")

	c := Load()
	assert.Equal(t, "postgres://db", c.DBURL)
	assert.Equal(t, "redis.internal:6380", c.RedisAddr)
	assert.Equal(t, "shh", c.APIKey)
	assert.Equal(t, ":9090", c.HTTPAddr)
	assert.Equal(t, 5000, c.EventRetention)
	assert.Equal(t, 15*time.Second, c.StaleThreshold)
	assert.Equal(t, 250.50, c.DailyBudgetUSD)
	assert.Equal(t, 4000.0, c.MonthlyBudgetUSD)
	assert.Equal(t, 20, c.MaxAgents)
	assert.Equal(t, 3, c.ReviewMaxIter)
	assert.Equal(t, 2, c.PodIndex)
	assert.Equal(t, 4, c.PodCount)
}

func TestLoadIgnoresZeroStaleThresholdOverride(t *testing.T) {
	t.Setenv("ORCH_STALE_THRESHOLD_MS", "0")
	c := Load()
	assert.Equal(t, 30*time.Second, c.StaleThreshold, "a non-positive override must not clobber the default")
}
