package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("STORE_MEMORY_FILE", "testdata/postcodes.jsonl")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PG_HOST", "")
	t.Setenv("REDIS_HOST", "")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, ":8080", c.Addr())
	assert.Equal(t, 10*time.Minute, c.CacheTTL)
	assert.Equal(t, "geo-boundaries", c.S3Bucket)
	assert.Equal(t, 8, c.Fanout)
	assert.Equal(t, 10000.0, c.MaxDistance)
	assert.Equal(t, 2.0, c.RateLimitQPS)
	assert.Equal(t, 4, c.RateLimitBurst)
	assert.Empty(t, c.RedisAddr)
	assert.Empty(t, c.DatabaseURL)
}

func TestLoadPostgresAndRedis(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PG_HOST", "db")
	t.Setenv("PG_USER", "api")
	t.Setenv("PG_PASSWORD", "secret")
	t.Setenv("PG_DBNAME", "geo")
	t.Setenv("REDIS_HOST", "cache")
	t.Setenv("STORE_CACHE_TTL", "30")
	t.Setenv("RATE_LIMIT_EXEMPT_KEYS", " a, ,b ")
	t.Setenv("API_BASE", "/v1/")

	c, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "postgres://api:secret@db:5432/geo?sslmode=disable", c.DatabaseURL)
	assert.Equal(t, "cache:6379", c.RedisAddr)
	assert.Equal(t, 30*time.Second, c.CacheTTL)
	assert.Equal(t, []string{"a", "b"}, c.RateLimitExemptKeys)
	assert.Equal(t, "/v1", c.APIBase)
}

func TestLoadRejectsInvalid(t *testing.T) {
	t.Setenv("STORE_MEMORY_FILE", "fixture.jsonl")

	t.Run("port", func(t *testing.T) {
		t.Setenv("PORT", "70000")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "Port")
	})
	t.Run("api base", func(t *testing.T) {
		t.Setenv("API_BASE", "v1")
		_, err := Load()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "APIBase")
	})
	t.Run("max distance", func(t *testing.T) {
		t.Setenv("MAX_DISTANCE_FROM_POINT", "-5")
		_, err := Load()
		require.Error(t, err)
	})
}

func TestLoadRequiresStore(t *testing.T) {
	t.Setenv("STORE_MEMORY_FILE", "")
	t.Setenv("DATABASE_URL", "")
	t.Setenv("PG_HOST", "")
	_, err := Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no store configured")
}
