package testutil

import (
	"context"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/redis/go-redis/v9"
)

// TestRedisConfig locates the integration-test Redis.
type TestRedisConfig struct {
	// Addr pins one address; when empty the candidates are tried in order.
	Addr       string   `env:"REDIS_ADDR"`
	Candidates []string `env:"TEST_REDIS_CANDIDATES" envDefault:"redis:6379,localhost:6379,localhost:56379" envSeparator:","`
	// DB keeps tests off the application's database index.
	DB           int  `env:"TEST_REDIS_DB"       envDefault:"9"`
	Require      bool `env:"TEST_REQUIRE_REDIS"`
	RequireInfra bool `env:"TEST_REQUIRE_INFRA"`
}

func (c TestRedisConfig) addrs() []string {
	if c.Addr != "" {
		return []string{c.Addr}
	}
	return c.Candidates
}

// SetupTestRedis returns a client on an emptied test DB, skipping the test
// (or failing it, when required) if no Redis answers.
func SetupTestRedis(t TestingTB) *redis.Client {
	t.Helper()

	var cfg TestRedisConfig
	if err := env.Parse(&cfg); err != nil {
		t.Fatal("parse test redis config:", err)
	}

	for _, addr := range cfg.addrs() {
		client := redis.NewClient(&redis.Options{Addr: addr, DB: cfg.DB})
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		err := client.Ping(ctx).Err()
		if err == nil {
			err = client.FlushDB(ctx).Err()
		}
		cancel()
		if err != nil {
			t.Logf("redis not available at %s: %v", addr, err)
			closeQuietly(t, "redis probe", client)
			continue
		}

		t.Cleanup(func() {
			flushCtx, flushCancel := context.WithTimeout(context.Background(), 2*time.Second)
			defer flushCancel()
			if flushErr := client.FlushDB(flushCtx).Err(); flushErr != nil {
				t.Logf("flush test redis: %v", flushErr)
			}
		})
		return client
	}

	if cfg.Require || cfg.RequireInfra {
		t.Fatal("redis not available for testing")
	}
	t.Skip("redis not available for testing")
	return nil
}
