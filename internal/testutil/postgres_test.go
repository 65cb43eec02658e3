package testutil

import (
	"errors"
	"net/url"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadTestDBConfig(t *testing.T) {
	t.Run("defaults to the local test database", func(t *testing.T) {
		for _, k := range []string{"TEST_DB_HOST", "TEST_DB_PORT", "TEST_DB_USER", "TEST_DB_PASSWORD", "TEST_DB_NAME", "TEST_DB_EPHEMERAL"} {
			t.Setenv(k, "")
			require.NoError(t, os.Unsetenv(k))
		}
		cfg, err := LoadTestDBConfig()
		require.NoError(t, err)
		assert.Equal(t, "localhost", cfg.Host)
		assert.Equal(t, "55432", cfg.Port)
		assert.Equal(t, "theia", cfg.User)
		assert.Equal(t, "theia", cfg.Name)
		assert.False(t, cfg.Ephemeral)
	})

	t.Run("respects environment overrides", func(t *testing.T) {
		t.Setenv("TEST_DB_HOST", "postgres")
		t.Setenv("TEST_DB_PORT", "5432")
		t.Setenv("TEST_DB_EPHEMERAL", "true")
		t.Setenv("TEST_REQUIRE_INFRA", "true")

		cfg, err := LoadTestDBConfig()
		require.NoError(t, err)
		assert.Equal(t, "postgres", cfg.Host)
		assert.Equal(t, "5432", cfg.Port)
		assert.True(t, cfg.Ephemeral)
		assert.True(t, cfg.required())
	})
}

func TestTestDBConfigDSN(t *testing.T) {
	cfg := TestDBConfig{Host: "db", Port: "5432", User: "u", Password: "p@ss/word", Name: "theia", SSLMode: "disable"}

	u, err := url.Parse(cfg.DSN("t_abcd1234"))
	require.NoError(t, err)
	assert.Equal(t, "db:5432", u.Host)
	pw, _ := u.User.Password()
	assert.Equal(t, "p@ss/word", pw)
	assert.Equal(t, "t_abcd1234,public", u.Query().Get("search_path"))
	assert.Equal(t, "disable", u.Query().Get("sslmode"))

	plain, err := url.Parse(cfg.DSN(""))
	require.NoError(t, err)
	assert.Empty(t, plain.Query().Get("search_path"))
}

func TestSchemaName(t *testing.T) {
	a, b := schemaName(), schemaName()
	assert.Regexp(t, `^t_[0-9a-f]{8}$`, a)
	assert.NotEqual(t, a, b)
}

func TestConcurrentTestRunnerKeepsOrder(t *testing.T) {
	boom := errors.New("boom")
	r := NewConcurrentTestRunner(t, nil)

	errs := r.RunConcurrent(
		func() error { return nil },
		func() error { return boom },
		func() error { return nil },
	)
	require.Len(t, errs, 3)
	assert.NoError(t, errs[0])
	assert.ErrorIs(t, errs[1], boom)
	assert.NoError(t, errs[2])
}
