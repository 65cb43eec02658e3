package bootstrap

import (
	"testing"

	"github.com/project-theia/theia-api/config"
	"github.com/stretchr/testify/assert"
)

func TestPostgresDSN(t *testing.T) {
	dsn := postgresDSN(config.DBConfig{
		Host: "db", Port: 5432, User: "theia", Password: "p@ss word", Name: "jobs", SSLMode: "require",
	})
	assert.Equal(t, "postgres://theia:p%40ss%20word@db:5432/jobs?sslmode=require", dsn)
}
