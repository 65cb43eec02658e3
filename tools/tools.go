//go:build tools
// +build tools

// Package tools documents development tool dependencies.
// These tools are run with `go run` or installed via `go install` and are not
// tracked in go.mod since they are development tools, not runtime dependencies.
package tools

// Development tools:
//
// mockgen - gomock generator for the ports in internal/core
//   Run: go generate ./internal/mocks
//   Version: v0.6.0 (pinned in internal/mocks/generate.go)
//   Docs: https://github.com/uber-go/mock
//
// Air - Live reload for cmd/theia during local development
//   Install: go install github.com/air-verse/air@v1.63.0
//   Docs: https://github.com/air-verse/air
