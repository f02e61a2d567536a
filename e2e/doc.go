//go:build e2e

// Package e2e provides end-to-end tests for the decision service.
//
// These tests are isolated from the standard test suite via build tags.
// They start the service on a random port and drive it over real HTTP with
// simulated players, and are intended for CI pipelines or explicit local
// testing.
//
// Running E2E tests:
//
//	go test -tags=e2e ./e2e/...
//
// Running all tests except E2E:
//
//	go test ./...
//
// E2E tests use:
//   - internal/server started through Start/Shutdown
//   - internal/sim bandwidth traces to time simulated downloads
//
// Test isolation:
// Each test opens its own sessions against the shared server. Tests can run
// in parallel.
package e2e
