//go:build integration

// Package integration contains tests that run against a real OCI registry
// started with testcontainers. Run them with:
//
//	go test -tags integration ./integration/...
//
// Set SKIP_DOCKER_TESTS=1 to skip them when Docker is not available.
package integration
