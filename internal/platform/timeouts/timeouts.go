// Package timeouts defines shared timeout constants used across the service.
// Centralizing these values prevents drift between boundaries and makes the
// durations discoverable.
package timeouts

import "time"

// ReadHeader limits how long the HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long the HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// UpstreamRequest caps the time allowed for a single call to an external
// collaborator (verdict generator, risk gate, auth introspection).
const UpstreamRequest = 10 * time.Second

// RedisDial caps the wait time when establishing the coordination-service
// connection at startup.
const RedisDial = 3 * time.Second
