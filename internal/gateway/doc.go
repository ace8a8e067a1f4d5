// ABOUTME: Package documentation for the server assembly.
// ABOUTME: Describes component wiring and the HTTP surface.

// Package gateway assembles the interview-gateway server: it wires the
// SQLite store, analysis gateway, result aggregator, session manager, and
// WebSocket stream gateway together from configuration, serves the HTTP
// API, and owns graceful shutdown ordering.
//
// The HTTP surface is a chi router: interview lifecycle endpoints under
// /api/interview, the per-session WebSocket stream under /ws/interview,
// and unauthenticated health probes. When a JWT secret is configured,
// everything except the health probes requires a valid token.
package gateway
