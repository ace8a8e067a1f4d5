// ABOUTME: Package documentation for authentication.
// ABOUTME: Describes JWT verification and the HTTP middleware.

// Package auth authenticates API and WebSocket clients with HS256-signed
// JWTs. The middleware accepts tokens from the Authorization header or,
// for WebSocket upgrades, a token query parameter, and places the token
// subject in the request context.
package auth
