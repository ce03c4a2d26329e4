// Package transport holds the HTTP plumbing shared by the authcore API:
// the middleware chain, request IDs, and JSON response helpers.
//
// # Middleware
//
// Middleware wraps an http.Handler with cross-cutting concerns. Built-in
// middleware provides panic recovery, request ID assignment
// (X-Request-ID), and structured request logging via log/slog.
//
// # Responses
//
// Recipe outcomes are reported as HTTP 200 with a JSON body whose "status"
// field carries a stable status string. Only infrastructure failures map to
// 5xx responses.
package transport
