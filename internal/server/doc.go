// Package server hosts the board API behind a single HTTP server.
//
// The server builds a consistent middleware chain of request ids, rate
// limiting, metrics, and logging so every endpoint shares common protections
// and instrumentation. All board methods dispatch through one pipeline
// handler; only /healthz and /metrics sit outside it.
package server
