// Package http provides the HTTP REST API implementation.
//
// The HTTP server exposes endpoints for:
//   - Run creation, start, cancellation and deletion
//   - Run, job and resolved configuration queries
//   - Manual job retries
//   - Package provenance recording and resolution
//   - Health checks and Prometheus metrics
package http
