// Package websocket provides run status streaming via WebSocket.
//
// Clients can connect to /api/v1/runs/:id/ws to receive a snapshot of the run
// and its jobs whenever one of them changes. The connection is closed once the
// run is terminal.
package websocket
