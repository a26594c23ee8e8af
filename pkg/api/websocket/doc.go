// Package websocket provides real-time trace streaming via WebSocket.
//
// Clients connect to /api/v1/traces/:id/ws and receive a snapshot of the
// trace followed by its stage, replan and completion events.
package websocket
