// Package server implements the realtime and HTTP surface of the room chat
// service.
//
// Clients connect over WebSocket at /admin and exchange JSON frames of the
// form {"event": name, "data": payload}. The Hub owns connection lifecycle
// and hands each room's events to a dedicated worker goroutine, which keeps
// per-room ordering and makes persistence happen before fan-out. HTTP
// handlers cover room management, password checks, history, the poll and
// stream notification channels, and push subscription.
package server
