// Package timeouts defines shared timeout constants used across the chat
// process. Centralizing these values prevents drift between the transport,
// the stores and the fan-out relay.
package timeouts

import "time"

// ReadHeader limits how long an HTTP server waits for request headers.
const ReadHeader = 5 * time.Second

// Shutdown limits how long an HTTP server waits for in-flight requests
// during graceful shutdown.
const Shutdown = 5 * time.Second

// StoreOperation caps a single routed event's round trips to the backing
// store and fan-out backbone.
const StoreOperation = 3 * time.Second

// StoreDial caps the initial connectivity check against a backing store.
const StoreDial = 2 * time.Second

// RelayHeartbeat is the liveness ping interval on the fan-out backbone link.
const RelayHeartbeat = 20 * time.Second

// WebSocketWrite bounds a single frame write to a websocket client.
const WebSocketWrite = 10 * time.Second
