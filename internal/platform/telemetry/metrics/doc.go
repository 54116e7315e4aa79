// Package metrics provides operational metrics collection.
//
// # Metric Categories
//
//   - Events: routed chat events by kind and outcome
//   - Deliveries: messages handed to the fan-out backbone by surface
//   - Latency: backing store round trips by operation
//   - Connections: live websocket connections
//
// Metrics live on a private registry so tests and multiple servers in one
// process never collide on global registration.
package metrics
