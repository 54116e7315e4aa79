// Package chat implements a real-time chat relay.
//
// Clients join named rooms over WebSocket, exchange messages, and see
// join/leave notices. A joining user receives the room's recent history
// before the room hears about them. The router in router/ holds no state;
// presence and the bounded history live in storage/ and every delivery goes
// through broadcast/, in-process or relayed over NATS.
package chat
