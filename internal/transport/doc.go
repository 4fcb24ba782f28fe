// Package transport owns the client side of a long-lived WebSocket channel.
//
// Ownership boundary:
// - connection state and the connect timeout
// - reconnect policy and the single pending reconnect timer
// - suppression of callbacks from connections that were replaced or closed
//
// Sessions build on Socket and never touch the underlying connection.
package transport
