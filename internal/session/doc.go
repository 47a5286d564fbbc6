// Package session owns the client side of the controller connection.
//
// Ownership boundary:
// - connection lifecycle and reconnect policy
// - authentication handshake
// - inbound frame dispatch into the mirror
// - outbound command building
//
// Every socket event, timer callback and public command runs on one event
// loop goroutine per Client, so loop-owned fields need no locking. Hooks run on
// that loop and must not call back into the Client synchronously.
package session
