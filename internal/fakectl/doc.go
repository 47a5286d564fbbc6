// Package fakectl is an in-process remote controller speaking the rig wire
// protocol over websockets.
//
// Ownership boundary:
// - handshake access decisions through internal/auth
// - controller-side mode, actuator and emergency state
// - broadcasts to every connected client
//
// It backs integration tests and the fake-controller CLI command; it does not
// drive hardware.
package fakectl
