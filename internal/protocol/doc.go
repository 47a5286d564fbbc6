// Package protocol owns the controller wire contract.
//
// Ownership boundary:
// - one JSON object per frame with a string "type" discriminator
// - typed inbound payload decoders
// - outbound message shapes and encoding
// - the typed feed delta (ignore-unknown policy)
//
// The package holds no business logic; merge rules live in the mirror.
package protocol
