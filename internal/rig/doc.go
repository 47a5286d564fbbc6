// Package rig owns the actuator vocabulary shared by the wire codec and the mirror.
//
// Ownership boundary:
// - actuator identifiers and the known rig set
// - rotation sense and velocity normalization
// - operating modes
// - per-actuator speed limits
package rig
