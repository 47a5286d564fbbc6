// Package mirror owns the local copy of controller state and its merge rules.
package mirror
