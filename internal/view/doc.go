// Package view is a read-only terminal binding over a session mirror. Any
// number of views can watch one client; none of them send commands.
package view
