// Package ws implements the session Dialer and Conn contracts over
// gorilla/websocket, one JSON object per text frame.
package ws
