package ws

import "errors"

var (
	// ErrHandshakeTimeout indicates the websocket handshake exceeded the configured timeout.
	ErrHandshakeTimeout = errors.New("websocket handshake timed out")
	// ErrSessionShutdown is emitted when the server requests a session shutdown.
	ErrSessionShutdown = errors.New("websocket session shutdown")
	// ErrConnectionClosed is returned by Send after the connection stopped.
	ErrConnectionClosed = errors.New("websocket connection closed")
	// ErrQueueFull is returned by Send when the client is not reading fast enough.
	ErrQueueFull = errors.New("websocket outbound queue full")
	// ErrEncodeFailed closes a connection whose outbound event cannot be serialized.
	ErrEncodeFailed = errors.New("websocket event encode failed")
)
