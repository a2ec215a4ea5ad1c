package server

import "time"

// HTTP and websocket timing.
const (
	// DefaultFrameTimeout ends a stream client session when no frame arrives in time.
	DefaultFrameTimeout = 5 * time.Second

	// DefaultSnapshotTimeout bounds one snapshot request, including time queued.
	DefaultSnapshotTimeout = 15 * time.Second

	// Boundary separates MJPEG parts on /stream.
	Boundary = "frame"

	// WebSocketPingInterval is how often to send ping messages to clients
	WebSocketPingInterval = 54 * time.Second

	// WebSocketReadDeadline is the deadline for reading WebSocket messages
	WebSocketReadDeadline = 60 * time.Second

	// WebSocketWriteDeadline is the deadline for writing WebSocket messages
	WebSocketWriteDeadline = 10 * time.Second

	// WebSocketReadLimit is the maximum message size for incoming WebSocket messages
	WebSocketReadLimit = 512
)
