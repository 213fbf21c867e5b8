package realtime

import "time"

// Security/performance limits.
const (
	// Max bytes per websocket frame read (hard limit). Content is capped at
	// 1024 runes by the engine; this leaves room for the envelope.
	maxFrameBytes = 16 << 10 // 16 KiB
)

const (
	// Heartbeat defaults (can be overridden by env, see LoadConfigFromEnv).
	heartbeatInterval = 25 * time.Second
	heartbeatTimeout  = 5 * time.Second

	// Per-connection rate limits (events per window).
	rateLimitEvents = 120
	rateLimitWindow = 10 * time.Second
)
