package talkwire

import "time"

// Config controls connection, liveness and retry behavior.
type Config struct {
	// WebSocketURL returns the address to dial. It is resolved on every
	// attempt so the base URL may change between reconnects.
	WebSocketURL func() string

	HandshakeTimeout time.Duration
	ReadTimeout      time.Duration // 0 disables; heartbeats already bound liveness
	WriteTimeout     time.Duration

	// HeartbeatInterval is how often a ping frame is sent while connected.
	// PongTimeout is how long to wait for the answering pong before the
	// connection is treated as dead.
	HeartbeatInterval time.Duration
	PongTimeout       time.Duration

	// Reconnect backoff: min(InitialReconnectDelay × 2^min(attempt, 5),
	// MaxReconnectDelay).
	InitialReconnectDelay time.Duration
	MaxReconnectDelay     time.Duration

	// EventBuffer is the per-subscriber event capacity. The oldest buffered
	// events are dropped when a consumer falls behind.
	EventBuffer int

	// TypingTTL is how long a typing signal stays valid without renewal.
	TypingTTL time.Duration

	// Foreground reports whether the app is currently in the foreground.
	// Consumers use it for notification decisions; the core never owns
	// lifecycle state. Nil means always foreground.
	Foreground func() bool
}

// reconnectExponentCap bounds the backoff exponent so the shift cannot
// overflow regardless of how long the link stays down.
const reconnectExponentCap = 5

// DefaultConfig returns the production defaults.
func DefaultConfig() Config {
	return Config{
		HandshakeTimeout:      10 * time.Second,
		WriteTimeout:          10 * time.Second,
		HeartbeatInterval:     25 * time.Second,
		PongTimeout:           10 * time.Second,
		InitialReconnectDelay: time.Second,
		MaxReconnectDelay:     30 * time.Second,
		EventBuffer:           512,
		TypingTTL:             5 * time.Second,
	}
}
