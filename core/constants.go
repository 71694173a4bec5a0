package core

import "time"

// Environment Variables
const (
	// EnvRedisURL is the Redis connection URL backing session.Store
	// when a Redis-backed implementation is configured.
	EnvRedisURL = "ORCHESTRATOR_REDIS_URL"

	// EnvDevMode toggles verbose, human-readable logging over structured JSON.
	EnvDevMode = "ORCHESTRATOR_DEV_MODE"
)

// Redis Key Prefixes
const (
	// DefaultSessionKeyPrefix namespaces SessionContext entries in Redis.
	// Format: <prefix><sessionID>
	DefaultSessionKeyPrefix = "orchestrator:session:"

	// DefaultSnapshotKeyPrefix namespaces backend Snapshot tokens in Redis.
	// Format: <prefix><agentID>:<version>
	DefaultSnapshotKeyPrefix = "orchestrator:snapshot:"
)

// Defaults shared across the coordination engine. Component-specific
// defaults (rate limits, restart budgets, buffer sizes) live alongside
// their owning package rather than here.
const (
	// DefaultSessionTTL bounds how long an idle SessionContext is retained.
	DefaultSessionTTL = 24 * time.Hour
)
