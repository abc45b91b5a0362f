// Package conversation provides the append-only per-user message log that
// backs the agent's conversational memory. The durable log is never
// truncated; bounded views are a session-registry concern.
package conversation
