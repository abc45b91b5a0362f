// Package session maintains the per-user in-memory aggregate: decrypted
// wallet handles, a bounded view of the conversation history, and the
// plumbing that keeps the view consistent with the durable log.
package session
