// Package transport defines the contract between the turn orchestrator and a
// chat frontend: outbound delivery (messages, typing, approval prompts) and
// the inbound handler the frontend routes user activity into.
package transport
