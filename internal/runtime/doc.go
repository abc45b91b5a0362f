// Package runtime defines the contract between the turn orchestrator and the
// agent runtime: a request carrying the user's context, and a stream of
// events the orchestrator consumes until the turn settles.
package runtime
