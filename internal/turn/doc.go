// Package turn implements the per-user turn orchestrator: single-flight
// enforcement through an active-turn table, consumption of the agent
// runtime's event stream, the inactivity watchdog and hard-ceiling timers,
// and the mapping of terminal outcomes to user-visible messages.
package turn
