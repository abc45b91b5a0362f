// Package approval brokers human confirmation of money-moving tool
// invocations. Every pending approval resolves exactly once: by an
// explicit decision, or by the expiry timer denying it.
package approval
