// Package vault manages per-user wallet credentials. It generates one key
// pair per supported chain family, encrypts each secret individually with a
// passphrase-derived key, and exposes idempotent get-or-create semantics so
// a user always maps to exactly one set of addresses.
package vault
