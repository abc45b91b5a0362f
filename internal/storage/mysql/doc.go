// Package mysql provides the MySQL-backed implementations of the credential
// and conversation store contracts. It owns connection pooling and a minimal
// idempotent schema bootstrap; callers only see the store interfaces.
package mysql
