// Package postgres drives the database engine through its command-line
// tooling: cluster initialization, readiness probing, role and database
// creation, and the post-activation round-trip check.
package postgres
