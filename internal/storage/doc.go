// Package storage is modguard's durable persistence layer.
//
// It holds three things:
//   - active temporary sanctions, keyed by (guild, user, kind)
//   - the append-only infraction ledger
//   - per-guild policy overrides written at runtime
//
// Two backends exist: "sqlite" (default) and "file" (journal + snapshot).
package storage
