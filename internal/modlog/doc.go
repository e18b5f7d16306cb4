// Package modlog delivers moderation log lines to guild log channels
// asynchronously: bounded queue, supervised workers, token-bucket rate limit,
// jittered retry and short-window dedup.
package modlog
