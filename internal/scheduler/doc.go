// Package scheduler runs named periodic jobs on robfig/cron: sanction expiry
// ticks, ledger flushes and spam-window sweeps. A job never overlaps itself
// and every run gets a context that is cancelled on Stop.
package scheduler
