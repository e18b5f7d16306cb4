// Package logx configures modguard's structured logging.
//
// A small wrapper (logx.Logger) on top of zerolog keeps:
//   - Console output readable (short timestamp + short caller)
//   - File output JSON-structured
//   - An optional moderation log-channel sink (min-level + rate limiting)
package logx
