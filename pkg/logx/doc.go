// Package logx wraps zerolog behind a small Field-based API so services can
// hold a Logger that stays live across runtime config changes (level, sinks).
package logx
