package shardnode

import "github.com/shardkv/shardnode/pkg/fabric"

// Logger, LogLevel, and the level constants are aliased from the
// fabric package so every layer of the node shares one logging
// vocabulary without an import cycle (fabric cannot depend back on
// shardnode).
type (
	Logger   = fabric.Logger
	LogLevel = fabric.LogLevel
)

const (
	LogLevelNone  = fabric.LogLevelNone
	LogLevelError = fabric.LogLevelError
	LogLevelWarn  = fabric.LogLevelWarn
	LogLevelInfo  = fabric.LogLevelInfo
	LogLevelDebug = fabric.LogLevelDebug
)

// NewBasicLogger returns the default stderr-backed Logger.
func NewBasicLogger(level LogLevel) Logger { return fabric.NewBasicLogger(level) }

// NopLogger discards everything logged to it.
func NopLogger() Logger { return fabric.NopLogger() }
