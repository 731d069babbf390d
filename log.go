package mssql

import (
	"log"
	"os"
)

// logFlags is a bitmask log-selector, parsed from the "log"
// configuration/connection-string parameter.
type logFlags uint64

const (
	logErrors logFlags = 1 << iota
	logMessages
	logRows
	logDebug
	logTransaction
)

// optionalLogger is the logging seam injected via Config.Logger. The
// core holds no package-level logging statics; every session carries
// its own logger reference ("global mutable state").
type optionalLogger interface {
	Println(v ...interface{})
	Printf(format string, v ...interface{})
}

func defaultLogger() optionalLogger {
	return log.New(os.Stderr, "mssql: ", log.LstdFlags)
}

type noopLogger struct{}

func (noopLogger) Println(v ...interface{}) {}
func (noopLogger) Printf(format string, v ...interface{}) {}
