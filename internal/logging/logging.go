// Package logging holds the logger shared by the bindings and the client core.
package logging

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/labstack/gommon/log"
)

// Logger the package wide logger, the level is read from LOG_LEVEL.
var Logger = New("messenger", os.Getenv("LOG_LEVEL"))

// New builds a logger for the prefix at the named level (DEBUG, INFO, WARN, ERROR or OFF).
func New(prefix, level string) *log.Logger {
	logger := log.New(prefix)
	logger.SetLevel(ParseLevel(level))
	logger.SetHeader("${time_rfc3339} ${level} ${short_file}:${line} -")
	return logger
}

// ParseLevel maps a level name onto a log level, unknown names fall back to INFO.
func ParseLevel(level string) log.Lvl {
	switch strings.ToUpper(level) {
	case "DEBUG":
		return log.DEBUG
	case "WARN":
		return log.WARN
	case "ERROR":
		return log.ERROR
	case "OFF":
		return log.OFF
	default:
		return log.INFO
	}
}

// Error helper function to log an error from code paths which have nobody to return it to.
//
// The header location always points at this package, the message carries the caller's instead.
func Error(_ context.Context, err error) {
	logError(2, err)
}

// ErrorDepth is Error for helpers wrapping it, depth is the number of frames between the
// helper and the code reporting the error.
func ErrorDepth(_ context.Context, depth int, err error) {
	logError(depth+2, err)
}

func logError(skip int, err error) {
	if err == nil {
		return
	}

	if _, file, line, ok := runtime.Caller(skip); ok {
		Logger.Errorf("%s:%d: %v", filepath.Base(file), line, err)
		return
	}
	Logger.Error(err.Error())
}
