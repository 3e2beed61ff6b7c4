// Package log wires the process-wide go-kit logger: a level filter plus a
// format switch between logfmt and JSON output, the same two knobs Mimir
// exposes as LOG_LEVEL and LOG_FORMAT.
package log

import (
	"os"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"
)

// New builds a go-kit logger writing to stderr in the given format
// ("json", "logfmt", or "plain"), filtered to the given level
// ("debug", "info", "warn", "error"). An unrecognized level defaults to
// info; an unrecognized format defaults to logfmt.
func New(levelName, format string) log.Logger {
	var logger log.Logger
	switch format {
	case "json":
		logger = log.NewJSONLogger(log.NewSyncWriter(os.Stderr))
	case "plain":
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	default:
		logger = log.NewLogfmtLogger(log.NewSyncWriter(os.Stderr))
	}

	logger = log.With(logger, "ts", log.DefaultTimestampUTC, "caller", log.DefaultCaller)

	return level.NewFilter(logger, parseLevel(levelName))
}

func parseLevel(name string) level.Option {
	switch name {
	case "debug":
		return level.AllowDebug()
	case "warn":
		return level.AllowWarn()
	case "error":
		return level.AllowError()
	default:
		return level.AllowInfo()
	}
}
