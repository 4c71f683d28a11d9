package debug

import (
	"io"
	"log/slog"
	"os"
	"strconv"
	"sync"
)

var (
	level = new(slog.LevelVar)

	loggerOnce sync.Once
	logger     *slog.Logger
)

func init() {
	level.Set(slog.LevelInfo)

	debugEnv, exists := os.LookupEnv("PORTAL_DEBUG")
	if exists {
		if val, err := strconv.ParseBool(debugEnv); err == nil && val {
			Enable()
		}
	}
}

// Logger returns the process logger used when no other logger is configured.
// It writes text records to stderr at the level controlled by Enable and Disable.
func Logger() *slog.Logger {
	loggerOnce.Do(func() {
		logger = slog.New(newHandler(os.Stderr))
	})
	return logger
}

func newHandler(w io.Writer) slog.Handler {
	return slog.NewTextHandler(w, &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: errorMessage,
	})
}

// errorMessage logs errors by their message only. Errors carrying a stack
// would otherwise print it in full.
func errorMessage(_ []string, a slog.Attr) slog.Attr {
	if err, ok := a.Value.Any().(error); ok {
		return slog.String(a.Key, err.Error())
	}
	return a
}

func Enabled() bool {
	return level.Level() <= slog.LevelDebug
}

func Enable() {
	level.Set(slog.LevelDebug)
}

func Disable() {
	level.Set(slog.LevelInfo)
}
