package socket

import "github.com/kleeedolinux/portal.go/debug"

// Logger is the structured logger used by servers, sockets and clients.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

func defaultLogger() Logger {
	return debug.Logger()
}
