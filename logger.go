package lspbridge

import "log/slog"

// Logger is the structured logging interface used across the package.
// *slog.Logger satisfies it.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}

// defaultLogger returns the default slog logger from the standard library.
func defaultLogger() Logger {
	return slog.Default()
}

// withAttrs binds key-value pairs to l when the logger supports it, as
// *slog.Logger does. Other loggers are returned unchanged.
func withAttrs(l Logger, args ...any) Logger {
	if sl, ok := l.(*slog.Logger); ok {
		return sl.With(args...)
	}
	return l
}

// errAttr logs err by its message. Wrapped errors would otherwise print
// their stack traces, since handlers format error values with %+v.
func errAttr(err error) slog.Attr {
	if err == nil {
		return slog.String("error", "<nil>")
	}
	return slog.String("error", err.Error())
}
