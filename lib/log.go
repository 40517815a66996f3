package lib

import "github.com/rs/zerolog"

var nopLogger = zerolog.Nop()

func loggerOrNop(l *zerolog.Logger) *zerolog.Logger {
	if l == nil {
		return &nopLogger
	}
	return l
}
