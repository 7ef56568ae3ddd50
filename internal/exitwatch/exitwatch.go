// Package exitwatch reports when a process run by the process manager exits without being
// stopped. The manager only says so in its log and then restarts the process a second later,
// so the report is taken from the log entry and callers have that second to stop it.
package exitwatch

import (
	"github.com/edaniels/golog"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

const (
	exitMessage = "process exited before expected"
	codeField   = "code"
)

// UnknownCode is the exit code reported when the process ended on a signal.
const UnknownCode = -1

// Exit is one unexpected process exit.
type Exit struct {
	Code int
}

// Clean reports whether the process exited with code 0.
func (e Exit) Clean() bool {
	return e.Code == 0
}

// New returns a logger that logs like logger and also sends on the returned channel when a
// process managed with it exits on its own. Only the first exit is kept until it is received.
func New(logger golog.Logger) (golog.Logger, <-chan Exit) {
	exits := make(chan Exit, 1)
	watcher := &exitCore{LevelEnabler: zapcore.InfoLevel, exits: exits}
	wrapped := logger.Desugar().WithOptions(zap.WrapCore(func(c zapcore.Core) zapcore.Core {
		return zapcore.NewTee(c, watcher)
	}))
	return wrapped.Sugar(), exits
}

type exitCore struct {
	zapcore.LevelEnabler
	exits chan<- Exit
}

func (c *exitCore) With([]zapcore.Field) zapcore.Core {
	return c
}

func (c *exitCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if ent.Message == exitMessage && c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *exitCore) Write(_ zapcore.Entry, fields []zapcore.Field) error {
	exit := Exit{Code: UnknownCode}
	for _, field := range fields {
		if field.Key == codeField && field.Type == zapcore.Int64Type {
			exit.Code = int(field.Integer)
		}
	}
	select {
	case c.exits <- exit:
	default:
	}
	return nil
}

func (c *exitCore) Sync() error {
	return nil
}
