package whatsapp

import (
	"fmt"

	waLog "go.mau.fi/whatsmeow/util/log"

	"github.com/josuesantos-jjr/archer-online-sub001/internal/pkg/logger"
)

// Logger bridges whatsmeow's logging into the structured logger. Lines below
// min are dropped before formatting.
type Logger struct {
	module string
	min    logger.Level
}

// NewLogger returns a waLog.Logger tagged with module.
func NewLogger(module string, min logger.Level) *Logger {
	return &Logger{module: module, min: min}
}

var _ waLog.Logger = (*Logger)(nil)

func (l *Logger) Debugf(msg string, args ...interface{}) { l.emit(logger.DEBUG, msg, args) }
func (l *Logger) Infof(msg string, args ...interface{})  { l.emit(logger.INFO, msg, args) }
func (l *Logger) Warnf(msg string, args ...interface{})  { l.emit(logger.WARN, msg, args) }
func (l *Logger) Errorf(msg string, args ...interface{}) { l.emit(logger.ERROR, msg, args) }

// Sub returns a child logger for a whatsmeow sub-module.
func (l *Logger) Sub(module string) waLog.Logger {
	return &Logger{module: l.module + "/" + module, min: l.min}
}

func (l *Logger) emit(level logger.Level, msg string, args []interface{}) {
	if level < l.min {
		return
	}
	text := fmt.Sprintf(msg, args...)
	switch level {
	case logger.DEBUG:
		logger.Debug(text, "module", l.module)
	case logger.INFO:
		logger.Info(text, "module", l.module)
	case logger.WARN:
		logger.Warn(text, "module", l.module)
	default:
		logger.Error(text, "module", l.module)
	}
}
