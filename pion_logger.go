package call

import (
	"fmt"

	"github.com/pion/logging"
	"github.com/siproxylin/drunk-call-service/shared"
	"go.uber.org/zap"
)

// pionLoggerFactory routes the engine's internal logging onto ours.
// Engine info is demoted to debug; it is chatty during gathering.
type pionLoggerFactory struct {
	logger shared.LoggerAdapter
}

var _ logging.LoggerFactory = (*pionLoggerFactory)(nil)

func (f *pionLoggerFactory) NewLogger(scope string) logging.LeveledLogger {
	return &pionLogger{logger: f.logger.With(zap.String("pion", scope))}
}

type pionLogger struct {
	logger shared.LoggerAdapter
}

func (l *pionLogger) Trace(msg string) { l.logger.Trace(msg) }
func (l *pionLogger) Tracef(format string, args ...any) {
	l.logger.Trace(fmt.Sprintf(format, args...))
}
func (l *pionLogger) Debug(msg string) { l.logger.Debug(msg) }
func (l *pionLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
func (l *pionLogger) Info(msg string) { l.logger.Debug(msg) }
func (l *pionLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
func (l *pionLogger) Warn(msg string) { l.logger.Warn(msg) }
func (l *pionLogger) Warnf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}
func (l *pionLogger) Error(msg string) { l.logger.Error(msg, nil) }
func (l *pionLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...), nil)
}
