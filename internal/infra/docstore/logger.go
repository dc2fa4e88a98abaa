package docstore

import (
	"context"
	"errors"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"
)

// gormLogger routes gorm's output through zap. Statements log at Debug,
// failures at Error.
type gormLogger struct {
	logger *zap.Logger
}

func newGormLogger(logger *zap.Logger) gormlogger.Interface {
	return &gormLogger{logger: logger.Named("gorm")}
}

func (l *gormLogger) LogMode(gormlogger.LogLevel) gormlogger.Interface {
	return l
}

func (l *gormLogger) Info(_ context.Context, s string, args ...any) {
	l.logger.Sugar().Infof(s, args...)
}

func (l *gormLogger) Warn(_ context.Context, s string, args ...any) {
	l.logger.Sugar().Warnf(s, args...)
}

func (l *gormLogger) Error(_ context.Context, s string, args ...any) {
	l.logger.Sugar().Errorf(s, args...)
}

func (l *gormLogger) Trace(_ context.Context, begin time.Time, fc func() (string, int64), err error) {
	failed := err != nil && !errors.Is(err, gorm.ErrRecordNotFound)
	if !failed && !l.logger.Core().Enabled(zap.DebugLevel) {
		return
	}

	sql, rows := fc()
	fields := []zap.Field{
		zap.String("sql", sql),
		zap.Int64("rows", rows),
		zap.Duration("duration", time.Since(begin)),
	}
	if failed {
		l.logger.Error("query error", append(fields, zap.Error(err))...)
		return
	}
	l.logger.Debug("query", fields...)
}
