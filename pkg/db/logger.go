package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	applog "adgate/pkg/logger"

	"go.uber.org/zap"
	"gorm.io/gorm/logger"
	"gorm.io/gorm/utils"
)

const defaultSlowQuery = 200 * time.Millisecond

// gormLogger routes gorm output through zap, tagged with the caller's trace.
type gormLogger struct {
	level   logger.LogLevel
	slow    time.Duration
	showSQL bool
}

func newGormLogger(level logger.LogLevel, showSQL bool) *gormLogger {
	return &gormLogger{level: level, slow: defaultSlowQuery, showSQL: showSQL}
}

func (l *gormLogger) LogMode(level logger.LogLevel) logger.Interface {
	cp := *l
	cp.level = level
	return &cp
}

func (l *gormLogger) Info(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Info {
		applog.FromContext(ctx).Info(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Warn(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Warn {
		applog.FromContext(ctx).Warn(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Error(ctx context.Context, msg string, data ...any) {
	if l.level >= logger.Error {
		applog.FromContext(ctx).Error(fmt.Sprintf(msg, data...))
	}
}

func (l *gormLogger) Trace(ctx context.Context, begin time.Time, fc func() (string, int64), err error) {
	if l.level <= logger.Silent {
		return
	}

	elapsed := time.Since(begin)
	query := func() []zap.Field {
		sql, rows := fc()
		return []zap.Field{
			zap.String("file", utils.FileWithLineNum()),
			zap.String("sql", sql),
			zap.Int64("rows", rows),
			zap.Duration("elapsed", elapsed),
		}
	}

	log := applog.FromContext(ctx)
	switch {
	case err != nil && !errors.Is(err, logger.ErrRecordNotFound) && l.level >= logger.Error:
		log.Error("db.query failed", append(query(), zap.Error(err))...)
	case l.slow > 0 && elapsed > l.slow && l.level >= logger.Warn:
		log.Warn("db.query slow", append(query(), zap.Duration("threshold", l.slow))...)
	case l.showSQL && l.level >= logger.Info:
		log.Debug("db.query", query()...)
	}
}
