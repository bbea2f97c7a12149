package logging

import (
	"time"

	"hl-funding-arb/internal/config"

	"github.com/gin-gonic/gin"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

func New(cfg config.LoggingConfig) *zap.Logger {
	zapCfg := zap.NewProductionConfig()
	zapCfg.Level = zap.NewAtomicLevelAt(ParseLevel(cfg.Level))
	logger, err := zapCfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}

func ParseLevel(level string) zapcore.Level {
	switch level {
	case "debug":
		return zapcore.DebugLevel
	case "warn":
		return zapcore.WarnLevel
	case "error":
		return zapcore.ErrorLevel
	default:
		return zapcore.InfoLevel
	}
}

type cronLogger struct {
	log *zap.SugaredLogger
}

// CronLogger routes cron scheduler events to zap. Routine scheduling chatter
// goes to debug.
func CronLogger(log *zap.Logger) cron.Logger {
	return cronLogger{log: log.Named("cron").Sugar()}
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.log.Debugw(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.log.Errorw(msg, append(keysAndValues, "error", err)...)
}

// GinLogger logs one line per request.
func GinLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("latency", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		if c.Writer.Status() >= 500 {
			log.Warn("http request", fields...)
			return
		}
		log.Info("http request", fields...)
	}
}
