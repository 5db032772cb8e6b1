package logger

import (
	"time"

	"github.com/TheZeroSlave/zapsentry"
	"github.com/getsentry/sentry-go"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config holds logger configuration
type Config struct {
	Debug     bool
	SentryDSN string
	Tags      map[string]string
}

// Logger bundles the zap logger with the sentry client it reports to, if any.
type Logger struct {
	*zap.Logger
	sentryClient *sentry.Client
}

// New builds a logger. Errors are forwarded to sentry when a DSN is configured.
func New(cfg Config) (*Logger, error) {
	var zapConfig zap.Config
	if cfg.Debug {
		zapConfig = zap.NewDevelopmentConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
	} else {
		zapConfig = zap.NewProductionConfig()
		zapConfig.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
	}

	base, err := zapConfig.Build()
	if err != nil {
		return nil, err
	}

	if cfg.SentryDSN == "" {
		return &Logger{Logger: base}, nil
	}

	client, err := sentry.NewClient(sentry.ClientOptions{
		Dsn:   cfg.SentryDSN,
		Debug: cfg.Debug,
	})
	if err != nil {
		return nil, err
	}

	core, err := zapsentry.NewCore(zapsentry.Configuration{
		Level:             zapcore.ErrorLevel,
		EnableBreadcrumbs: true,
		BreadcrumbLevel:   zapcore.InfoLevel,
		Tags:              cfg.Tags,
	}, zapsentry.NewSentryClientFromClient(client))
	if err != nil {
		return nil, err
	}

	return &Logger{
		Logger:       zapsentry.AttachCoreToLogger(core, base),
		sentryClient: client,
	}, nil
}

// Flush syncs the zap core and flushes buffered sentry events.
func (l *Logger) Flush(timeout time.Duration) {
	_ = l.Sync()
	if l.sentryClient != nil {
		l.sentryClient.Flush(timeout)
	}
}
