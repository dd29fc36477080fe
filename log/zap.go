package log

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Environment controls the baseline zap profile.
type Environment string

const (
	EnvironmentProduction  Environment = "production"
	EnvironmentStaging     Environment = "staging"
	EnvironmentDevelopment Environment = "development"
	EnvironmentLocal       Environment = "local"
)

// ZapConfig contains the logger initialization inputs.
type ZapConfig struct {
	Environment Environment
	Level       string
}

func (cfg ZapConfig) validate() error {
	switch cfg.Environment {
	case EnvironmentProduction, EnvironmentStaging, EnvironmentDevelopment, EnvironmentLocal:
		return nil
	default:
		return fmt.Errorf("invalid environment %q", cfg.Environment)
	}
}

// ZapLogger adapts a zap logger to the Logger interface.
type ZapLogger struct {
	logger *zap.Logger
}

// NewZap creates a structured zap-backed logger with a runtime-adjustable level.
func NewZap(cfg ZapConfig) (*ZapLogger, zap.AtomicLevel, error) {
	if err := cfg.validate(); err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("invalid zap config: %w", err)
	}

	baseConfig := buildConfigByEnvironment(cfg.Environment)

	level, err := resolveLevel(cfg)
	if err != nil {
		return nil, zap.AtomicLevel{}, err
	}

	baseConfig.Level = level
	baseConfig.DisableStacktrace = true

	built, err := baseConfig.Build(zap.AddCallerSkip(1))
	if err != nil {
		return nil, zap.AtomicLevel{}, fmt.Errorf("failed to build logger: %w", err)
	}

	return &ZapLogger{logger: built}, level, nil
}

// NewZapFromCore wraps an existing zap logger. Used by tests with observer cores.
func NewZapFromCore(logger *zap.Logger) *ZapLogger {
	return &ZapLogger{logger: logger}
}

func buildConfigByEnvironment(env Environment) zap.Config {
	if env == EnvironmentLocal || env == EnvironmentDevelopment {
		cfg := zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder

		return cfg
	}

	return zap.NewProductionConfig()
}

func resolveLevel(cfg ZapConfig) (zap.AtomicLevel, error) {
	raw := strings.TrimSpace(cfg.Level)
	if raw == "" {
		if cfg.Environment == EnvironmentProduction {
			return zap.NewAtomicLevelAt(zapcore.InfoLevel), nil
		}

		return zap.NewAtomicLevelAt(zapcore.DebugLevel), nil
	}

	parsed, err := zapcore.ParseLevel(raw)
	if err != nil {
		return zap.AtomicLevel{}, fmt.Errorf("invalid log level %q: %w", raw, err)
	}

	return zap.NewAtomicLevelAt(parsed), nil
}

// Log implements Logger.
func (zl *ZapLogger) Log(_ context.Context, level Level, msg string, fields ...Field) {
	if zl == nil || zl.logger == nil {
		return
	}

	zapFields := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		zapFields = append(zapFields, toZapField(field))
	}

	switch level {
	case LevelDebug:
		zl.logger.Debug(sanitizeLogString(msg), zapFields...)
	case LevelInfo:
		zl.logger.Info(sanitizeLogString(msg), zapFields...)
	case LevelWarn:
		zl.logger.Warn(sanitizeLogString(msg), zapFields...)
	case LevelError:
		zl.logger.Error(sanitizeLogString(msg), zapFields...)
	}
}

// With implements Logger.
func (zl *ZapLogger) With(fields ...Field) Logger {
	if zl == nil || zl.logger == nil {
		return NewNop()
	}

	zapFields := make([]zap.Field, 0, len(fields))
	for _, field := range fields {
		zapFields = append(zapFields, toZapField(field))
	}

	return &ZapLogger{logger: zl.logger.With(zapFields...)}
}

// Enabled implements Logger.
func (zl *ZapLogger) Enabled(level Level) bool {
	if zl == nil || zl.logger == nil {
		return false
	}

	return zl.logger.Core().Enabled(toZapLevel(level))
}

// Sync implements Logger.
func (zl *ZapLogger) Sync(context.Context) error {
	if zl == nil || zl.logger == nil {
		return nil
	}

	return zl.logger.Sync()
}

func toZapLevel(level Level) zapcore.Level {
	switch level {
	case LevelDebug:
		return zapcore.DebugLevel
	case LevelInfo:
		return zapcore.InfoLevel
	case LevelWarn:
		return zapcore.WarnLevel
	default:
		return zapcore.ErrorLevel
	}
}

func toZapField(field Field) zap.Field {
	switch value := field.Value.(type) {
	case string:
		return zap.String(field.Key, sanitizeLogString(value))
	case int:
		return zap.Int(field.Key, value)
	case bool:
		return zap.Bool(field.Key, value)
	case error:
		return zap.NamedError(field.Key, value)
	default:
		return zap.Any(field.Key, value)
	}
}

// logControlCharReplacer escapes control characters that can be used for log
// injection (CWE-117): newlines and tabs in attacker-influenced strings can
// forge fake log entries.
var logControlCharReplacer = strings.NewReplacer(
	"\n", `\n`,
	"\r", `\r`,
	"\t", `\t`,
)

func sanitizeLogString(s string) string {
	return logControlCharReplacer.Replace(s)
}
