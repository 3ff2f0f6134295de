package stdout

import (
	"context"
	"io"
	"os"
	"time"

	"github.com/songzhibin97/routegate/pkg/log"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Logger implements log.Logger on top of zap, writing one JSON object per
// entry.
type Logger struct {
	zapLogger *zap.Logger
	level     log.Level
}

// Config represents the configuration options for Logger.
type Config struct {
	// Level sets the minimum logging level
	Level log.Level `json:"level" yaml:"level"`

	// TimeFormat specifies the time format for timestamps, RFC3339 by default
	TimeFormat string `json:"time_format,omitempty" yaml:"time_format"`

	EnableCaller     bool `json:"enable_caller" yaml:"enable_caller"`
	EnableStacktrace bool `json:"enable_stacktrace" yaml:"enable_stacktrace"`
	Development      bool `json:"development" yaml:"development"`

	// Output defaults to os.Stdout
	Output io.Writer `json:"-" yaml:"-"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Level:            log.InfoLevel,
		TimeFormat:       time.RFC3339,
		EnableStacktrace: true,
	}
}

// New creates a new Logger with the given configuration.
func New(config *Config) (*Logger, error) {
	if config == nil {
		config = DefaultConfig()
	}
	out := config.Output
	if out == nil {
		out = os.Stdout
	}

	encoderConfig := zapcore.EncoderConfig{
		TimeKey:        log.FieldTimestamp,
		LevelKey:       log.FieldLevel,
		NameKey:        "logger",
		CallerKey:      log.FieldCaller,
		MessageKey:     log.FieldMessage,
		StacktraceKey:  "stacktrace",
		LineEnding:     zapcore.DefaultLineEnding,
		EncodeLevel:    zapcore.LowercaseLevelEncoder,
		EncodeTime:     getTimeEncoder(config.TimeFormat),
		EncodeDuration: zapcore.MillisDurationEncoder,
		EncodeCaller:   zapcore.ShortCallerEncoder,
	}

	core := zapcore.NewCore(
		zapcore.NewJSONEncoder(encoderConfig),
		zapcore.AddSync(out),
		convertLogLevel(config.Level),
	)

	var options []zap.Option
	if config.EnableCaller {
		options = append(options, zap.AddCaller(), zap.AddCallerSkip(1))
	}
	if config.EnableStacktrace {
		options = append(options, zap.AddStacktrace(zapcore.ErrorLevel))
	}
	if config.Development {
		options = append(options, zap.Development())
	}

	return &Logger{
		zapLogger: zap.New(core, options...),
		level:     config.Level,
	}, nil
}

func (l *Logger) Debug(msg string, fields ...log.Field) {
	l.zapLogger.Debug(msg, convertToZapFields(fields)...)
}

func (l *Logger) Info(msg string, fields ...log.Field) {
	l.zapLogger.Info(msg, convertToZapFields(fields)...)
}

func (l *Logger) Warn(msg string, fields ...log.Field) {
	l.zapLogger.Warn(msg, convertToZapFields(fields)...)
}

func (l *Logger) Error(msg string, fields ...log.Field) {
	l.zapLogger.Error(msg, convertToZapFields(fields)...)
}

// Fatal logs and exits the process.
func (l *Logger) Fatal(msg string, fields ...log.Field) {
	l.zapLogger.Fatal(msg, convertToZapFields(fields)...)
}

// With creates a child logger carrying fields on every entry.
func (l *Logger) With(fields ...log.Field) log.Logger {
	if len(fields) == 0 {
		return l
	}
	return &Logger{
		zapLogger: l.zapLogger.With(convertToZapFields(fields)...),
		level:     l.level,
	}
}

// WithContext adds the active trace/span ids and the request id, when present.
func (l *Logger) WithContext(ctx context.Context) log.Logger {
	var fields []log.Field

	if sc := trace.SpanContextFromContext(ctx); sc.IsValid() {
		fields = append(fields,
			log.String(log.FieldTraceID, sc.TraceID().String()),
			log.String(log.FieldSpanID, sc.SpanID().String()),
		)
	}
	if requestID := log.RequestIDFromContext(ctx); requestID != "" {
		fields = append(fields, log.String(log.FieldRequestID, requestID))
	}

	return l.With(fields...)
}

// Sync flushes any buffered entries.
func (l *Logger) Sync() error {
	return l.zapLogger.Sync()
}

func convertLogLevel(level log.Level) zapcore.Level {
	switch level {
	case log.DebugLevel:
		return zapcore.DebugLevel
	case log.InfoLevel:
		return zapcore.InfoLevel
	case log.WarnLevel:
		return zapcore.WarnLevel
	case log.ErrorLevel:
		return zapcore.ErrorLevel
	case log.FatalLevel:
		return zapcore.FatalLevel
	default:
		return zapcore.InfoLevel
	}
}

func convertToZapFields(fields []log.Field) []zap.Field {
	zapFields := make([]zap.Field, len(fields))
	for i, field := range fields {
		zapFields[i] = convertToZapField(field)
	}
	return zapFields
}

func convertToZapField(field log.Field) zap.Field {
	switch v := field.Value.(type) {
	case string:
		return zap.String(field.Key, v)
	case []string:
		return zap.Strings(field.Key, v)
	case int:
		return zap.Int(field.Key, v)
	case int64:
		return zap.Int64(field.Key, v)
	case uint64:
		return zap.Uint64(field.Key, v)
	case float64:
		return zap.Float64(field.Key, v)
	case bool:
		return zap.Bool(field.Key, v)
	case time.Time:
		return zap.Time(field.Key, v)
	case time.Duration:
		return zap.Duration(field.Key, v)
	case error:
		return zap.NamedError(field.Key, v)
	default:
		return zap.Any(field.Key, v)
	}
}

func getTimeEncoder(format string) zapcore.TimeEncoder {
	switch format {
	case "", time.RFC3339:
		return zapcore.RFC3339TimeEncoder
	case time.RFC3339Nano:
		return zapcore.RFC3339NanoTimeEncoder
	default:
		return func(t time.Time, enc zapcore.PrimitiveArrayEncoder) {
			enc.AppendString(t.Format(format))
		}
	}
}
