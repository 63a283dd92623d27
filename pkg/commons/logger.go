package commons

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

// Logger is the application-wide structured logging surface. All components
// receive a Logger; none construct their own.
type Logger interface {
	Debug(args ...interface{})
	Info(args ...interface{})
	Warn(args ...interface{})
	Error(args ...interface{})

	Debugf(template string, args ...interface{})
	Infof(template string, args ...interface{})
	Warnf(template string, args ...interface{})
	Errorf(template string, args ...interface{})

	Debugw(msg string, keysAndValues ...interface{})
	Infow(msg string, keysAndValues ...interface{})
	Warnw(msg string, keysAndValues ...interface{})
	Errorw(msg string, keysAndValues ...interface{})

	Sync() error
}

type applicationLogger struct {
	*zap.SugaredLogger
}

// Option configures logger construction.
type Option func(*loggerOptions)

type loggerOptions struct {
	level    string
	filePath string
}

// WithLevel sets the minimum log level ("debug", "info", "warn", "error").
func WithLevel(level string) Option {
	return func(o *loggerOptions) { o.level = level }
}

// WithRotatingFile mirrors log output into a size-rotated file.
func WithRotatingFile(path string) Option {
	return func(o *loggerOptions) { o.filePath = path }
}

// NewApplicationLogger builds the default console logger. File rotation is
// enabled only when WithRotatingFile is given. An unrecognized level falls
// back to debug.
func NewApplicationLogger(opts ...Option) Logger {
	o := &loggerOptions{level: "debug"}
	for _, opt := range opts {
		opt(o)
	}

	level := zapcore.DebugLevel
	if err := level.Set(o.level); err != nil {
		level = zapcore.DebugLevel
	}

	encoderCfg := zap.NewProductionEncoderConfig()
	encoderCfg.EncodeTime = zapcore.ISO8601TimeEncoder

	cores := []zapcore.Core{
		zapcore.NewCore(
			zapcore.NewConsoleEncoder(encoderCfg),
			zapcore.AddSync(os.Stdout),
			level,
		),
	}

	if o.filePath != "" {
		rotator := &lumberjack.Logger{
			Filename:   o.filePath,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		}
		cores = append(cores, zapcore.NewCore(
			zapcore.NewJSONEncoder(encoderCfg),
			zapcore.AddSync(rotator),
			level,
		))
	}

	logger := zap.New(zapcore.NewTee(cores...), zap.AddCaller())
	return &applicationLogger{logger.Sugar()}
}
