package logger

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Options configures the CLI logger. Quiet raises the floor to errors so
// the progress line on stderr stays uncluttered.
type Options struct {
	Level  string // debug, info, warn, error
	Format string // json, console
	Output string // stderr, stdout, or a file path
	Quiet  bool
}

// New builds the logger. Downloads may stream to stdout, so logs default
// to stderr.
func New(opts Options) (*zap.Logger, error) {
	sink, err := openSink(opts.Output)
	if err != nil {
		return nil, fmt.Errorf("failed to open log output %q: %w", opts.Output, err)
	}

	core := zapcore.NewCore(encoderFor(opts.Format), sink, levelFor(opts))
	return zap.New(core, zap.AddStacktrace(zapcore.ErrorLevel)), nil
}

// NewDefault builds a console logger at info level, for tests and early
// startup before configuration is loaded.
func NewDefault() *zap.Logger {
	log, _ := New(Options{Level: "info", Format: "console"})
	return log
}

func levelFor(opts Options) zapcore.Level {
	if opts.Quiet {
		return zapcore.ErrorLevel
	}
	level, err := zapcore.ParseLevel(opts.Level)
	if err != nil {
		return zapcore.InfoLevel
	}
	return level
}

func encoderFor(format string) zapcore.Encoder {
	if format == "json" {
		cfg := zap.NewProductionEncoderConfig()
		cfg.TimeKey = "timestamp"
		cfg.EncodeTime = zapcore.ISO8601TimeEncoder
		return zapcore.NewJSONEncoder(cfg)
	}

	cfg := zap.NewDevelopmentEncoderConfig()
	cfg.EncodeLevel = zapcore.CapitalColorLevelEncoder
	cfg.EncodeTime = zapcore.TimeEncoderOfLayout("15:04:05")
	return zapcore.NewConsoleEncoder(cfg)
}

func openSink(output string) (zapcore.WriteSyncer, error) {
	switch output {
	case "", "stderr":
		return zapcore.AddSync(os.Stderr), nil
	case "stdout":
		return zapcore.AddSync(os.Stdout), nil
	default:
		file, err := os.OpenFile(output, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
		if err != nil {
			return nil, err
		}
		return zapcore.AddSync(file), nil
	}
}
