package logging

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ZapConfig defines the zap backend configuration
type ZapConfig struct {
	Level  string `yaml:"level"`  // "debug", "info", "warn", "error"
	Format string `yaml:"format"` // "json", "console"
	Output string `yaml:"output"` // "stdout", "stderr", file path
	Caller bool   `yaml:"caller"`
}

// DefaultZapConfig returns the appliance default: JSON on stdout at info.
func DefaultZapConfig() ZapConfig {
	return ZapConfig{
		Level:  "info",
		Format: "json",
		Output: "stdout",
	}
}

// NewZapLogger builds a zap logger from config. File outputs are opened in
// append mode; if the file cannot be opened the logger falls back to stdout
// and the returned warning is non-empty.
func NewZapLogger(config ZapConfig) (*zap.Logger, string, error) {
	level, err := ParseLevel(config.Level)
	if err != nil {
		return nil, "", err
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.RFC3339TimeEncoder
	encoderConfig.LevelKey = "level"
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder

	var encoder zapcore.Encoder
	switch config.Format {
	case "console":
		encoder = zapcore.NewConsoleEncoder(encoderConfig)
	default:
		encoder = zapcore.NewJSONEncoder(encoderConfig)
	}

	var warning string
	var sink zapcore.WriteSyncer
	switch config.Output {
	case "stdout", "":
		sink = zapcore.Lock(os.Stdout)
	case "stderr":
		sink = zapcore.Lock(os.Stderr)
	default:
		file, err := os.OpenFile(config.Output, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			warning = fmt.Sprintf("failed to open log file %s, using stdout: %v", config.Output, err)
			sink = zapcore.Lock(os.Stdout)
		} else {
			sink = zapcore.Lock(file)
		}
	}

	opts := []zap.Option{}
	if config.Caller {
		opts = append(opts, zap.AddCaller(), zap.AddCallerSkip(2))
	}

	return zap.New(zapcore.NewCore(encoder, sink, level), opts...), warning, nil
}

// ZapLogFuncs routes Logger calls into a sugared zap logger.
func ZapLogFuncs(sugar *zap.SugaredLogger) LogFuncs {
	return LogFuncs{
		Debugf: sugar.Debugf,
		Infof:  sugar.Infof,
		Warnf:  sugar.Warnf,
		Errorf: sugar.Errorf,
	}
}

// ParseLevel maps a level name to a zap level. An empty name means info.
func ParseLevel(levelStr string) (zapcore.Level, error) {
	switch levelStr {
	case "debug":
		return zap.DebugLevel, nil
	case "info", "":
		return zap.InfoLevel, nil
	case "warn":
		return zap.WarnLevel, nil
	case "error":
		return zap.ErrorLevel, nil
	default:
		return zap.InfoLevel, fmt.Errorf("invalid log level: %s", levelStr)
	}
}
