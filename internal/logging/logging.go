package logging

import (
	"fmt"
	"os"
	"path/filepath"

	logging "github.com/ipfs/go-log/v2"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

type Config struct {
	Level string
	// File enables a rolling JSON log file next to console output.
	File string
}

// Setup configures every subsystem logger. Logs go to stderr, and to a
// size-rotated file when cfg.File is set.
func Setup(cfg Config) error {
	level := cfg.Level
	if level == "" {
		level = "info"
	}
	lvl, err := logging.LevelFromString(level)
	if err != nil {
		return fmt.Errorf("log level %q: %w", level, err)
	}
	logging.SetupLogging(logging.Config{
		Format: logging.ColorizedOutput,
		Stderr: true,
		Level:  lvl,
	})
	if cfg.File == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(cfg.File), 0o755); err != nil {
		return fmt.Errorf("log dir: %w", err)
	}
	roll := &lumberjack.Logger{
		Filename:   cfg.File,
		MaxSize:    100,
		MaxAge:     7,
		MaxBackups: 14,
		Compress:   true,
	}
	console := zapcore.NewCore(zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig()), zapcore.Lock(os.Stderr), zapcore.DebugLevel)
	file := zapcore.NewCore(zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig()), zapcore.AddSync(roll), zapcore.DebugLevel)
	logging.SetPrimaryCore(zapcore.NewTee(console, file))
	return nil
}

// Logger returns the named subsystem logger.
func Logger(name string) *logging.ZapEventLogger {
	return logging.Logger(name)
}
