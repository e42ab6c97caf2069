package logs

import (
	"fmt"
	"os"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"

	"mcphost-go/internal/config"
)

// Log level constants
const (
	LogLevelTrace = "trace"
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// DefaultLogConfig returns default logging configuration
func DefaultLogConfig() *config.LogConfig {
	return &config.LogConfig{
		Level:         LogLevelInfo,
		EnableFile:    false,
		EnableConsole: true,
		Filename:      "main.log",
		MaxSize:       10, // 10MB
		MaxBackups:    5,  // 5 backup files
		MaxAge:        30, // 30 days
		Compress:      true,
		JSONFormat:    false,
	}
}

// ParseLevel maps a config level name to a zap level. Unknown names map to info.
func ParseLevel(name string) zapcore.Level {
	switch name {
	case LogLevelTrace, LogLevelDebug:
		return zap.DebugLevel
	case LogLevelInfo:
		return zap.InfoLevel
	case LogLevelWarn:
		return zap.WarnLevel
	case LogLevelError:
		return zap.ErrorLevel
	default:
		return zap.InfoLevel
	}
}

// SetupLogger creates a logger with file and console outputs based on configuration.
// All output passes through the returned SecretSanitizer; attach the vault to it with
// SetMasker once the vault exists.
func SetupLogger(cfg *config.LogConfig) (*zap.Logger, *SecretSanitizer, error) {
	if cfg == nil {
		cfg = DefaultLogConfig()
	}
	level := ParseLevel(cfg.Level)

	var cores []zapcore.Core

	if cfg.EnableConsole {
		cores = append(cores, zapcore.NewCore(
			getConsoleEncoder(),
			zapcore.AddSync(os.Stderr),
			level,
		))
	}

	if cfg.EnableFile {
		fileCore, err := createFileCore(cfg, level)
		if err != nil {
			return nil, nil, fmt.Errorf("failed to create file core: %w", err)
		}
		cores = append(cores, fileCore)
	}

	if len(cores) == 0 {
		return nil, nil, fmt.Errorf("no log outputs configured")
	}

	sanitizer := NewSecretSanitizer(zapcore.NewTee(cores...))
	logger := zap.New(sanitizer, zap.AddCaller())

	return logger, sanitizer, nil
}

// SetupCommandLogger creates a logger for console commands.
// serverCommand selects INFO as the default level, other commands default to WARN.
func SetupCommandLogger(serverCommand bool, logLevel string, logToFile bool, logDir string) (*zap.Logger, *SecretSanitizer, error) {
	level := LogLevelWarn
	if serverCommand {
		level = LogLevelInfo
	}
	if logLevel != "" {
		level = logLevel
	}

	cfg := DefaultLogConfig()
	cfg.Level = level
	cfg.EnableFile = logToFile
	cfg.LogDir = logDir

	return SetupLogger(cfg)
}

// createFileCore creates a file-based logging core
func createFileCore(cfg *config.LogConfig, level zapcore.Level) (zapcore.Core, error) {
	logFilePath, err := GetLogFilePathWithDir(cfg.LogDir, cfg.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to get log file path: %w", err)
	}

	lumberjackLogger := &lumberjack.Logger{
		Filename:   logFilePath,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}

	var encoder zapcore.Encoder
	if cfg.JSONFormat {
		encoder = getJSONEncoder()
	} else {
		encoder = getFileEncoder()
	}

	return zapcore.NewCore(encoder, zapcore.AddSync(lumberjackLogger), level), nil
}

// getConsoleEncoder returns a console-friendly encoder
func getConsoleEncoder() zapcore.Encoder {
	encoderConfig := zap.NewDevelopmentEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05")
	encoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewConsoleEncoder(encoderConfig)
}

// getFileEncoder returns a file-friendly encoder (structured but readable)
func getFileEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout("2006-01-02T15:04:05.000Z07:00")
	encoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	encoderConfig.ConsoleSeparator = " | "
	return zapcore.NewConsoleEncoder(encoderConfig)
}

// getJSONEncoder returns a JSON encoder for structured logging
func getJSONEncoder() zapcore.Encoder {
	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	encoderConfig.EncodeLevel = zapcore.LowercaseLevelEncoder
	encoderConfig.EncodeCaller = zapcore.ShortCallerEncoder
	return zapcore.NewJSONEncoder(encoderConfig)
}

// CreateServerLogger creates a file logger for one capability server's JSON-RPC traffic.
// The returned logger shares the sanitizer's masker.
func CreateServerLogger(cfg *config.LogConfig, sanitizer *SecretSanitizer, serverID string) (*zap.Logger, error) {
	if cfg == nil {
		cfg = DefaultLogConfig()
	}

	serverConfig := *cfg
	serverConfig.Filename = fmt.Sprintf("server-%s.log", serverID)

	fileCore, err := createFileCore(&serverConfig, ParseLevel(serverConfig.Level))
	if err != nil {
		return nil, fmt.Errorf("failed to create file core for server %s: %w", serverID, err)
	}

	wrapped := NewSecretSanitizer(fileCore)
	if sanitizer != nil {
		wrapped.masker = sanitizer.masker
	}

	return zap.New(wrapped, zap.AddCaller()).With(zap.String("server_id", serverID)), nil
}
