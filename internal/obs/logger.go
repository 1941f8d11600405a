// Copyright 2025 James Ross
package obs

import (
    "os"
    "strings"

    "github.com/cardforge/runtime/internal/config"
    "go.uber.org/zap"
    "go.uber.org/zap/zapcore"
    "gopkg.in/natefinch/lumberjack.v2"
)

func NewLogger(level string) (*zap.Logger, error) {
    lvl := zapcore.InfoLevel
    switch strings.ToLower(level) {
    case "debug":
        lvl = zapcore.DebugLevel
    case "warn":
        lvl = zapcore.WarnLevel
    case "error":
        lvl = zapcore.ErrorLevel
    }
    cfg := zap.NewProductionConfig()
    cfg.Level = zap.NewAtomicLevelAt(lvl)
    cfg.Encoding = "json"
    return cfg.Build()
}

// NewLoggerFromConfig builds the scheduler's long-running process logger,
// teeing JSON-encoded records to stderr and, when configured, to a
// lumberjack-rotated file (spec §9 "process-wide singletons" — the logger
// is one, constructed once at startup and passed by reference).
func NewLoggerFromConfig(cfg config.ObservabilityConfig) (*zap.Logger, error) {
    lvl := zapcore.InfoLevel
    switch strings.ToLower(cfg.LogLevel) {
    case "debug":
        lvl = zapcore.DebugLevel
    case "warn":
        lvl = zapcore.WarnLevel
    case "error":
        lvl = zapcore.ErrorLevel
    }
    atom := zap.NewAtomicLevelAt(lvl)
    encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())

    cores := []zapcore.Core{
        zapcore.NewCore(encoder, zapcore.Lock(zapcore.AddSync(os.Stderr)), atom),
    }
    if cfg.LogFile != "" {
        rotator := &lumberjack.Logger{
            Filename:   cfg.LogFile,
            MaxSize:    cfg.LogMaxSizeMB,
            MaxBackups: cfg.LogMaxBackups,
            Compress:   cfg.LogCompress,
        }
        cores = append(cores, zapcore.NewCore(encoder, zapcore.AddSync(rotator), atom))
    }
    return zap.New(zapcore.NewTee(cores...), zap.AddCaller()), nil
}

// Convenience typed fields
func String(k, v string) zap.Field { return zap.String(k, v) }
func Int(k string, v int) zap.Field { return zap.Int(k, v) }
func Bool(k string, v bool) zap.Field { return zap.Bool(k, v) }
func Err(err error) zap.Field { return zap.Error(err) }
