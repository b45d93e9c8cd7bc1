package config

import (
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/pkg/errors"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	defaultLogMaxSize    = 50 // megabytes per file before rotation
	defaultLogMaxBackups = 5  // number of old files to keep
	defaultLogMaxAge     = 14 // days
)

type LogConfig struct {
	Path       string `yaml:"path"`
	MaxSize    int    `yaml:"maxSize"`
	MaxBackups int    `yaml:"maxBackups"`
	MaxAge     int    `yaml:"maxAge"`
	Compress   bool   `yaml:"compress"`
}

// WithDefaults returns a copy of the LogConfig with any missing fields set
// to their default values.
func (c LogConfig) WithDefaults() LogConfig {
	cpy := c
	if cpy.MaxSize == 0 {
		cpy.MaxSize = defaultLogMaxSize
	}
	if cpy.MaxBackups == 0 {
		cpy.MaxBackups = defaultLogMaxBackups
	}
	if cpy.MaxAge == 0 {
		cpy.MaxAge = defaultLogMaxAge
	}
	return cpy
}

// CreateLogger builds the process logger. With a log file configured it
// writes through rotation, otherwise it is a plain zap production or
// development logger.
func (c *Config) CreateLogger(debug bool) (*zap.Logger, io.Closer, error) {
	if c.LogFile == "" {
		var logger *zap.Logger
		var err error
		if debug {
			logger, err = zap.NewDevelopment()
		} else {
			logger, err = zap.NewProduction()
		}

		return logger, io.NopCloser(nil), errors.Wrap(err, "create logger")
	}

	dir := c.Logger.Path
	if dir == "" {
		dir = "./logs"
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, nil, errors.Wrap(err, "create logger")
	}

	rot := &lumberjack.Logger{
		Filename:   filepath.Join(dir, c.LogFile),
		MaxSize:    c.Logger.MaxSize,
		MaxBackups: c.Logger.MaxBackups,
		MaxAge:     c.Logger.MaxAge,
		Compress:   c.Logger.Compress,
	}

	encCfg := zap.NewProductionEncoderConfig()
	if debug {
		encCfg = zap.NewDevelopmentEncoderConfig()
	}
	encCfg.TimeKey = "ts"
	encCfg.EncodeTime = zapcore.TimeEncoderOfLayout(time.RFC3339)
	enc := zapcore.NewConsoleEncoder(encCfg)

	level := zap.InfoLevel
	if debug {
		level = zap.DebugLevel
	}

	core := zapcore.NewCore(enc, zapcore.AddSync(rot), level)
	logger := zap.New(core, zap.AddCaller())

	return logger, rot, nil
}
