package utils

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/barryq93/promHANA/internal/types"
	"github.com/sirupsen/logrus"
	"gopkg.in/natefinch/lumberjack.v2"
)

// NewLogger returns the process logger writing JSON to stdout.
func NewLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetFormatter(jsonFormatter())
	logger.SetOutput(os.Stdout)
	return logger
}

func jsonFormatter() logrus.Formatter {
	return &logrus.JSONFormatter{
		FieldMap: logrus.FieldMap{
			logrus.FieldKeyMsg:  "message",
			logrus.FieldKeyTime: "timestamp",
		},
	}
}

func SetLogLevel(logger *logrus.Logger, level string) {
	switch strings.ToUpper(level) {
	case "DEBUG":
		logger.SetLevel(logrus.DebugLevel)
	case "INFO":
		logger.SetLevel(logrus.InfoLevel)
	case "WARN", "WARNING":
		logger.SetLevel(logrus.WarnLevel)
	case "ERROR":
		logger.SetLevel(logrus.ErrorLevel)
	default:
		logger.SetLevel(logrus.InfoLevel)
	}
}

// DefaultLogFile is the log file used when file logging is enabled without a path.
func DefaultLogFile(host string, port int) string {
	return fmt.Sprintf("/var/log/hanadb_exporter_%s_%d", host, port)
}

// ConfigureLogger applies the logging section to logger. The returned closer
// releases the rotated log file, it is nil when logging to stdout only.
func ConfigureLogger(logger *logrus.Logger, cfg types.Logging, stdout io.Writer) io.Closer {
	if cfg.Format == "text" {
		logger.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	} else {
		logger.SetFormatter(jsonFormatter())
	}
	if cfg.Level != "" {
		SetLogLevel(logger, cfg.Level)
	}

	if cfg.LogFile == "" {
		logger.SetOutput(stdout)
		return nil
	}
	file := &lumberjack.Logger{
		Filename:   cfg.LogFile,
		MaxSize:    cfg.MaxSize,
		MaxBackups: cfg.MaxBackups,
		MaxAge:     cfg.MaxAge,
		Compress:   cfg.Compress,
	}
	logger.SetOutput(io.MultiWriter(stdout, file))
	return file
}
