package config

import (
	"io"
	"os"
	"strings"

	"github.com/sirupsen/logrus"
)

// NewLogger builds the process logger. level falls back to info when unparsable.
func NewLogger(level string, out io.Writer) *logrus.Logger {
	logg := logrus.New()
	logg.SetFormatter(&logrus.JSONFormatter{})
	lvl, err := logrus.ParseLevel(strings.TrimSpace(level))
	if err != nil {
		lvl = logrus.InfoLevel
	}
	logg.SetLevel(lvl)
	if out == nil {
		out = os.Stdout
	}
	logg.SetOutput(out)
	return logg
}

// DiscardLogger is for tests and tools that do not want log output.
func DiscardLogger() *logrus.Logger {
	logg := logrus.New()
	logg.SetOutput(io.Discard)
	return logg
}

func LogError(logger logrus.FieldLogger, moduleName string, funcName string, context string, data any, err error) {
	if logger == nil || err == nil {
		return
	}
	if data != nil {
		logger.WithFields(logrus.Fields{
			"module":   moduleName,
			"funcName": funcName,
			"context":  context,
			"data":     data,
		}).Error(err.Error())
	} else {
		logger.WithFields(logrus.Fields{
			"module":   moduleName,
			"funcName": funcName,
			"context":  context,
		}).Error(err.Error())
	}
}
