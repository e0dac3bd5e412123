// Package logger sets up the shared logrus logger used across the SDK.
// Components attach a "component" field so log lines can be filtered per
// subsystem.
package logger

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	lumberjack "gopkg.in/natefinch/lumberjack.v2"
)

// Fields aliases logrus.Fields so callers don't import logrus directly.
type Fields = logrus.Fields

var root = newRoot()

func newRoot() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(os.Stdout)
	l.SetLevel(logrus.InfoLevel)
	l.SetFormatter(&logrus.TextFormatter{
		FullTimestamp:   true,
		TimestampFormat: time.RFC3339,
	})
	return l
}

// Options controls the logger configuration applied by Configure.
type Options struct {
	Level     string // debug, info, warning, error
	Format    string // text or json
	ToConsole bool
	ToFile    bool
	LogsDir   string // file output directory, used when ToFile is set
}

// Configure applies level, format and output selection to the shared logger.
func Configure(opts Options) error {
	lvl, err := logrus.ParseLevel(strings.ToLower(opts.Level))
	if err != nil {
		return fmt.Errorf("invalid log level %q", opts.Level)
	}
	root.SetLevel(lvl)

	switch opts.Format {
	case "json":
		root.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: time.RFC3339Nano,
			FieldMap: logrus.FieldMap{
				logrus.FieldKeyTime:  "timestamp",
				logrus.FieldKeyLevel: "level",
				logrus.FieldKeyMsg:   "message",
			},
		})
	case "text", "":
		root.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	default:
		return fmt.Errorf("invalid log format %q", opts.Format)
	}

	var outputs []io.Writer
	if opts.ToConsole {
		outputs = append(outputs, os.Stdout)
	}
	if opts.ToFile {
		outputs = append(outputs, &lumberjack.Logger{
			Filename: filepath.Join(opts.LogsDir, "bgw-sdk.log"),
			MaxSize:  100,
			MaxAge:   14,
			Compress: true,
		})
	}
	switch len(outputs) {
	case 0:
		root.SetOutput(io.Discard)
	case 1:
		root.SetOutput(outputs[0])
	default:
		root.SetOutput(io.MultiWriter(outputs...))
	}

	return nil
}

// WithComponent returns an entry scoped to the given component name.
func WithComponent(component string) *logrus.Entry {
	return root.WithField("component", component)
}

// Root exposes the shared logger, mainly for tests that need to capture
// output.
func Root() *logrus.Logger {
	return root
}
