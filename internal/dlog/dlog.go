// Package dlog provides the daemon's shared logging configuration: a
// logrus logger whose output is split between stdout and stderr by level.
package dlog

import (
	"bytes"
	"os"

	"github.com/sirupsen/logrus"
)

// streamSplitter routes error-level records to stderr and everything else
// to stdout, so containerized deployments can treat the two streams
// differently without parsing structured fields themselves.
type streamSplitter struct{}

func (streamSplitter) Write(p []byte) (int, error) {
	if bytes.Contains(p, []byte("level=error")) || bytes.Contains(p, []byte(`"level":"error"`)) {
		return os.Stderr.Write(p)
	}
	return os.Stdout.Write(p)
}

// Base is the daemon-wide logger instance. Components should not call
// logrus.New() directly; use WithComponent so every line carries a
// "component" field.
var Base = logrus.New()

func init() {
	Base.SetOutput(streamSplitter{})
}

// WithComponent returns a logger tagged with the given component name,
// e.g. dlog.WithComponent("scheduler").
func WithComponent(name string) *logrus.Entry {
	return Base.WithField("component", name)
}

// SetLevel parses and applies a level name, defaulting to info on error.
func SetLevel(name string) {
	lvl, err := logrus.ParseLevel(name)
	if err != nil {
		lvl = logrus.InfoLevel
	}
	Base.SetLevel(lvl)
}

// SetJSON switches the formatter between human-readable text and JSON.
func SetJSON(enabled bool) {
	if enabled {
		Base.SetFormatter(&logrus.JSONFormatter{})
	} else {
		Base.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	}
}
