package test

import (
	"io"
	"os"

	"github.com/sirupsen/logrus"
)

// NewLogger returns the logger test code hands to the components it builds.
// Output is discarded unless the TEST_LOGS environment variable is set: 1
// for info, 2 for debug, 3 for trace. Timestamps are dropped so failing
// runs diff cleanly.
func NewLogger() *logrus.Logger {
	l := logrus.New()
	l.Formatter = &logrus.TextFormatter{DisableTimestamp: true}

	switch os.Getenv("TEST_LOGS") {
	case "":
		l.SetOutput(io.Discard)
	case "2":
		l.SetLevel(logrus.DebugLevel)
	case "3":
		l.SetLevel(logrus.TraceLevel)
	default:
		l.SetLevel(logrus.InfoLevel)
	}

	return l
}
