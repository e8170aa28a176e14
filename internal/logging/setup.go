package logging

import (
	"time"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

const RFC3339NanoFixed = "2006-01-02T15:04:05.000000000Z07:00"

// SetUp configures the standard logger. JSON output is meant for log
// collectors, text output for terminals.
func SetUp(logLevel string, json bool) error {
	lvl, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return errors.Wrapf(err, "invalid log level %q", logLevel)
	}
	logrus.SetLevel(lvl)
	if json {
		logrus.SetFormatter(&logrus.JSONFormatter{
			TimestampFormat: RFC3339NanoFixed,
		})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: time.RFC3339,
		})
	}
	return nil
}
