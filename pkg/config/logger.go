package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// ConfigureLogger applies the logging section to l
func ConfigureLogger(l *logrus.Logger, c Logging) error {
	level, err := logrus.ParseLevel(strings.ToLower(c.Level))
	if err != nil {
		return fmt.Errorf("%s; possible levels: %s", err, logrus.AllLevels)
	}
	l.SetLevel(level)

	timestampFormat := c.TimestampFormat
	fullTimestamp := timestampFormat != ""
	if timestampFormat == "" {
		timestampFormat = time.RFC3339
	}

	switch strings.ToLower(c.Format) {
	case "text":
		l.Formatter = &logrus.TextFormatter{
			TimestampFormat:  timestampFormat,
			FullTimestamp:    fullTimestamp,
			DisableTimestamp: c.DisableTimestamp,
		}
	case "json":
		l.Formatter = &logrus.JSONFormatter{
			TimestampFormat:  timestampFormat,
			DisableTimestamp: c.DisableTimestamp,
		}
	default:
		return fmt.Errorf("unknown log format `%s`. possible formats: %s", c.Format, []string{"text", "json"})
	}
	return nil
}
