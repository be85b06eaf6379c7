package logging

import (
	"github.com/sirupsen/logrus"

	"Checkout-Event-Pipeline/pkg/config"
)

// Setup configures the standard logrus logger and returns the service entry
// every component logs through.
func Setup(cfg config.Config) *logrus.Entry {
	switch cfg.Log.Format {
	case "text":
		logrus.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	default:
		logrus.SetFormatter(&logrus.JSONFormatter{})
	}
	level, err := logrus.ParseLevel(cfg.Log.Level)
	if err != nil {
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	return logrus.WithFields(logrus.Fields{
		"service": cfg.ServiceName,
		"version": cfg.Version,
	})
}

// OrDefault returns l, or an entry on the standard logger when l is nil.
func OrDefault(l *logrus.Entry) *logrus.Entry {
	if l != nil {
		return l
	}
	return logrus.NewEntry(logrus.StandardLogger())
}
