package config

import (
	"github.com/sirupsen/logrus"
)

// SetupLogging sets the level and format of the process-wide logrus
// logger. Output stays on logrus' default, stderr. It is called once at
// startup, before the engine runs.
func SetupLogging(cfg LoggingConfig) {
	level, err := logrus.ParseLevel(cfg.Level)
	if err != nil {
		logrus.Warnf("Invalid log level '%s', using 'info'", cfg.Level)
		level = logrus.InfoLevel
	}
	logrus.SetLevel(level)

	if cfg.Format == "json" {
		logrus.SetFormatter(&logrus.JSONFormatter{})
	} else {
		logrus.SetFormatter(&logrus.TextFormatter{
			FullTimestamp:   true,
			TimestampFormat: "2006-01-02 15:04:05",
		})
	}
}
