// Package logger provides the process-wide structured logger. Every
// background service takes a *zap.Logger at construction time rather than
// reaching for this global directly, matching the teacher's pattern of
// passing shared dependencies explicitly; Log exists for the handful of
// call sites (package init, signal handling) that run before any service
// is constructed.
package logger

import "go.uber.org/zap"

// Log is the process-wide fallback logger, initialized to a no-op safe
// default and replaced by Init during startup.
var Log = zap.NewNop()

// Init builds and installs the process-wide logger for the given
// environment ("development" enables human-readable, colorized output;
// anything else uses the production JSON encoder).
func Init(environment string) (*zap.Logger, error) {
	var cfg zap.Config
	if environment == "development" {
		cfg = zap.NewDevelopmentConfig()
	} else {
		cfg = zap.NewProductionConfig()
	}

	l, err := cfg.Build()
	if err != nil {
		return nil, err
	}

	Log = l
	return l, nil
}
