package app

import (
	"fmt"
	"io"
	"log/slog"
)

// logLevels is the single table of accepted level names. CLI validation
// and logger construction both resolve against it.
var logLevels = map[string]slog.Level{
	"debug": slog.LevelDebug,
	"info":  slog.LevelInfo,
	"warn":  slog.LevelWarn,
	"error": slog.LevelError,
}

// ParseLogLevel resolves a level name. An empty name means info.
func ParseLogLevel(name string) (slog.Level, error) {
	if name == "" {
		return slog.LevelInfo, nil
	}
	level, ok := logLevels[name]
	if !ok {
		return 0, fmt.Errorf("invalid log-level %q: must be 'debug', 'info', 'warn', or 'error'", name)
	}
	return level, nil
}

// ParseLogFormat resolves a format name. An empty name means json.
func ParseLogFormat(name string) (string, error) {
	switch name {
	case "", "json":
		return "json", nil
	case "text":
		return "text", nil
	default:
		return "", fmt.Errorf("invalid log-format %q: must be 'text' or 'json'", name)
	}
}

// newLogger builds the app's isolated logger. It never touches the global
// slog default, so concurrent apps and tests keep separate streams. When
// the config carries a run id, every record is tagged with it.
func newLogger(appConfig *Config, outW io.Writer) *slog.Logger {
	level, err := ParseLogLevel(appConfig.LogLevel)
	if err != nil {
		level = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if format, _ := ParseLogFormat(appConfig.LogFormat); format == "text" {
		handler = slog.NewTextHandler(outW, handlerOpts)
	} else {
		handler = slog.NewJSONHandler(outW, handlerOpts)
	}

	logger := slog.New(handler)
	if appConfig.RunID != "" {
		logger = logger.With("run_id", appConfig.RunID)
	}
	return logger
}
