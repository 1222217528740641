// Package logger configures slog and recovers worker panics into crash logs.
package logger

import (
	"io"
	"log/slog"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/spf13/viper"
)

var level = new(slog.LevelVar)

// Setup installs the default slog logger writing to w in the given format
// ("json" or "text") at the given level.
func Setup(w io.Writer, format, lvl string) {
	level.Set(ParseLevel(lvl))
	opts := &slog.HandlerOptions{Level: level}

	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	slog.SetDefault(slog.New(handler))
}

// SetLevel changes the level of the installed logger.
func SetLevel(lvl string) {
	level.Set(ParseLevel(lvl))
}

// Level returns the current log level.
func Level() slog.Level {
	return level.Level()
}

// ParseLevel maps a level name to a slog.Level, defaulting to info.
func ParseLevel(lvl string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(lvl)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// WatchConfig re-reads log.level whenever the config file changes.
func WatchConfig() {
	viper.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		next := viper.GetString("log.level")
		if ParseLevel(next) != Level() {
			SetLevel(next)
			slog.Info("log level changed", "level", Level().String(), "file", e.Name)
		}
	})
	viper.WatchConfig()
}
