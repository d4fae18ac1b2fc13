package main

import (
	"io"
	"log/slog"
	"os"

	"github.com/bundlepay/bundlepay/config"
	"github.com/ethereum/go-ethereum/log"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

// legacyLevel maps the configured level name onto the glog verbosity scale.
func legacyLevel(name string) int {
	switch name {
	case "error":
		return 1
	case "warn":
		return 2
	case "debug":
		return 4
	case "trace":
		return 5
	default:
		return 3
	}
}

// setupLogging installs the process-wide logger. A configured file path
// switches output to a size-rotated log file; otherwise stderr is used,
// colorized when it is a terminal.
func setupLogging(cfg config.LoggingConfig, verbosity int) {
	output := io.Writer(os.Stderr)
	usecolor := (isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())) && os.Getenv("TERM") != "dumb"
	if cfg.FilePath != "" {
		output = &lumberjack.Logger{
			Filename:   cfg.FilePath,
			MaxSize:    cfg.MaxSizeMB,
			MaxBackups: cfg.MaxBackups,
		}
		usecolor = false
	}

	var handler slog.Handler
	if cfg.Format == "json" {
		handler = log.JSONHandler(output)
	} else {
		handler = log.NewTerminalHandler(output, usecolor)
	}
	glogger := log.NewGlogHandler(handler)
	glogger.Verbosity(log.FromLegacyLevel(verbosity))
	log.SetDefault(log.NewLogger(glogger))
}
