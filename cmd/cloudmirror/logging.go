package main

import (
	"log/slog"
	"os"
	"time"

	"github.com/cloudmirror/cloudmirror/internal/config"
	"github.com/cloudmirror/cloudmirror/internal/utils"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	logMaxSizeMB  = 20
	logMaxBackups = 5
	logMaxAgeDays = 30
)

// setupLogging installs the default logger: tint on stdout and, unless LogFile is empty,
// a text handler on a rotated log file that always records debug output.
func setupLogging(cfg *config.Config) (func(), error) {
	level, err := cfg.Level()
	if err != nil {
		return nil, err
	}

	handlers := []slog.Handler{
		tint.NewHandler(os.Stdout, &tint.Options{
			Level:      level,
			TimeFormat: time.DateTime,
			NoColor:    !isatty.IsTerminal(os.Stdout.Fd()),
		}),
	}

	closer := func() {}
	if cfg.LogFile != "" {
		if err := utils.EnsureParent(cfg.LogFile); err != nil {
			return nil, err
		}
		file := &lumberjack.Logger{
			Filename:   cfg.LogFile,
			MaxSize:    logMaxSizeMB,
			MaxBackups: logMaxBackups,
			MaxAge:     logMaxAgeDays,
			Compress:   true,
		}
		handlers = append(handlers, slog.NewTextHandler(file, &slog.HandlerOptions{Level: slog.LevelDebug}))
		closer = func() { file.Close() }
	}

	slog.SetDefault(slog.New(utils.NewMultiLogHandler(handlers...)))
	return closer, nil
}
