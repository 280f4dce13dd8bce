package hlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-logr/logr"
	"github.com/go-logr/zerologr"
	"github.com/kardianos/service"
	"github.com/rs/zerolog"
	"gopkg.in/natefinch/lumberjack.v2"
)

var Logger = logr.Discard()

const logFile = "wifimgr.log"

// LogToStderr forces stderr output, e.g. from an IDE launch configuration.
func LogToStderr() bool {
	return os.Getenv("WIFIMGR_LOG") == "stderr"
}

func InitWithDebug(verbose bool, debug bool) {
	InitWithLevel(verbose, debug, zerolog.ErrorLevel)
}

// InitForDaemon defaults to info level: the daemon reports state changes.
func InitForDaemon(verbose, debug bool) {
	InitWithLevel(verbose, debug, zerolog.InfoLevel)
}

func InitWithLevel(verbose bool, debug bool, defaultLevel zerolog.Level) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnixMs
	zerologr.NameFieldName = "logger"
	zerologr.NameSeparator = "/"

	var w io.Writer
	terminal := IsTerminal()
	if LogToStderr() || terminal {
		w = os.Stderr
	} else {
		var err error
		w, err = logWriter()
		if err != nil {
			debugInit(fmt.Sprintf("log writer: %v", err))
			w = os.Stderr
		}
	}

	zl := zerolog.New(w)
	if terminal {
		zl = zl.Output(zerolog.ConsoleWriter{
			Out:        w,
			NoColor:    !isColorTerminal(),
			TimeFormat: time.RFC3339,
		})
	}

	level := parseLogLevel(verbose, debug, defaultLevel)
	zerolog.SetGlobalLevel(level)
	zl = zl.Level(level).With().Caller().Timestamp().Logger()
	Logger = zerologr.New(&zl)
	Logger.V(1).Info("Initialized", "level", level.String(), "verbose", verbose, "debug", debug)
}

// parseLogLevel: --debug shows V(1) lines, --verbose shows info.
func parseLogLevel(verbose bool, debug bool, defaultLevel zerolog.Level) zerolog.Level {
	switch {
	case debug:
		return zerolog.DebugLevel
	case verbose:
		return zerolog.InfoLevel
	default:
		return defaultLevel
	}
}

func isColorTerminal() bool {
	if os.Getenv("TERM") == "dumb" {
		return false
	}
	if _, exists := os.LookupEnv("NO_COLOR"); exists {
		return false
	}
	if _, exists := os.LookupEnv("CLICOLOR_FORCE"); exists {
		return true
	}
	if os.Getenv("CLICOLOR") == "0" {
		return false
	}
	term := os.Getenv("TERM")
	for _, p := range []string{"xterm", "screen", "vt100", "ansi"} {
		if strings.HasPrefix(term, p) {
			return true
		}
	}
	return strings.HasSuffix(term, "-color") || strings.HasSuffix(term, "-256color")
}

func logWriter() (io.Writer, error) {
	if service.Interactive() {
		return os.Stderr, nil
	}
	// journald collects stderr
	if os.Getenv("JOURNAL_STREAM") != "" || os.Getenv("INVOCATION_ID") != "" {
		return os.Stderr, nil
	}

	dir := getLogDir()
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create log directory %s: %w", dir, err)
	}
	return &lumberjack.Logger{
		Filename:   filepath.Join(dir, logFile),
		MaxSize:    10, // megabytes
		MaxBackups: 5,
		MaxAge:     28, // days
		Compress:   true,
	}, nil
}

func GetLogger(name string) logr.Logger {
	return Logger.WithName(name)
}

func IsContextCancellation(err error) bool {
	return err != nil && (errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded))
}

// ErrorIfNotCanceled logs err unless it only reports the end of ctx.
func ErrorIfNotCanceled(log logr.Logger, err error, msg string, keysAndValues ...interface{}) {
	if err != nil && !IsContextCancellation(err) {
		log.Error(err, msg, keysAndValues...)
	}
}

func LogContextDone(ctx context.Context, log logr.Logger, msg string, keysAndValues ...interface{}) {
	if ctx.Err() != nil {
		log.Info(msg+" (context done)", keysAndValues...)
	}
}
