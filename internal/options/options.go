package options

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/asnowfix/wifimgr/internal/global"
	"github.com/go-logr/logr"
	"gopkg.in/yaml.v3"
)

var Flags struct {
	CpuProfile string
	Verbose    bool
	Debug      bool
	Json       bool
	Config     string // the value taken by --config / -c
	Store      string // the value taken by --store / -s
}

// CommandLineContext derives the operation context of a command. Both it
// and the process context stored in it are cancelled on SIGINT or SIGTERM.
func CommandLineContext(ctx context.Context, log logr.Logger, version string) context.Context {
	processCtx, processCancel := context.WithCancel(ctx)
	ctx, cancel := context.WithCancel(processCtx)

	ctx = context.WithValue(ctx, global.CancelKey, cancel)
	ctx = context.WithValue(ctx, global.ProcessContextKey, processCtx)
	ctx = context.WithValue(ctx, global.VersionKey, version)
	ctx = logr.NewContext(ctx, log)

	go func() {
		signals := make(chan os.Signal, 1)
		signal.Notify(signals, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(signals)
		select {
		case s := <-signals:
			log.Info("Received signal", "signal", s.String())
		case <-processCtx.Done():
		}
		cancel()
		processCancel()
	}()
	return ctx
}

// PrintResult writes out as YAML, or JSON with --json.
func PrintResult(w io.Writer, out any) error {
	if Flags.Json {
		s, err := json.Marshal(out)
		if err != nil {
			return err
		}
		_, err = fmt.Fprintln(w, string(s))
		return err
	}
	s, err := yaml.Marshal(out)
	if err != nil {
		return err
	}
	_, err = fmt.Fprint(w, string(s))
	return err
}
