package main

import (
	"context"
	"fmt"
	"os"
	"runtime/pprof"

	"github.com/asnowfix/wifimgr/hlog"
	"github.com/asnowfix/wifimgr/internal/debug"
	"github.com/asnowfix/wifimgr/internal/global"
	"github.com/asnowfix/wifimgr/internal/options"
	"github.com/spf13/cobra"
)

var Version = "dev"

var Cmd = &cobra.Command{
	Use:           "wifimgr",
	Short:         "WiFi station manager with a captive configuration portal",
	Version:       Version,
	Args:          cobra.NoArgs,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		debugMode := options.Flags.Debug || debug.IsDebuggerAttached()
		if cmd == runCmd {
			hlog.InitForDaemon(options.Flags.Verbose, debugMode)
		} else {
			hlog.InitWithDebug(options.Flags.Verbose, debugMode)
		}
		log := hlog.Logger
		ctx := cmd.Context()

		if options.Flags.CpuProfile != "" {
			f, err := os.Create(options.Flags.CpuProfile)
			if err != nil {
				log.Error(err, "Failed to create CPU profile")
				return err
			}
			if err := pprof.StartCPUProfile(f); err != nil {
				return err
			}
			ctx = context.WithValue(ctx, global.CpuProfileKey, f)
		}

		cmd.SetContext(options.CommandLineContext(ctx, log, Version))
		return nil
	},
	PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if f, ok := ctx.Value(global.CpuProfileKey).(*os.File); ok {
			pprof.StopCPUProfile()
			f.Close()
		}
		if cancel, ok := ctx.Value(global.CancelKey).(context.CancelFunc); ok {
			cancel()
		}
		return nil
	},
}

func init() {
	Cmd.PersistentFlags().StringVarP(&options.Flags.CpuProfile, "cpuprofile", "P", "", "write CPU profile to `file`")
	Cmd.PersistentFlags().BoolVarP(&options.Flags.Verbose, "verbose", "v", false, "verbose output")
	Cmd.PersistentFlags().BoolVarP(&options.Flags.Debug, "debug", "d", false, "debug output")
	Cmd.PersistentFlags().StringVarP(&options.Flags.Config, "config", "c", "", "YAML configuration `file`")
	Cmd.PersistentFlags().StringVarP(&options.Flags.Store, "store", "s", "", "configuration store image `file`")
	Cmd.AddCommand(runCmd, storeCmd, installCmd, uninstallCmd)
}

func main() {
	cobra.EnableTraverseRunHooks = true
	if err := Cmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
