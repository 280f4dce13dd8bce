package main

import (
	"context"
	"errors"
	"path/filepath"

	"github.com/asnowfix/wifimgr/internal/daemon"
	"github.com/asnowfix/wifimgr/internal/options"
	"github.com/go-logr/logr"
	"github.com/kardianos/service"
	"github.com/spf13/cobra"
)

func load(ctx context.Context) (service.Service, service.Logger, error) {
	log := logr.FromContextOrDiscard(ctx)

	var args []string
	if options.Flags.Config != "" {
		path, err := filepath.Abs(options.Flags.Config)
		if err != nil {
			return nil, nil, err
		}
		args = append(args, "--config", path)
	}
	s, err := daemon.NewService(ctx, log, args, func(ctx context.Context) (*daemon.Daemon, error) {
		return nil, errors.New("the daemon is started by the service manager")
	})
	if err != nil {
		log.Error(err, "Failed to create service")
		return nil, nil, err
	}
	logger, err := s.Logger(nil)
	if err != nil {
		log.Error(err, "Failed to open service logger")
		return nil, nil, err
	}
	return s, logger, nil
}

var installCmd = &cobra.Command{
	Use:   "install",
	Short: "Install wifimgr as a " + service.Platform() + " service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, l, err := load(cmd.Context())
		if err != nil {
			return err
		}
		_ = l.Info("Installing service")
		return s.Install()
	},
}

var uninstallCmd = &cobra.Command{
	Use:   "uninstall",
	Short: "Uninstall the wifimgr " + service.Platform() + " service",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		s, l, err := load(cmd.Context())
		if err != nil {
			return err
		}
		_ = l.Info("Uninstalling service")
		return s.Uninstall()
	},
}
