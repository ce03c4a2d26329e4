// Command authcore runs the authcore process: storage selection, the TOTP
// recipe, signing keys and maintenance tasks behind an HTTP/JSON API.
//
// Usage:
//
//	authcore start [install-dir] [--config path] [--host h] [--port p]
//	authcore version
//
// Plugins are discovered in <install-dir>/plugin. Every setting can be
// overridden with an AUTHCORE_ environment variable.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/rhuss/authcore/pkg/auth/apikey"
	"github.com/rhuss/authcore/pkg/config"
	"github.com/rhuss/authcore/pkg/core"
	"github.com/rhuss/authcore/pkg/debug"
	_ "github.com/rhuss/authcore/pkg/storage/memory"
	_ "github.com/rhuss/authcore/pkg/storage/postgres"
	transporthttp "github.com/rhuss/authcore/pkg/transport/http"
)

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

type startOptions struct {
	ConfigPath      string
	Host            string
	Port            int
	ForceEmbedded   bool
	ForceNoEmbedded bool
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		slog.Error("authcore failed", "error", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "authcore",
		Short:         "Self-hosted authentication core",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newStartCommand(), newVersionCommand())
	return cmd
}

func newStartCommand() *cobra.Command {
	opts := &startOptions{}

	cmd := &cobra.Command{
		Use:   "start [install-dir]",
		Short: "Start the authcore process",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			installDir := "."
			if len(args) == 1 {
				installDir = args[0]
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return run(ctx, opts, installDir)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigPath, "config", "", "path to the config file")
	cmd.Flags().StringVar(&opts.Host, "host", "", "listen host (overrides server.host)")
	cmd.Flags().IntVar(&opts.Port, "port", 0, "listen port (overrides server.port)")
	cmd.Flags().BoolVar(&opts.ForceEmbedded, "force-embedded", false, "use the embedded storage even if a plugin is present")
	cmd.Flags().BoolVar(&opts.ForceNoEmbedded, "force-no-embedded", false, "fail instead of falling back to the embedded storage")

	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}
}

func run(ctx context.Context, opts *startOptions, installDir string) error {
	cfg, err := config.Load(opts.ConfigPath, installDir)
	if err != nil {
		return err
	}
	debug.Init(cfg.Log.Debug, cfg.Log.Level, cfg.Log.Format)

	if opts.Host != "" {
		cfg.Server.Host = opts.Host
	}
	if opts.Port != 0 {
		cfg.Server.Port = opts.Port
	}

	c, err := core.Start(ctx, core.Options{
		Config:          cfg,
		InstallDir:      installDir,
		ForceEmbedded:   opts.ForceEmbedded,
		ForceNoEmbedded: opts.ForceNoEmbedded,
	})
	if err != nil {
		return fmt.Errorf("starting core: %w", err)
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := c.Shutdown(shutdownCtx); err != nil {
			slog.Error("core shutdown", "error", err)
		}
	}()

	keys := apikey.New(cfg.Server.APIKeys)
	apiOpts := []transporthttp.APIOption{
		transporthttp.WithKeySource(c),
		transporthttp.WithReadiness(c.Ready),
		transporthttp.WithMiddleware(keys.Middleware(apikey.DefaultBypassEndpoints...)),
	}
	if cfg.Observability.Metrics.Enabled {
		apiOpts = append(apiOpts, transporthttp.WithMetrics(cfg.Observability.Metrics.Path))
	}
	api := transporthttp.NewAPI(c.TOTP(), apiOpts...)

	srv := transporthttp.NewServer(api.Handler(),
		transporthttp.WithAddr(net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port))),
		transporthttp.WithTimeouts(cfg.Server.ReadTimeout, cfg.Server.WriteTimeout),
		transporthttp.WithShutdownTimeout(cfg.Server.ShutdownTimeout),
	)

	slog.Info("authcore started",
		"process_id", c.ProcessID,
		"storage", c.Storage.Name(),
		"addr", net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
	)
	return srv.ListenAndServe(ctx)
}
