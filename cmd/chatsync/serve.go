package main

import (
	"errors"
	"os"
	"os/signal"
	"syscall"

	"github.com/orchestra-mcp/chatsync/src/devserver"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
)

func init() {
	serveCmd.Flags().String("addr", "", "listen address (overrides server.addr)")
	rootCmd.AddCommand(serveCmd)
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the development chat server",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		if addr, _ := cmd.Flags().GetString("addr"); addr != "" {
			cfg.Server.Addr = addr
		}
		logger := newLogger(os.Stderr, cfg.LogLevel)

		reg := prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

		srv, err := devserver.New(cfg.Server, logger, reg)
		if err != nil {
			return err
		}
		srv.Start()

		errc := make(chan error, 1)
		go func() { errc <- srv.ListenAndServe() }()
		logger.Info().Str("addr", cfg.Server.Addr).Msg("chat server listening")

		sig := make(chan os.Signal, 1)
		signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
		defer signal.Stop(sig)

		select {
		case s := <-sig:
			logger.Info().Str("signal", s.String()).Msg("shutting down")
		case err = <-errc:
			if err != nil && !errors.Is(err, os.ErrClosed) {
				logger.Error().Err(err).Msg("listener stopped")
			}
		}
		if shutdownErr := srv.Shutdown(); shutdownErr != nil {
			return shutdownErr
		}
		return err
	},
}
