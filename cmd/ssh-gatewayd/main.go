// Command ssh-gatewayd is the process entry point: it loads configuration,
// wires the reactor, SSH factory, registry, and HTTP/WS front together,
// and runs the server until an interrupt or terminate signal arrives.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"github.com/websoft9/ssh-gateway/internal/config"
	"github.com/websoft9/ssh-gateway/internal/front"
	"github.com/websoft9/ssh-gateway/internal/metrics"
	"github.com/websoft9/ssh-gateway/internal/reactor"
	"github.com/websoft9/ssh-gateway/internal/registry"
	"github.com/websoft9/ssh-gateway/internal/terminal"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "ssh-gatewayd",
		Short: "Browser-accessible SSH gateway",
	}
	root.AddCommand(newServeCmd())
	return root
}

func newServeCmd() *cobra.Command {
	var (
		configPath string
		address    string
		port       int
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the gateway HTTP/WS server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if cmd.Flags().Changed("address") {
				cfg.ListenAddress = address
			}
			if cmd.Flags().Changed("port") {
				cfg.ListenPort = port
			}
			return run(cfg)
		},
	}

	cmd.Flags().StringVar(&configPath, "config", "", "path to an optional config.yaml")
	cmd.Flags().StringVar(&address, "address", "0.0.0.0", "listen address")
	cmd.Flags().IntVar(&port, "port", 4200, "listen port")

	return cmd
}

func run(cfg *config.Config) error {
	setupLogger(cfg)

	log.Info().
		Str("read_chunk", humanize.IBytes(uint64(cfg.ReadChunkBytes))).
		Str("attach_window", cfg.AttachWindow.String()).
		Msg("configuration loaded")

	r, err := reactor.New()
	if err != nil {
		return fmt.Errorf("start reactor: %w", err)
	}
	go func() {
		if err := r.Run(); err != nil {
			log.Error().Err(err).Msg("reactor exited")
		}
	}()
	defer r.Close()

	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	factory := &terminal.Factory{KnownHostsPath: cfg.KnownHostsPath}
	sessions := registry.New(r, m)
	f := front.New(r, factory, sessions, m, cfg.AttachWindow, log.Logger)

	mux := http.NewServeMux()
	mux.Handle("/", f.Routes())
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	addr := fmt.Sprintf("%s:%d", cfg.ListenAddress, cfg.ListenPort)
	srv := &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	go func() {
		log.Info().Str("addr", addr).Msg("ssh-gatewayd listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("http server error")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := srv.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("server forced to shutdown")
	}
	r.Stop()

	log.Info().Msg("ssh-gatewayd exited")
	return nil
}

func setupLogger(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.LogFormat == "pretty" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}
