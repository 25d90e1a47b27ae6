// Command relay-server runs the MPC coordination relay: it loads a TOML
// configuration, brings up the WebSocket listener, and runs the
// background session/meeting purge loop until interrupted.
package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/polysig/relay/relay"
	"github.com/polysig/relay/relay/config"
)

var (
	configPath string
	logLevel   string
)

var rootCmd = &cobra.Command{
	Use:   "relay-server",
	Short: "Run the MPC coordination relay server",
	RunE:  runServer,
}

func init() {
	rootCmd.CompletionOptions.DisableDefaultCmd = true
	rootCmd.Flags().StringVar(&configPath, "config", "relay.toml", "path to the relay's TOML configuration file")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "logrus level: trace, debug, info, warn, error")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "relay-server: %v\n", err)
		os.Exit(1)
	}
}

func runServer(cmd *cobra.Command, args []string) error {
	level, err := logrus.ParseLevel(logLevel)
	if err != nil {
		return fmt.Errorf("invalid --log-level: %w", err)
	}
	logrus.SetLevel(level)
	log := logrus.WithFields(logrus.Fields{"function": "runServer", "component": "cmd.relay-server"})

	cfg, kp, err := config.Load(configPath)
	if err != nil {
		log.WithError(err).Error("failed to load configuration")
		return err
	}

	srv := relay.NewServer(cfg, kp)

	stop := make(chan struct{})
	go srv.RunPurgeLoop(stop)
	defer close(stop)

	httpServer := &http.Server{
		Addr:    addrFromConfig(cfg),
		Handler: srv.Mux(),
	}

	serveErr := make(chan error, 1)
	go func() {
		log.WithField("addr", httpServer.Addr).Info("relay listening")
		if cfg.TLS != nil {
			serveErr <- httpServer.ListenAndServeTLS(cfg.TLS.Cert, cfg.TLS.Key)
			return
		}
		serveErr <- httpServer.ListenAndServe()
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serveErr:
		if err != nil && err != http.ErrServerClosed {
			log.WithError(err).Error("server exited unexpectedly")
			return err
		}
	case <-sig:
		log.Info("shutdown signal received")
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := httpServer.Shutdown(ctx); err != nil {
			log.WithError(err).Error("graceful shutdown failed")
			return err
		}
	}
	return nil
}

func addrFromConfig(cfg config.Config) string {
	if cfg.Addr != "" {
		return cfg.Addr
	}
	return ":8443"
}
