package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	dhtring "go-dhtring"
	"go-dhtring/internal/telemetry"
	"go-dhtring/protocol"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	host        string
	port        int
	metricsAddr string
	logLevel    string
	dev         bool
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "coordinator",
		Short: "Rendezvous coordinator for a ring DHT",
		Long: `Coordinator tracks registered nodes and brokers the ring lifecycle:
formation, lookup entry points, departures and teardown. Ring traffic itself
flows between nodes and never passes through the coordinator.`,
		SilenceUsage: true,
		RunE:         runCoordinator,
	}

	rootCmd.Flags().StringVar(&host, "host", "0.0.0.0", "Address to listen on")
	rootCmd.Flags().IntVar(&port, "port", 25565, "UDP port to listen on")
	rootCmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (disabled when empty)")
	rootCmd.Flags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.Flags().BoolVar(&dev, "dev", false, "Human-readable development logging")

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func runCoordinator(cmd *cobra.Command, args []string) error {
	logger, sync, err := telemetry.NewLogger(logLevel, dev)
	if err != nil {
		return err
	}
	defer sync()

	conn, err := protocol.Listen(host, port)
	if err != nil {
		return err
	}
	defer conn.Close()

	var coordinator = dhtring.NewCoordinator(conn, dhtring.WithLogger(logger))
	logger.Info("coordinator listening", "addr", conn.LocalAddr())

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var g, gctx = errgroup.WithContext(ctx)
	g.Go(func() error {
		return coordinator.Serve(gctx)
	})

	if metricsAddr != "" {
		var server = telemetry.NewServer(metricsAddr)
		g.Go(func() error {
			logger.Info("serving metrics", "addr", metricsAddr)
			if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("failed to serve metrics: %w", err)
			}
			return nil
		})
		g.Go(func() error {
			<-gctx.Done()
			var shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return server.Shutdown(shutdownCtx)
		})
	}

	err = g.Wait()
	logger.Info("coordinator stopped", "members", len(coordinator.Members()))
	return err
}
