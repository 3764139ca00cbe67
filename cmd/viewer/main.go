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

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"strzcam.com/framecast/config"
	"strzcam.com/framecast/display"
	"strzcam.com/framecast/logging"
	"strzcam.com/framecast/metrics"
	"strzcam.com/framecast/viewer"
)

type flags struct {
	configPath string
	host       string
	port       int
	title      string
}

func main() {
	var f flags
	rootCmd := &cobra.Command{
		Use:   "framecast-viewer",
		Short: "Show a framecast stream in a window",
		Long: `Connect to a framecast server and display its frames, scaled to fit
the window. The viewer keeps retrying while the server is unreachable.
Press Esc or Q to quit.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, f)
		},
	}
	rootCmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Config file path")
	rootCmd.Flags().StringVar(&f.host, "host", "", "Server host")
	rootCmd.Flags().IntVarP(&f.port, "port", "p", 0, "Server port")
	rootCmd.Flags().StringVar(&f.title, "title", "", "Window title")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func loadConfig(cmd *cobra.Command, f flags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if cmd.Flags().Changed("host") {
		cfg.Viewer.Host = f.host
	}
	if cmd.Flags().Changed("port") {
		cfg.Viewer.Port = f.port
	}
	if cmd.Flags().Changed("title") {
		cfg.Viewer.Title = f.title
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cmd *cobra.Command, f flags) error {
	cfg, err := loadConfig(cmd, f)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	reg := prometheus.NewRegistry()
	vc := cfg.Viewer
	if vc.MetricsAddr != "" {
		go serveMetrics(ctx, vc.MetricsAddr, reg, logger)
	}

	window := display.New(vc.Title, vc.Width, vc.Height)
	session := viewer.NewSession(viewer.Config{
		Host:        vc.Host,
		Port:        vc.Port,
		DialTimeout: vc.DialTimeout.Duration,
		RetryDelay:  vc.RetryDelay.Duration,
	}, window,
		viewer.WithLogger(logger),
		viewer.WithMetrics(metrics.NewViewer(reg)),
	)

	sessionDone := make(chan error, 1)
	go func() {
		sessionDone <- session.Run(ctx)
	}()

	// ebiten owns the main goroutine until the window closes.
	err = window.Run(ctx)
	cancel()
	if sessionErr := <-sessionDone; err == nil {
		err = sessionErr
	}
	logger.Info("Viewer closed", zap.Stringer("phase", session.Phase()))
	return err
}

func serveMetrics(ctx context.Context, addr string, reg *prometheus.Registry, logger *zap.Logger) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
	go func() {
		<-ctx.Done()
		srv.Close()
	}()

	logger.Info("Metrics listening", zap.String("addr", addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Warn("Metrics server failed", zap.Error(err))
	}
}
