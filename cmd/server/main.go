package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"strzcam.com/framecast/broadcast"
	"strzcam.com/framecast/config"
	"strzcam.com/framecast/connection"
	"strzcam.com/framecast/frame"
	"strzcam.com/framecast/logging"
	"strzcam.com/framecast/metrics"
	"strzcam.com/framecast/monitor"
	"strzcam.com/framecast/watcher"
)

type flags struct {
	configPath string
	port       int
	maxClients int
	targetFPS  int
	source     string
}

func main() {
	var f flags
	rootCmd := &cobra.Command{
		Use:   "framecast-server",
		Short: "Broadcast rendered frames to TCP viewers",
		Long: `Render or read a frame every tick and broadcast it to every connected
viewer on each configured stream. One stream may carry a sub-region of
the source frame.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, f)
		},
	}
	rootCmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Config file path")
	rootCmd.Flags().IntVarP(&f.port, "port", "p", 0, "Port of the first stream")
	rootCmd.Flags().IntVar(&f.maxClients, "max-clients", 0, "Viewer limit of the first stream")
	rootCmd.Flags().IntVar(&f.targetFPS, "fps", 0, "Broadcast rate of the first stream")
	rootCmd.Flags().StringVar(&f.source, "source", "", "Frame source: pattern or shm")

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
	first := &cfg.Streams[0]
	if cmd.Flags().Changed("port") {
		first.Port = f.port
	}
	if cmd.Flags().Changed("max-clients") {
		first.MaxClients = f.maxClients
	}
	if cmd.Flags().Changed("fps") {
		first.TargetFPS = f.targetFPS
	}
	if cmd.Flags().Changed("source") {
		cfg.Source.Kind = f.source
	}
	return cfg, cfg.Validate()
}

type stream struct {
	server *broadcast.Server
	region *frame.Region
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

	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	mon := monitor.New(reg, monitor.WithLogger(logger.Named("monitor")))

	var streams []stream
	defer func() {
		for _, s := range streams {
			if err := s.server.Stop(); err != nil {
				logger.Warn("Failed to stop stream", zap.String("stream", s.server.Name()), zap.Error(err))
			}
		}
	}()

	localIP := connection.LocalIP()
	for _, sc := range cfg.Streams {
		server := broadcast.New(broadcast.Config{
			Host:          sc.Host,
			Port:          sc.Port,
			MaxClients:    sc.MaxClients,
			TargetFPS:     sc.TargetFPS,
			WriteTimeout:  sc.WriteTimeout.Duration,
			AcceptTimeout: broadcast.DefaultAcceptTimeout,
			StopTimeout:   broadcast.DefaultStopTimeout,
		},
			broadcast.WithName(sc.Name),
			broadcast.WithLogger(logger),
			broadcast.WithMetrics(metrics.NewServer(reg, sc.Name)),
			broadcast.WithObserver(mon),
		)
		if err := server.Start(); err != nil {
			return fmt.Errorf("stream %s: %w", sc.Name, err)
		}
		streams = append(streams, stream{server: server, region: sc.Region})
		mon.AddStream(server)

		logger.Info("Viewers can connect",
			zap.String("stream", sc.Name),
			zap.String("addr", net.JoinHostPort(localIP, strconv.Itoa(sc.Port))))
	}

	g, ctx := errgroup.WithContext(ctx)
	if cfg.Monitor.Enabled {
		g.Go(func() error {
			return mon.ListenAndServe(ctx, cfg.Monitor.ListenAddr)
		})
	}
	g.Go(func() error {
		frames, err := openSource(ctx, g, cfg.Source, logger)
		if err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case f, ok := <-frames:
				if !ok {
					return nil
				}
				pushAll(streams, f, logger)
			}
		}
	})

	err = g.Wait()
	logger.Info("Shutting down")
	return err
}

func pushAll(streams []stream, f frame.Frame, logger *zap.Logger) {
	for _, s := range streams {
		out := f
		if s.region != nil {
			sub, err := f.Crop(*s.region)
			if err != nil {
				logger.Warn("Cannot crop frame", zap.String("stream", s.server.Name()), zap.Error(err))
				continue
			}
			out = sub
		}
		s.server.Push(out)
	}
}

// openSource starts the configured frame source and returns its frames.
func openSource(ctx context.Context, g *errgroup.Group, sc config.SourceConfig, logger *zap.Logger) (<-chan frame.Frame, error) {
	switch sc.Kind {
	case "shm":
		receiver, err := watcher.NewSharedMemoryReceiver(sc.ShmDir, sc.ShmName, watcher.WithLogger(logger.Named("shm")))
		if err != nil {
			return nil, err
		}
		g.Go(func() error {
			defer receiver.Close()
			receiver.WatchSharedMemory(ctx)
			logger.Info("Shared memory source stopped",
				zap.String("path", receiver.Path()),
				zap.Float64("fps", receiver.ActualFps()))
			return nil
		})
		return receiver.Frames, nil
	default:
		frames := make(chan frame.Frame, 1)
		g.Go(func() error {
			defer close(frames)
			ticker := time.NewTicker(time.Second / time.Duration(sc.TickFPS))
			defer ticker.Stop()
			for tick := 0; ; tick++ {
				select {
				case <-ctx.Done():
					return nil
				case <-ticker.C:
				}
				select {
				case frames <- frame.Pattern(sc.Width, sc.Height, tick):
				default:
				}
			}
		})
		return frames, nil
	}
}
