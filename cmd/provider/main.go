package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"strzcam.com/framecast/config"
	"strzcam.com/framecast/frame"
	"strzcam.com/framecast/logging"
	"strzcam.com/framecast/watcher"
)

type flags struct {
	configPath string
	dir        string
	name       string
	width      uint32
	height     uint32
	fps        int
}

func main() {
	var f flags
	rootCmd := &cobra.Command{
		Use:   "framecast-provider",
		Short: "Write test frames to shared memory",
		Long: `Render the framecast test card and publish it as a raw frame file for
a server started with source kind "shm".`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), cmd, f)
		},
	}
	rootCmd.Flags().StringVarP(&f.configPath, "config", "c", "", "Config file path")
	rootCmd.Flags().StringVar(&f.dir, "dir", "", "Shared memory directory")
	rootCmd.Flags().StringVar(&f.name, "name", "", "Frame file name")
	rootCmd.Flags().Uint32Var(&f.width, "width", 0, "Frame width")
	rootCmd.Flags().Uint32Var(&f.height, "height", 0, "Frame height")
	rootCmd.Flags().IntVar(&f.fps, "fps", 0, "Frames written per second")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}

func loadSource(cmd *cobra.Command, f flags) (config.Config, error) {
	cfg, err := config.Load(f.configPath)
	if err != nil {
		return config.Config{}, err
	}
	src := &cfg.Source
	if cmd.Flags().Changed("dir") {
		src.ShmDir = f.dir
	}
	if cmd.Flags().Changed("name") {
		src.ShmName = f.name
	}
	if cmd.Flags().Changed("width") {
		src.Width = f.width
	}
	if cmd.Flags().Changed("height") {
		src.Height = f.height
	}
	if cmd.Flags().Changed("fps") {
		src.TickFPS = f.fps
	}
	src.Kind = "shm"
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cmd *cobra.Command, f flags) error {
	cfg, err := loadSource(cmd, f)
	if err != nil {
		return err
	}
	logger, err := logging.New(cfg.LogLevel, cfg.LogFormat)
	if err != nil {
		return err
	}
	defer logger.Sync()

	src := cfg.Source
	path := filepath.Join(src.ShmDir, src.ShmName)
	logger.Info("Writing frames",
		zap.String("path", path),
		zap.Uint32("width", src.Width),
		zap.Uint32("height", src.Height),
		zap.Int("fps", src.TickFPS))

	ticker := time.NewTicker(time.Second / time.Duration(src.TickFPS))
	defer ticker.Stop()
	for tick := 0; ; tick++ {
		select {
		case <-ctx.Done():
			logger.Info("Provider stopped", zap.Int("frames", tick))
			if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				return err
			}
			return nil
		case <-ticker.C:
		}
		if err := watcher.WriteFrame(path, frame.Pattern(src.Width, src.Height, tick)); err != nil {
			return fmt.Errorf("write frame: %w", err)
		}
	}
}
