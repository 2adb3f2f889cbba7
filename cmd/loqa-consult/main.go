package main

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/loqalabs/loqa-consult/internal/audio"
	"github.com/loqalabs/loqa-consult/internal/config"
	"github.com/loqalabs/loqa-consult/internal/runtime"
	"github.com/loqalabs/loqa-consult/internal/stt"
)

var version = "0.1.0-dev"

var (
	configPath string
	envFile    string
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:   "loqa-consult",
		Short: "Speech recognition and consultation service",
		Long: `loqa-consult listens to a consultation through the microphone,
transcribes it with a switchable speech-to-text backend and forwards the
transcript to a chat model.

Backends: native, assemblyai, assemblyai-nano, whisper, google,
assemblyai-realtime`,
		SilenceUsage: true,
		RunE:         runServe,
	}
	root.PersistentFlags().StringVar(&configPath, "config", "loqa-consult.yaml", "path to configuration file (.yaml or .toml)")
	root.PersistentFlags().StringVar(&envFile, "env-file", ".env", "dotenv file loaded before configuration")

	root.AddCommand(&cobra.Command{
		Use:   "serve",
		Short: "Run the recognition service and HTTP control API",
		RunE:  runServe,
	})
	root.AddCommand(&cobra.Command{
		Use:   "devices",
		Short: "List audio input devices",
		RunE:  runDevices,
	})
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print version and exit",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	})
	return root
}

func runServe(cmd *cobra.Command, _ []string) error {
	if err := loadEnv(envFile); err != nil {
		return err
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: parseLevel(cfg.Telemetry.LogLevel)}))

	engine, err := stt.NewExecEngine(cfg.STT.Native.Command, logger)
	if err != nil {
		return err
	}
	rt := runtime.New(cfg, logger, audio.NewPortAudioSource(), engine)

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := rt.Start(ctx); err != nil {
		logger.Error("runtime exited with error", slog.String("error", err.Error()))
		time.Sleep(1 * time.Second)
		return err
	}
	logger.Info("shutdown complete")
	return nil
}

func runDevices(cmd *cobra.Command, _ []string) error {
	devices, err := audio.ListInputDevices()
	if err != nil {
		return err
	}
	out := cmd.OutOrStdout()
	if len(devices) == 0 {
		fmt.Fprintln(out, "no input devices found")
		return nil
	}
	for _, dev := range devices {
		marker := " "
		if dev.IsDefault {
			marker = "*"
		}
		fmt.Fprintf(out, "%s %s (%d ch, %.0f Hz)\n", marker, dev.Name, dev.MaxInputChannels, dev.DefaultSampleRate)
	}
	return nil
}

// loadEnv fills the process environment from a dotenv file. A missing
// file is not an error; variables already set win.
func loadEnv(path string) error {
	if path == "" {
		return nil
	}
	if err := godotenv.Load(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load %s: %w", path, err)
	}
	return nil
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(strings.TrimSpace(level)) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}

