package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"SmartKisan/internal/app"
	"SmartKisan/internal/backend"
	"SmartKisan/internal/config"
	"SmartKisan/internal/location"
	"SmartKisan/internal/loop"
	"SmartKisan/internal/session"
	"SmartKisan/internal/storage"
	"SmartKisan/internal/telemetry"
	"SmartKisan/internal/voice"
)

var (
	version    = "0.3.0"
	configFile string

	v = config.New()

	rootCmd = &cobra.Command{
		Use:           "kisan",
		Short:         "Smart Kisan - crop recommendations, cultivation tracking and a farming assistant",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	logoutCmd = &cobra.Command{
		Use:   "logout",
		Short: "Clear the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			kv, err := openStore(cfg)
			if err != nil {
				return err
			}
			defer kv.Close()

			logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
			if err := session.NewStore(kv, logger).Logout(cmd.Context()); err != nil {
				return err
			}
			fmt.Println("Signed out")
			return nil
		},
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("kisan version %s\n", version)
		},
	}
)

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVar(&configFile, "config", "", "config file (default ./kisan.yaml)")
	flags.String("api-url", "", "backend base URL")
	flags.String("language", "", "UI and assistant language (en|hi|te|ta|kn)")
	flags.String("data-dir", "", "directory holding the session database")
	flags.String("log-dir", "", "directory for logs, traces and metrics")
	flags.Bool("debug", false, "enable debug logging")

	for key, flag := range map[string]string{
		"api.base_url": "api-url",
		"app.language": "language",
		"app.data_dir": "data-dir",
		"log.dir":      "log-dir",
		"debug":        "debug",
	} {
		if err := v.BindPFlag(key, flags.Lookup(flag)); err != nil {
			panic(err)
		}
	}

	rootCmd.AddCommand(logoutCmd)
	rootCmd.AddCommand(versionCmd)
}

func loadConfig() (config.Config, error) {
	if configFile != "" {
		v.SetConfigFile(configFile)
	}
	cfg, err := config.Load(v)
	if err != nil {
		return config.Config{}, fmt.Errorf("failed to load config: %w", err)
	}
	return cfg, nil
}

func openStore(cfg config.Config) (*storage.SQLiteStore, error) {
	if err := os.MkdirAll(cfg.App.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}
	return storage.OpenSQLite(filepath.Join(cfg.App.DataDir, "kisan.db"))
}

func run(ctx context.Context, cfg config.Config) error {
	level, err := telemetry.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	if cfg.Debug {
		level = slog.LevelDebug
	}

	logger, closeLog, err := telemetry.InitLogger(cfg.Log.Dir, level)
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer closeLog()

	tracer, meter, shutdown, err := telemetry.InitTelemetry(ctx, cfg.Log.Dir, version)
	if err != nil {
		return fmt.Errorf("failed to initialize telemetry: %w", err)
	}
	defer shutdown()

	kv, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer kv.Close()

	client, err := backend.NewClient(cfg.API.BaseURL, cfg.API.Timeout, logger, tracer, meter)
	if err != nil {
		return err
	}

	ctx, cancel := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer cancel()

	l := loop.New(logger, 64)
	a, err := app.New(app.Options{
		Config:   cfg,
		Client:   client,
		Sessions: session.NewStore(kv, logger),
		Location: location.StaticProvider{
			Enabled:  cfg.Location.Enabled,
			Position: location.Position{Lat: cfg.Location.Lat, Lon: cfg.Location.Lon},
		},
		Microphone: voice.FileMicrophone{Enabled: cfg.Voice.Microphone, Path: cfg.Voice.InputFile},
		Player:     &voice.FilePlayer{Fetcher: client, Dir: cfg.Voice.OutputDir, Logger: logger},
		View:       app.NewTerminalView(os.Stdout),
		Loop:       l,
		Logger:     logger,
		Meter:      meter,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize app: %w", err)
	}

	logger.Info("starting", "version", version, "api", cfg.API.BaseURL, "language", cfg.App.Language)
	fmt.Println("=== Smart Kisan ===")
	fmt.Println("Type /help for commands, /quit to exit")

	go l.Run(ctx)
	l.Post(func() { a.Start(ctx) })

	err = a.Run(ctx, os.Stdin)
	cancel()
	l.Wait()

	fmt.Println("Goodbye!")
	return err
}

func main() {
	if err := rootCmd.ExecuteContext(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
