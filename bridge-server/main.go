package main

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"github.com/quillchat/bridge/internal/config"
	"github.com/quillchat/bridge/internal/protocol"
	"github.com/quillchat/bridge/internal/server"
)

var configPath string

var rootCmd = &cobra.Command{
	Use:   "bridge-server",
	Short: "Local IPC bridge between the Quill UI shell and its assistant engine",
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the bridge on a loopback port and announce credentials on stdout",
	RunE: func(cmd *cobra.Command, args []string) error {
		return serve()
	},
}

func main() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "bridge.yaml", "Path to the configuration file.")
	rootCmd.AddCommand(serveCmd)
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func serve() error {
	// Secrets may come from a .env next to the binary; absence is fine.
	_ = godotenv.Load()

	cfg, err := loadConfig()
	if err != nil {
		log.Fatalf("FATAL: Error loading configuration: %v", err)
	}
	cfg.ApplyEnv()

	srv, err := server.New(cfg)
	if err != nil {
		log.Fatalf("FATAL: Could not initialize bridge server: %v", err)
	}
	if err := srv.Run(); err != nil {
		log.Fatalf("FATAL: Bridge server failed to start: %v", err)
	}

	// Bind the configured default engine, if any, so the UI can talk to it
	// without an explicit bind_engine first.
	if cfg.Engine.BaseURL != "" {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := srv.Actor().Bind(ctx, protocol.EngineDescriptor{
			BaseURL: cfg.Engine.BaseURL,
			APIKey:  cfg.Engine.APIKey,
			Model:   cfg.Engine.Model,
		})
		cancel()
		if err != nil {
			log.Fatalf("FATAL: Could not bind default engine: %v", err)
		}
		log.Printf("INFO: Default engine bound: %s", cfg.Engine.BaseURL)
	}

	// The hosting shell reads this single JSON line and relays (port, token)
	// to the UI process.
	if err := srv.AnnounceCredentials(json.NewEncoder(os.Stdout)); err != nil {
		log.Fatalf("FATAL: Could not announce credentials: %v", err)
	}

	shutdownChan := make(chan os.Signal, 1)
	signal.Notify(shutdownChan, syscall.SIGINT, syscall.SIGTERM)

	log.Println("INFO: Bridge is running. Press CTRL+C to exit.")
	<-shutdownChan
	log.Println("INFO: Shutdown signal received.")

	srv.Stop()
	log.Println("INFO: Shutdown complete. Goodbye.")
	return nil
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadConfig(configPath)
	if err == nil {
		log.Printf("INFO: Configuration loaded from %s", configPath)
		return cfg, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		log.Printf("INFO: No config file at %s, using defaults", configPath)
		return config.Default(), nil
	}
	return nil, err
}
