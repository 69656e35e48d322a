package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/condominio/condochat"
)

// mustConfig loads the effective config or exits.
func mustConfig() *Config {
	cfg, err := loadEffectiveConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load config: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

// getClient creates a marketplace client authenticated with the session token.
func getClient(cfg *Config) *condochat.Client {
	if cfg.Auth.Token == "" {
		fmt.Fprintln(os.Stderr, "No session token. Run 'condochat init <token>' first.")
		os.Exit(1)
	}

	var opts []condochat.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, condochat.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.Timeout != "" {
		if d, err := time.ParseDuration(cfg.Default.Timeout); err == nil {
			opts = append(opts, condochat.WithTimeout(d))
		}
	}
	opts = append(opts, condochat.WithUserAgent("condochat-cli/"+condochat.Version))

	return condochat.NewClient(cfg.Auth.Token, opts...)
}

// getRealtime creates the push client. It returns nil when no app key is configured.
func getRealtime(cfg *Config, logger *slog.Logger) *condochat.RealtimeClient {
	if cfg.Push.AppKey == "" {
		return nil
	}
	return condochat.NewRealtimeClient(condochat.RealtimeConfig{
		AppKey:        cfg.Push.AppKey,
		Cluster:       cfg.Push.Cluster,
		Host:          cfg.Push.Host,
		Insecure:      cfg.Push.Insecure,
		AutoReconnect: true,
		Logger:        logger,
	})
}

func newLogger(cfg *Config) *slog.Logger {
	lvl, err := parseLevel(cfg.Default.LogLevel)
	if err != nil {
		lvl = slog.LevelWarn
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl}))
}

// maskKey shows the first and last 4 characters of a secret.
func maskKey(key string) string {
	if len(key) <= 8 {
		return "****"
	}
	return key[:4] + "..." + key[len(key)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
