package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statusCmd)
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show current configuration and connectivity",
	Long:  "Display the effective configuration, then check the marketplace API and the push service.",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadEffectiveConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		fmt.Println("Configuration:")
		fmt.Printf("  Base URL:     %s\n", valueOrDefault(cfg.Default.BaseURL, "(default)"))
		fmt.Printf("  Timeout:      %s\n", valueOrDefault(cfg.Default.Timeout, "(default)"))
		if cfg.Auth.Token != "" {
			fmt.Printf("  Token:        %s\n", maskKey(cfg.Auth.Token))
		} else {
			fmt.Println("  Token:        (not set)")
		}

		fmt.Println()
		fmt.Println("Push:")
		if cfg.Push.AppKey != "" {
			fmt.Printf("  App Key:      %s\n", maskKey(cfg.Push.AppKey))
		} else {
			fmt.Println("  App Key:      (not set)")
		}
		fmt.Printf("  Cluster:      %s\n", valueOrDefault(cfg.Push.Cluster, "mt1"))
		if cfg.Push.Host != "" {
			fmt.Printf("  Host:         %s\n", cfg.Push.Host)
		}

		if cfg.Auth.Token == "" {
			return nil
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		fmt.Println()
		fmt.Println("Live status:")
		client := getClient(cfg)
		list, err := client.Chats.List(ctx)
		if err != nil {
			fmt.Printf("  API:          error: %v\n", err)
		} else {
			unread := 0
			for i := range list.Chats {
				if list.Chats[i].Unread(list.SelfID) {
					unread++
				}
			}
			fmt.Printf("  User ID:      %d\n", list.SelfID)
			fmt.Printf("  Chats:        %d (%d unread)\n", len(list.Chats), unread)
		}

		rt := getRealtime(cfg, newLogger(cfg))
		if rt == nil {
			return nil
		}
		if err := rt.Connect(ctx); err != nil {
			fmt.Printf("  Push:         error: %v\n", err)
			return nil
		}
		defer rt.Disconnect()
		start := time.Now()
		if err := rt.Ping(ctx); err != nil {
			fmt.Printf("  Push:         connected (%s), ping failed: %v\n", rt.SocketID(), err)
			return nil
		}
		fmt.Printf("  Push:         connected (%s), ping %s\n", rt.SocketID(), time.Since(start).Round(time.Millisecond))
		return nil
	},
}
