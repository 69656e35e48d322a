package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

var (
	initBaseURL     string
	initPushKey     string
	initPushCluster string
)

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().StringVar(&initBaseURL, "base-url", "", "Marketplace API base URL")
	initCmd.Flags().StringVar(&initPushKey, "push-key", "", "Push service application key")
	initCmd.Flags().StringVar(&initPushCluster, "push-cluster", "", "Push service cluster (e.g. eu)")
}

var initCmd = &cobra.Command{
	Use:   "init <token>",
	Short: "Store the session token in ~/.condochat/config.toml",
	Long:  "Initialize condochat by storing your marketplace session token and push settings in the local configuration file.",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		cfg.Auth.Token = args[0]
		if initBaseURL != "" {
			cfg.Default.BaseURL = initBaseURL
		}
		if initPushKey != "" {
			cfg.Push.AppKey = initPushKey
		}
		if initPushCluster != "" {
			cfg.Push.Cluster = initPushCluster
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		path, _ := configPath()
		fmt.Printf("Token saved to %s\n", path)
		if cfg.Push.AppKey == "" {
			fmt.Println("No push key set; live updates are disabled until you run 'condochat config set push.app_key <key>'.")
		}
		return nil
	},
}
