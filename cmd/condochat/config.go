package main

import (
	"fmt"
	"os"

	toml "github.com/pelletier/go-toml/v2"
	"github.com/spf13/cobra"
)

var configShowEffective bool

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configShowCmd)
	configCmd.AddCommand(configSetCmd)

	configShowCmd.Flags().BoolVar(&configShowEffective, "effective", false, "Include CONDOCHAT_* environment overrides")
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage condochat configuration",
	Long:  "View or modify the condochat CLI configuration stored in ~/.condochat/config.toml.\nCONDOCHAT_* environment variables and a .env file override it at run time.",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the configuration with secrets masked",
	RunE: func(cmd *cobra.Command, args []string) error {
		load := loadConfig
		if configShowEffective {
			load = loadEffectiveConfig
		} else if exists, err := configExists(); err != nil {
			return err
		} else if !exists {
			fmt.Println("No configuration file found. Run 'condochat init <token>' to create one.")
			return nil
		}

		cfg, err := load()
		if err != nil {
			return err
		}
		out, err := renderConfig(cfg)
		if err != nil {
			return err
		}
		fmt.Print(out)
		return nil
	},
}

func configExists() (bool, error) {
	path, err := configPath()
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("cannot stat config file: %w", err)
	}
	return true, nil
}

// renderConfig encodes cfg as TOML with the token and push key masked.
func renderConfig(cfg *Config) (string, error) {
	masked := *cfg
	if masked.Auth.Token != "" {
		masked.Auth.Token = maskKey(masked.Auth.Token)
	}
	if masked.Push.AppKey != "" {
		masked.Push.AppKey = maskKey(masked.Push.AppKey)
	}
	data, err := toml.Marshal(&masked)
	if err != nil {
		return "", fmt.Errorf("cannot marshal config: %w", err)
	}
	return string(data), nil
}

var configSetCmd = &cobra.Command{
	Use:   "set <key> <value>",
	Short: "Set a configuration value",
	Long:  "Set a configuration value using dot notation.\nExample: condochat config set push.app_key 1a2b3c...",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		key, value := args[0], args[1]

		cfg, err := loadConfig()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}

		if err := setConfigValue(cfg, key, value); err != nil {
			return err
		}

		if err := saveConfig(cfg); err != nil {
			return fmt.Errorf("failed to save config: %w", err)
		}

		fmt.Printf("Set %s = %s\n", key, value)
		return nil
	},
}
