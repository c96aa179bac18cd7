/*
Copyright © 2025 NAME HERE <EMAIL ADDRESS>
*/
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ssargent/ctxstore/pkg/config"
)

// configCmd groups the config subcommands
var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Manage the ctxstore configuration file",
}

// configInitCmd represents the config init command
var configInitCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a configuration file with generated keys",
	Long: `Write a configuration file with default settings, a generated admin API
key and a generated redaction hash key. The file is written with mode 0600.

Examples:
  ctxstore config init
  ctxstore config init --config ./ctxstore.yaml --data-dir ./context --print-keys`,
	Args: cobra.NoArgs,
	// the config file may not exist yet, so skip loading it
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return nil },
	RunE: func(cmd *cobra.Command, args []string) error {
		path, _ := cmd.Flags().GetString("config")
		if path == "" {
			path = config.GetDefaultConfigPath()
		}
		dataDir, _ := cmd.Flags().GetString("data-dir")
		force, _ := cmd.Flags().GetBool("force")
		printKeys, _ := cmd.Flags().GetBool("print-keys")

		if config.ConfigExists(path) && !force {
			return fmt.Errorf("config already exists at %s (use --force to overwrite)", path)
		}

		cfg, err := config.BootstrapConfig(path, dataDir)
		if err != nil {
			return err
		}

		cmd.Printf("Configuration created at %s\n", path)
		cmd.Printf("Data directory: %s\n", cfg.DataDir)
		if printKeys {
			cmd.Printf("\nAdmin API key: %s\n", cfg.Security.AdminAPIKey)
			cmd.Printf("Hash key: %s\n", cfg.Security.HashKey)
			cmd.Printf("\nStore these keys securely! They are also saved in %s\n", path)
		}
		return nil
	},
}

// configShowCmd represents the config show command
var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets masked",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := *container.Config()
		cfg.Security.AdminAPIKey = mask(cfg.Security.AdminAPIKey)
		cfg.Security.HashKey = mask(cfg.Security.HashKey)

		data, err := yaml.Marshal(&cfg)
		if err != nil {
			return fmt.Errorf("failed to marshal config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(data)
		return err
	},
}

func mask(secret string) string {
	if len(secret) <= 8 {
		return secret
	}
	return secret[:4] + "..." + secret[len(secret)-4:]
}

func init() {
	rootCmd.AddCommand(configCmd)
	configCmd.AddCommand(configInitCmd)
	configCmd.AddCommand(configShowCmd)

	configInitCmd.Flags().Bool("force", false, "Overwrite an existing config file")
	configInitCmd.Flags().Bool("print-keys", false, "Print generated keys to the console")
}
