package esrbot

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/edgeflare/esrbot/pkg/config"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var forceInit bool

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect or create the configuration file",
}

var configInitCmd = &cobra.Command{
	Use:   "init [path]",
	Short: "Write a config file with the default settings",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := "esrbot.yaml"
		if len(args) > 0 {
			path = args[0]
		} else if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, ".config", "esrbot.yaml")
		}
		if err := config.Save(path, config.Default(), forceInit); err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), "Wrote", path)
		return nil
	},
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the effective configuration with secrets redacted",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		if cfg.File != "" {
			fmt.Fprintln(cmd.OutOrStdout(), "# read from", cfg.File)
		}
		b, err := yaml.Marshal(redacted(cfg))
		if err != nil {
			return fmt.Errorf("failed to encode config: %w", err)
		}
		_, err = cmd.OutOrStdout().Write(b)
		return err
	},
}

func init() {
	configInitCmd.Flags().BoolVarP(&forceInit, "force", "f", false, "overwrite an existing file")
	configCmd.AddCommand(configInitCmd, configShowCmd)
}

func redacted(c *config.Config) *config.Config {
	out := *c
	const mask = "********"
	if out.LLM.APIKey != "" {
		out.LLM.APIKey = mask
	}
	if out.Cache.Redis.Password != "" {
		out.Cache.Redis.Password = mask
	}
	if out.Server.OIDC.ClientSecret != "" {
		out.Server.OIDC.ClientSecret = mask
	}
	if len(out.Server.BasicAuth) > 0 {
		users := make(map[string]string, len(out.Server.BasicAuth))
		for u := range out.Server.BasicAuth {
			users[u] = mask
		}
		out.Server.BasicAuth = users
	}
	return &out
}
