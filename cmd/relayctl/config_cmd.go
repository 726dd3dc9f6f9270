package main

import (
	"fmt"

	"github.com/danmuck/ftprelay/internal/config"
	"github.com/spf13/cobra"
)

func newConfigCmd(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "Generate or check configuration files",
	}

	var force bool
	template := &cobra.Command{
		Use:   "template [path]",
		Short: "Write a commented config with the defaults",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := opts.configPath
			if len(args) == 1 {
				path = args[0]
			}
			if path == "" || path == "-" {
				out, err := config.Template()
				if err != nil {
					return err
				}
				_, err = fmt.Fprint(cmd.OutOrStdout(), out)
				return err
			}
			if err := config.WriteTemplate(path, force); err != nil {
				return err
			}
			cmd.Printf("config written to %s\n", path)
			return nil
		},
	}
	template.Flags().BoolVar(&force, "force", false, "overwrite an existing file")

	validate := &cobra.Command{
		Use:   "validate",
		Short: "Load the config with env overrides and report every problem",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(opts)
			if err != nil {
				return err
			}
			cmd.Printf("config ok: %s@%s:%d policy=%s\n", cfg.Server.User, cfg.Server.Host, cfg.Server.Port, cfg.Batch.Policy)
			return nil
		},
	}

	cmd.AddCommand(template, validate)
	return cmd
}

// loadConfig reads the dotenv file, the config file and the CLI overrides,
// then validates the result.
func loadConfig(opts *options) (config.Config, error) {
	if err := config.LoadDotEnv(opts.envFile); err != nil {
		return config.Config{}, err
	}
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return config.Config{}, err
	}
	if opts.policy != "" {
		cfg.Batch.Policy = opts.policy
	}
	if opts.statusAddr != "" {
		cfg.Status.Addr = opts.statusAddr
	}
	if err := config.Validate(cfg); err != nil {
		return config.Config{}, err
	}
	return cfg, nil
}
