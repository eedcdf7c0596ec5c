package main

import (
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/vango-dev/uplink/internal/config"
	"github.com/vango-dev/uplink/internal/errors"
)

func initCmd(g *globalOptions) *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default uplink.json",
		Long: `Write uplink.json with default values to the config directory.

Examples:
  uplink init
  uplink init -C ./deploy --force`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runInit(g.dir, force)
		},
	}

	cmd.Flags().BoolVarP(&force, "force", "f", false, "Overwrite an existing uplink.json")

	return cmd
}

func runInit(dir string, force bool) error {
	path := filepath.Join(dir, config.ConfigFileName)
	if config.Exists(dir) && !force {
		return errors.New("E142").WithField(path)
	}
	if err := config.New().SaveTo(path); err != nil {
		return err
	}
	success("Created %s", path)
	return nil
}
