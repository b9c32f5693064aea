package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/Aman-CERP/shardex/configs"
	"github.com/Aman-CERP/shardex/internal/errors"
)

func newInitCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Write a commented .shardex.yaml",
		Long: `Write the project configuration template to .shardex.yaml in dir, or
the working directory. An existing .shardex.yaml or .shardex.yml is kept
unless --force is given.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			path, written, err := writeProjectConfig(dir, force)
			if err != nil {
				return err
			}
			if !written {
				fmt.Fprintf(cmd.OutOrStdout(), "Existing %s preserved\n", path)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created %s\n", path)
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "Overwrite an existing .shardex.yaml")
	return cmd
}

// writeProjectConfig writes the template unless a project config exists.
func writeProjectConfig(dir string, force bool) (string, bool, error) {
	yamlPath := filepath.Join(dir, ".shardex.yaml")
	if !force {
		for _, p := range []string{yamlPath, filepath.Join(dir, ".shardex.yml")} {
			if _, err := os.Stat(p); err == nil {
				return p, false, nil
			}
		}
	}
	if err := os.WriteFile(yamlPath, []byte(configs.ProjectConfigTemplate), 0o644); err != nil {
		return yamlPath, false, errors.IOError("failed to write project config", err).WithDetail("path", yamlPath)
	}
	return yamlPath, true, nil
}
