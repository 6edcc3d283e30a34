package commands

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/manabihq/manabi/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Write a default configuration file",
	Long: `Write the default dbperf configuration to the --config path so it can
be edited. Existing files are kept unless --force is given.`,
	RunE: runInit,
}

func init() {
	rootCmd.AddCommand(initCmd)

	initCmd.Flags().Bool("force", false, "Overwrite an existing config file")
}

func runInit(cmd *cobra.Command, args []string) error {
	force, _ := cmd.Flags().GetBool("force")

	if _, err := os.Stat(cfgFile); err == nil {
		if !force {
			return fmt.Errorf("config file %s already exists, use --force to overwrite", cfgFile)
		}
		// Drop the old file so a broken config cannot block regeneration.
		if err := os.Remove(cfgFile); err != nil {
			return fmt.Errorf("failed to remove existing config: %w", err)
		}
	}

	manager, err := config.NewManager(zap.NewNop(), cfgFile)
	if err != nil {
		return err
	}
	if err := manager.Save(); err != nil {
		return err
	}

	fmt.Printf("Wrote default configuration to %s\n", cfgFile)
	return nil
}
