package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var stressCmd = &cobra.Command{
	Use:   "stress",
	Short: "Probe how many connections the pool hands out before blocking",
	Long: `Measure connection acquisition latency and keep acquiring connections
until the pool blocks. Useful for verifying max_open_conns against what the
server actually grants.`,
	RunE: runStress,
}

func init() {
	rootCmd.AddCommand(stressCmd)

	stressCmd.Flags().Duration("timeout", 2*time.Minute, "Overall probe timeout")
}

func runStress(cmd *cobra.Command, args []string) error {
	timeout, _ := cmd.Flags().GetDuration("timeout")

	env, err := newEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	fmt.Println("Probing connection pool...")
	result, err := env.tester.QuickStressTest(ctx)
	if err != nil {
		return err
	}

	fmt.Printf("\nFirst acquisition : %s\n", result.AcquisitionLatency.Round(time.Microsecond))
	fmt.Printf("Configured max    : %d\n", result.MaxConnections)
	fmt.Printf("Acquired          : %d\n", result.AcquiredConnections)
	if result.Exhausted {
		fmt.Printf("Pool blocked after %d connections\n", result.ExhaustedAt)
	} else {
		fmt.Println("Pool never blocked within the probe limit")
	}
	return nil
}
