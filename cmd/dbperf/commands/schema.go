package commands

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/manabihq/manabi/internal/database"
)

var schemaCmd = &cobra.Command{
	Use:   "schema",
	Short: "Create the course tables and optionally seed test data",
	RunE:  runSchema,
}

func init() {
	rootCmd.AddCommand(schemaCmd)

	schemaCmd.Flags().Int("seed", 0, "Number of sample courses to insert")
}

var seedCategories = []string{"programming", "design", "databases", "languages", "business"}

func runSchema(cmd *cobra.Command, args []string) error {
	seed, _ := cmd.Flags().GetInt("seed")

	env, err := newEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx := context.Background()
	if err := env.repo.EnsureSchema(ctx); err != nil {
		return err
	}
	fmt.Println("Course schema is in place")

	for i := 0; i < seed; i++ {
		course := &database.Course{
			Title:        fmt.Sprintf("Sample course %d", i+1),
			Description:  "Seeded for load testing",
			InstructorID: fmt.Sprintf("instructor-%d", i%10+1),
			Category:     seedCategories[i%len(seedCategories)],
			Published:    i%4 != 0,
		}
		if err := env.repo.Create(ctx, course); err != nil {
			return fmt.Errorf("failed to seed course %d: %w", i+1, err)
		}
	}
	if seed > 0 {
		fmt.Printf("Seeded %d sample courses\n", seed)
	}
	return nil
}
