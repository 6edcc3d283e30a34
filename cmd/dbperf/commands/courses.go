package commands

import (
	"context"
	"fmt"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/manabihq/manabi/internal/database"
)

var coursesCmd = &cobra.Command{
	Use:   "courses",
	Short: "Page through the course catalog",
	Long: `List courses with keyset pagination. Pass the printed cursor back with
--cursor to fetch the next page, repeat reads come from the result cache.`,
	RunE: runCourses,
}

func init() {
	rootCmd.AddCommand(coursesCmd)

	coursesCmd.Flags().String("category", "", "Filter by category")
	coursesCmd.Flags().String("instructor", "", "Filter by instructor ID")
	coursesCmd.Flags().Bool("published", false, "Only published courses")
	coursesCmd.Flags().Int("limit", 20, "Page size")
	coursesCmd.Flags().String("cursor", "", "Cursor from a previous page")
	coursesCmd.Flags().Bool("desc", false, "Newest first")
}

func runCourses(cmd *cobra.Command, args []string) error {
	category, _ := cmd.Flags().GetString("category")
	instructor, _ := cmd.Flags().GetString("instructor")
	published, _ := cmd.Flags().GetBool("published")
	limit, _ := cmd.Flags().GetInt("limit")
	cursor, _ := cmd.Flags().GetString("cursor")
	desc, _ := cmd.Flags().GetBool("desc")

	env, err := newEnvironment()
	if err != nil {
		return err
	}
	defer env.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	page, err := env.repo.List(ctx, database.CourseListOptions{
		Category:      category,
		InstructorID:  instructor,
		PublishedOnly: published,
		Limit:         limit,
		Cursor:        cursor,
		Descending:    desc,
	})
	if err != nil {
		return err
	}

	if len(page.Items) == 0 {
		fmt.Println("No courses found")
		return nil
	}

	for _, course := range page.Items {
		state := "draft"
		if course.Published {
			state = "published"
		}
		fmt.Printf("  %-36s %-9s %-12s %s (%s)\n",
			course.ID, state, course.Category, course.Title,
			humanize.Time(course.CreatedAt))
	}

	if page.HasMore {
		fmt.Printf("\nNext page: dbperf courses --cursor %s\n", page.NextCursor)
	}
	return nil
}
