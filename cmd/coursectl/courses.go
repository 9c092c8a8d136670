package main

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/MarkoPoloResearchLab/coursemarket/internal/clientconfig"
	"github.com/MarkoPoloResearchLab/coursemarket/pkg/marketplace"
	"github.com/spf13/cobra"
)

const (
	flagTitle        = "title"
	flagDescription  = "description"
	flagCategory     = "category"
	flagLevel        = "level"
	flagPrice        = "price"
	flagRewardAmount = "reward-amount"
	flagStatus       = "status"
)

func newCoursesCommand(cfg *clientconfig.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "courses",
		Short: "Browse and manage courses",
	}
	cmd.AddCommand(
		newCoursesListCommand(cfg),
		newCoursesRefreshCommand(cfg),
		newCoursesShowCommand(cfg),
		newCoursesCreateCommand(cfg),
		newCoursesUpdateCommand(cfg),
		newCoursesDeleteCommand(cfg),
	)
	return cmd
}

func newCoursesListCommand(cfg *clientconfig.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List courses, falling back to the cached snapshot when offline",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), cfg, func(runtime *clientRuntime) error {
				if err := runtime.store.Refresh(cmd.Context()); err != nil {
					return err
				}
				return printCourses(cmd.OutOrStdout(), runtime.store.Courses(), runtime.store.Stale(), runtime.store.LastError())
			})
		},
	}
}

func newCoursesRefreshCommand(cfg *clientconfig.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Fetch the catalog and enrollments and update the local snapshot",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), cfg, func(runtime *clientRuntime) error {
				if err := runtime.store.Refresh(cmd.Context()); err != nil {
					return err
				}
				if err := runtime.store.RefreshEnrollments(cmd.Context()); err != nil {
					return err
				}
				state := "fresh"
				if runtime.store.Stale() {
					state = "stale: " + runtime.store.LastError().Error()
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%d courses, %d enrolled (%s)\n", len(runtime.store.Courses()), len(runtime.store.Enrolled()), state)
				return err
			})
		},
	}
}

func newCoursesShowCommand(cfg *clientconfig.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "show <course-id>",
		Short: "Show a single course with its lessons",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			courseID, err := marketplace.NewCourseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cfg, func(runtime *clientRuntime) error {
				course, err := runtime.store.FetchCourse(cmd.Context(), courseID)
				if err != nil {
					return err
				}
				return printCourse(cmd.OutOrStdout(), course)
			})
		},
	}
}

func newCoursesCreateCommand(cfg *clientconfig.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a draft course",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			draft, err := draftFromFlags(cmd)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cfg, func(runtime *clientRuntime) error {
				course, err := runtime.store.Create(cmd.Context(), draft)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "created %s\n", course.ID)
				return err
			})
		},
	}
	addCourseFlags(cmd)
	return cmd
}

func newCoursesUpdateCommand(cfg *clientconfig.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "update <course-id>",
		Short: "Update course fields; only flags that are set are changed",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			courseID, err := marketplace.NewCourseID(args[0])
			if err != nil {
				return err
			}
			patch, err := patchFromFlags(cmd)
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cfg, func(runtime *clientRuntime) error {
				if err := runtime.store.Refresh(cmd.Context()); err != nil {
					return err
				}
				course, err := runtime.store.Update(cmd.Context(), courseID, patch)
				if err != nil {
					return err
				}
				_, err = fmt.Fprintf(cmd.OutOrStdout(), "updated %s\n", course.ID)
				return err
			})
		},
	}
	addCourseFlags(cmd)
	return cmd
}

func newCoursesDeleteCommand(cfg *clientconfig.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "delete <course-id>",
		Short: "Delete a course",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			courseID, err := marketplace.NewCourseID(args[0])
			if err != nil {
				return err
			}
			return withRuntime(cmd.Context(), cfg, func(runtime *clientRuntime) error {
				if err := runtime.store.Refresh(cmd.Context()); err != nil {
					return err
				}
				if err := runtime.store.Delete(cmd.Context(), courseID); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "deleted %s\n", courseID)
				return err
			})
		},
	}
}

func newEnrolledCommand(cfg *clientconfig.Config) *cobra.Command {
	return &cobra.Command{
		Use:   "enrolled",
		Short: "List the courses the signed-in student is enrolled in",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRuntime(cmd.Context(), cfg, func(runtime *clientRuntime) error {
				if err := runtime.store.RefreshEnrollments(cmd.Context()); err != nil {
					return err
				}
				return printCourses(cmd.OutOrStdout(), runtime.store.Enrolled(), runtime.store.Stale(), runtime.store.LastError())
			})
		},
	}
}

func addCourseFlags(cmd *cobra.Command) {
	cmd.Flags().String(flagTitle, "", "course title")
	cmd.Flags().String(flagDescription, "", "course description")
	cmd.Flags().String(flagCategory, "", "course category")
	cmd.Flags().String(flagLevel, "", "course level")
	cmd.Flags().String(flagPrice, "0", "price in the base currency, 0 for free")
	cmd.Flags().String(flagRewardAmount, "0", "reward paid on completion")
	cmd.Flags().String(flagStatus, "", "draft, active or paused")
}

func draftFromFlags(cmd *cobra.Command) (marketplace.DraftCourse, error) {
	flags := cmd.Flags()
	price, err := marketplace.ParseAmount(flagString(cmd, flagPrice))
	if err != nil {
		return marketplace.DraftCourse{}, err
	}
	reward, err := marketplace.ParseAmount(flagString(cmd, flagRewardAmount))
	if err != nil {
		return marketplace.DraftCourse{}, err
	}
	draft := marketplace.DraftCourse{
		Title:        flagString(cmd, flagTitle),
		Description:  flagString(cmd, flagDescription),
		Category:     flagString(cmd, flagCategory),
		Level:        flagString(cmd, flagLevel),
		Price:        price,
		RewardAmount: reward,
	}
	if flags.Changed(flagStatus) {
		status, err := marketplace.ParseCourseStatus(flagString(cmd, flagStatus))
		if err != nil {
			return marketplace.DraftCourse{}, err
		}
		draft.Status = status
	}
	return draft, draft.Validate()
}

func patchFromFlags(cmd *cobra.Command) (marketplace.CoursePatch, error) {
	flags := cmd.Flags()
	patch := marketplace.CoursePatch{}
	stringFields := map[string]**string{
		flagTitle:       &patch.Title,
		flagDescription: &patch.Description,
		flagCategory:    &patch.Category,
		flagLevel:       &patch.Level,
	}
	for flagName, target := range stringFields {
		if flags.Changed(flagName) {
			value := flagString(cmd, flagName)
			*target = &value
		}
	}
	amountFields := map[string]**marketplace.Amount{
		flagPrice:        &patch.Price,
		flagRewardAmount: &patch.RewardAmount,
	}
	for flagName, target := range amountFields {
		if !flags.Changed(flagName) {
			continue
		}
		amount, err := marketplace.ParseAmount(flagString(cmd, flagName))
		if err != nil {
			return marketplace.CoursePatch{}, fmt.Errorf("%s: %w", flagName, err)
		}
		*target = &amount
	}
	if flags.Changed(flagStatus) {
		status, err := marketplace.ParseCourseStatus(flagString(cmd, flagStatus))
		if err != nil {
			return marketplace.CoursePatch{}, err
		}
		patch.Status = &status
	}
	if patch.IsEmpty() {
		return marketplace.CoursePatch{}, fmt.Errorf("%w: no fields to update", marketplace.ErrValidation)
	}
	return patch, nil
}

func flagString(cmd *cobra.Command, name string) string {
	value, _ := cmd.Flags().GetString(name)
	return strings.TrimSpace(value)
}

func printCourses(out io.Writer, courses []marketplace.Course, stale bool, lastErr error) error {
	writer := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, "ID\tTITLE\tLEVEL\tPRICE\tSTATUS\tSTUDENTS")
	for _, course := range courses {
		title := course.Title
		if course.IsDirty() {
			title += " *"
		}
		fmt.Fprintf(writer, "%s\t%s\t%s\t%s\t%s\t%d\n", course.ID, title, course.Level, course.Price, course.Status, course.EnrolledCount)
	}
	if err := writer.Flush(); err != nil {
		return err
	}
	if stale && lastErr != nil {
		_, err := fmt.Fprintf(out, "showing cached data: %v\n", lastErr)
		return err
	}
	return nil
}

func printCourse(out io.Writer, course marketplace.Course) error {
	fmt.Fprintf(out, "%s  %s\n", course.ID, course.Title)
	fmt.Fprintf(out, "  %s / %s / %s / price %s / %d students\n", course.Category, course.Level, course.Status, course.Price, course.EnrolledCount)
	if course.Description != "" {
		fmt.Fprintf(out, "  %s\n", course.Description)
	}
	for index, lesson := range course.Lessons {
		payload := lesson.Body
		switch lesson.Type {
		case marketplace.LessonVideo:
			payload = lesson.VideoURL
		case marketplace.LessonDocument:
			payload = lesson.DocumentURL
		}
		fmt.Fprintf(out, "  %d. [%s] %s %s\n", index+1, lesson.Type, lesson.Title, payload)
	}
	return nil
}
