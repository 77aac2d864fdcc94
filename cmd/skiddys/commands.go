package main

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/rizo8107/skiddys-learning-platform/internal/learning"
	"github.com/rizo8107/skiddys-learning-platform/internal/records"
	"github.com/rizo8107/skiddys-learning-platform/internal/remote"
	"github.com/spf13/cobra"
)

const passwordEnv = "SKIDDYS_PASSWORD"

func passwordFrom(cmd *cobra.Command) (string, error) {
	password, _ := cmd.Flags().GetString("password")
	if password == "" {
		password = os.Getenv(passwordEnv)
	}
	if password == "" {
		return "", fmt.Errorf("password required: use --password or %s", passwordEnv)
	}
	return password, nil
}

func newLoginCommand(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "login <email>",
		Short: "Sign in and store the session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := passwordFrom(cmd)
			if err != nil {
				return err
			}
			user, err := s.client.Login(cmd.Context(), args[0], password)
			if err != nil {
				_ = s.persist()
				return err
			}
			if err := s.persist(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s (%s)\n", user.Email, user.Role)
			return nil
		},
	}
	cmd.Flags().String("password", "", "Account password (or set "+passwordEnv+")")
	return cmd
}

func newRegisterCommand(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "register <email> <name>",
		Short: "Create an account and sign in",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := passwordFrom(cmd)
			if err != nil {
				return err
			}
			roleName, _ := cmd.Flags().GetString("role")
			user, err := s.client.Register(cmd.Context(), args[0], password, args[1], records.ParseRole(roleName))
			if err != nil {
				return err
			}
			if err := s.persist(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%s)\n", user.Email, user.Role)
			return nil
		},
	}
	cmd.Flags().String("password", "", "Account password (or set "+passwordEnv+")")
	cmd.Flags().String("role", string(records.RoleStudent), "Account role (student or instructor)")
	return cmd
}

func newLogoutCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Forget the stored session",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			s.client.Logout()
			return s.persist()
		},
	}
}

func newWhoamiCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !s.client.Auth().IsValid() {
				fmt.Fprintln(cmd.OutOrStdout(), "not signed in")
				return nil
			}
			user, err := s.client.Me(cmd.Context())
			if err != nil {
				if records.KindOf(err) == records.KindAuthRequired {
					s.client.Logout()
					_ = s.persist()
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", user.ID, user.Email, user.Role)
			return nil
		},
	}
}

func newProfileCommand(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "profile",
		Short: "Change your name, username or avatar",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var changes remote.ProfileChanges
			for flag, target := range map[string]**string{"name": &changes.Name, "username": &changes.Username, "avatar": &changes.Avatar} {
				if cmd.Flags().Changed(flag) {
					value, _ := cmd.Flags().GetString(flag)
					*target = &value
				}
			}
			if changes.Name == nil && changes.Username == nil && changes.Avatar == nil {
				return fmt.Errorf("nothing to change: set --name, --username or --avatar")
			}
			user, err := s.client.UpdateProfile(cmd.Context(), changes)
			if err != nil {
				return err
			}
			if err := s.persist(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", user.ID, user.Username, user.Name)
			return nil
		},
	}
	cmd.Flags().String("name", "", "Display name")
	cmd.Flags().String("username", "", "Username")
	cmd.Flags().String("avatar", "", "Avatar URL")
	return cmd
}

var courseFlags = map[string]string{
	"description": "description",
	"duration":    "duration",
	"level":       "level",
	"visibility":  "visibility",
}

func newCoursesCommand(s *session) *cobra.Command {
	cmd := &cobra.Command{Use: "courses", Short: "Browse and author courses"}
	list := &cobra.Command{
		Use:   "list",
		Short: "List public courses",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := s.courses.List(cmd.Context())
			if err != nil {
				return err
			}
			return printTable(cmd, []string{"ID", "TITLE", "INSTRUCTOR"}, items, func(record records.Record) []string {
				return []string{record.ID, record.Fields.String("course_title"), record.Expand["instructor"].Fields.String("name")}
			})
		},
	}
	add := &cobra.Command{
		Use:   "add <title>",
		Short: "Create a course",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := changedText(cmd, courseFlags)
			fields["course_title"] = strings.Join(args, " ")
			m, err := s.courses.Add(cmd.Context(), fields)
			if err != nil {
				return err
			}
			return settle(cmd.Context(), cmd, m, "created course")
		},
	}
	edit := &cobra.Command{
		Use:   "edit <course>",
		Short: "Change course fields",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := changedText(cmd, courseFlags)
			if cmd.Flags().Changed("title") {
				title, _ := cmd.Flags().GetString("title")
				fields["course_title"] = title
			}
			if len(fields) == 0 {
				return fmt.Errorf("nothing to change: set at least one flag")
			}
			m, err := s.courses.Edit(cmd.Context(), args[0], fields)
			if err != nil {
				return err
			}
			return settle(cmd.Context(), cmd, m, "updated course")
		},
	}
	for _, target := range []*cobra.Command{add, edit} {
		target.Flags().String("description", "", "Course description")
		target.Flags().String("duration", "", "Course duration, e.g. 6 weeks")
		target.Flags().String("level", "", "beginner, intermediate or advanced")
		target.Flags().String("visibility", "", "public or private")
	}
	edit.Flags().String("title", "", "Course title")
	remove := &cobra.Command{
		Use:   "rm <course>",
		Short: "Delete a course",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := s.courses.Remove(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return settle(cmd.Context(), cmd, m, "deleted course")
		},
	}
	cmd.AddCommand(list, add, edit, remove, newLessonsCommand(s), newResourcesCommand(s))
	return cmd
}

func newLessonsCommand(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "lessons <course>",
		Short: "List the lessons of a course",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := s.courses.Lessons(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printTable(cmd, []string{"ID", "ORDER", "TITLE"}, items, func(record records.Record) []string {
				order, _ := record.Fields.Float("order")
				return []string{record.ID, strconv.Itoa(int(order)), record.Fields.String("lessons_title")}
			})
		},
	}
	add := &cobra.Command{
		Use:   "add <course> <title>",
		Short: "Add a lesson to a course",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := changedText(cmd, map[string]string{
				"description": "description",
				"duration":    "duration",
				"video":       "videoUrl",
			})
			fields["lessons_title"] = strings.Join(args[1:], " ")
			if cmd.Flags().Changed("order") {
				order, _ := cmd.Flags().GetInt("order")
				fields["order"] = order
			}
			m, err := s.courses.AddLesson(cmd.Context(), args[0], fields)
			if err != nil {
				return err
			}
			return settle(cmd.Context(), cmd, m, "created lesson")
		},
	}
	add.Flags().Int("order", 0, "Position of the lesson in the course")
	add.Flags().String("description", "", "Lesson description")
	add.Flags().String("duration", "", "Lesson duration")
	add.Flags().String("video", "", "Video URL")
	cmd.AddCommand(add)
	return cmd
}

func newResourcesCommand(s *session) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "resources <lesson>",
		Short: "List the resources of a lesson",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := s.courses.Resources(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printTable(cmd, []string{"ID", "TITLE", "URL"}, items, func(record records.Record) []string {
				return []string{record.ID, record.Fields.String("resource_title"), learning.ResourceURL(s.client, record)}
			})
		},
	}
	add := &cobra.Command{
		Use:   "add <lesson> <title>",
		Short: "Attach a link or an uploaded file to a lesson",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fields := changedText(cmd, map[string]string{
				"type":        "resource_type",
				"link":        "resource_link",
				"description": "resource_description",
			})
			fields["resource_title"] = strings.Join(args[1:], " ")
			if _, ok := fields["resource_type"]; !ok {
				kind, _ := cmd.Flags().GetString("type")
				fields["resource_type"] = kind
			}
			path, _ := cmd.Flags().GetString("file")
			if path == "" {
				m, err := s.courses.AddResource(cmd.Context(), args[0], fields)
				if err != nil {
					return err
				}
				return settle(cmd.Context(), cmd, m, "created resource")
			}
			file, err := os.Open(path)
			if err != nil {
				return err
			}
			defer file.Close()
			record, err := s.courses.UploadResource(cmd.Context(), args[0], fields, remote.File{Name: filepath.Base(path), Content: file})
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "uploaded resource %s\n", record.ID)
			return nil
		},
	}
	add.Flags().String("type", "document", "document, video, exercise, link, article, code or other")
	add.Flags().String("link", "", "External URL of the resource")
	add.Flags().String("description", "", "Resource description")
	add.Flags().String("file", "", "Local file to upload")
	cmd.AddCommand(add)
	return cmd
}

// changedText collects the string flags that were set, keyed by field name.
func changedText(cmd *cobra.Command, flagFields map[string]string) records.Fields {
	fields := records.Fields{}
	for flag, field := range flagFields {
		if !cmd.Flags().Changed(flag) {
			continue
		}
		value, _ := cmd.Flags().GetString(flag)
		fields[field] = value
	}
	return fields
}

func newNotesCommand(s *session) *cobra.Command {
	cmd := &cobra.Command{Use: "notes", Short: "Manage lesson notes"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list <lesson>",
		Short: "List your notes for a lesson",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := s.notes.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printTable(cmd, []string{"ID", "CREATED", "CONTENT"}, items, func(record records.Record) []string {
				return []string{record.ID, record.CreatedAt.Format(records.TimeLayout), record.Fields.String("content")}
			})
		},
	}, &cobra.Command{
		Use:   "add <lesson> <content>",
		Short: "Add a note to a lesson",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := s.notes.Add(cmd.Context(), args[0], strings.Join(args[1:], " "))
			if err != nil {
				return err
			}
			return settle(cmd.Context(), cmd, m, "created note")
		},
	}, &cobra.Command{
		Use:   "edit <lesson> <note> <content>",
		Short: "Replace the content of a note",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := s.notes.List(cmd.Context(), args[0]); err != nil {
				return err
			}
			m, err := s.notes.Edit(cmd.Context(), args[1], args[0], strings.Join(args[2:], " "))
			if err != nil {
				return err
			}
			return settle(cmd.Context(), cmd, m, "updated note")
		},
	}, &cobra.Command{
		Use:   "rm <note>",
		Short: "Delete a note",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return settle(cmd.Context(), cmd, s.notes.Remove(cmd.Context(), args[0]), "deleted note")
		},
	})
	return cmd
}

func newReviewsCommand(s *session) *cobra.Command {
	cmd := &cobra.Command{Use: "reviews", Short: "Read and write course reviews"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list <course>",
		Short: "List the reviews of a course",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := s.reviews.List(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "average %.1f from %d reviews\n", learning.Average(items), len(items))
			return printTable(cmd, []string{"ID", "RATING", "BY", "COMMENT"}, items, func(record records.Record) []string {
				rating, _ := record.Fields.Float("rating")
				return []string{record.ID, strconv.Itoa(int(rating)), record.Expand["user"].Fields.String("name"), record.Fields.String("comment")}
			})
		},
	}, &cobra.Command{
		Use:   "add <course> <rating> <comment>",
		Short: "Review a course",
		Args:  cobra.MinimumNArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			rating, err := strconv.Atoi(args[1])
			if err != nil {
				return fmt.Errorf("rating must be a number: %w", err)
			}
			if _, err := s.reviews.List(cmd.Context(), args[0]); err != nil {
				return err
			}
			m, err := s.reviews.Submit(cmd.Context(), args[0], rating, strings.Join(args[2:], " "))
			if err != nil {
				return err
			}
			return settle(cmd.Context(), cmd, m, "posted review")
		},
	}, &cobra.Command{
		Use:   "rm <review>",
		Short: "Withdraw a review",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return settle(cmd.Context(), cmd, s.reviews.Withdraw(cmd.Context(), args[0]), "withdrew review")
		},
	})
	return cmd
}

func newEnrollCommand(s *session) *cobra.Command {
	return &cobra.Command{
		Use:   "enroll <course>",
		Short: "Enroll in a course",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if _, err := s.enrollments.ForUser(cmd.Context()); err != nil {
				return err
			}
			m, err := s.enrollments.Enroll(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return settle(cmd.Context(), cmd, m, "enrolled")
		},
	}
}

func newProgressCommand(s *session) *cobra.Command {
	cmd := &cobra.Command{Use: "progress", Short: "Track course progress"}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "Show progress in every enrolled course",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := s.enrollments.ForUser(cmd.Context())
			if err != nil {
				return err
			}
			return printTable(cmd, []string{"ENROLLMENT", "COURSE", "PROGRESS"}, items, func(record records.Record) []string {
				progress, _ := record.Fields.Float("progress")
				return []string{record.ID, record.Expand["course"].Fields.String("course_title"), strconv.Itoa(int(progress)) + "%"}
			})
		},
	}, &cobra.Command{
		Use:   "toggle <enrollment> <lesson>",
		Short: "Mark a lesson complete, or incomplete again",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			items, err := s.enrollments.ForUser(cmd.Context())
			if err != nil {
				return err
			}
			index := records.IndexOf(items, args[0])
			if index < 0 {
				return records.NewError(records.KindNotFound, "cli.progress.toggle.not_enrolled", "enrollment "+args[0]+" not found", nil)
			}
			enrollment := items[index]
			lessons, err := s.courses.Lessons(cmd.Context(), enrollment.Fields.String("course"))
			if err != nil {
				return err
			}
			m, err := s.enrollments.ToggleLessonComplete(cmd.Context(), enrollment, args[1], len(lessons))
			if err != nil {
				return err
			}
			return settle(cmd.Context(), cmd, m, "updated progress")
		},
	})
	return cmd
}

func newSettingsCommand(s *session) *cobra.Command {
	cmd := &cobra.Command{Use: "settings", Short: "Site settings"}
	cmd.AddCommand(&cobra.Command{
		Use:   "show",
		Short: "Print the site settings",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := s.settings.Current(cmd.Context())
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, field := range []string{"site_name", "site_description", "contact_email"} {
				fmt.Fprintf(out, "%s: %s\n", field, current.Fields.String(field))
			}
			return nil
		},
	}, &cobra.Command{
		Use:   "set <field> <value>",
		Short: "Change a text setting (admins only)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			current, err := s.settings.Current(cmd.Context())
			if err != nil {
				return err
			}
			m, err := s.settings.Update(cmd.Context(), current.ID, records.Fields{args[0]: strings.Join(args[1:], " ")})
			if err != nil {
				return err
			}
			return settle(cmd.Context(), cmd, m, "updated settings")
		},
	})
	return cmd
}

func printTable(cmd *cobra.Command, header []string, items []records.Record, row func(records.Record) []string) error {
	writer := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
	fmt.Fprintln(writer, strings.Join(header, "\t"))
	for _, item := range items {
		fmt.Fprintln(writer, strings.Join(row(item), "\t"))
	}
	return writer.Flush()
}
