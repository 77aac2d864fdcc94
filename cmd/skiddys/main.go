package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/rizo8107/skiddys-learning-platform/internal/catalog"
	"github.com/rizo8107/skiddys-learning-platform/internal/config"
	"github.com/rizo8107/skiddys-learning-platform/internal/learning"
	"github.com/rizo8107/skiddys-learning-platform/internal/logging"
	"github.com/rizo8107/skiddys-learning-platform/internal/mutation"
	"github.com/rizo8107/skiddys-learning-platform/internal/querycache"
	"github.com/rizo8107/skiddys-learning-platform/internal/remote"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

var (
	cfgFile string
)

// session is the client stack shared by every subcommand.
type session struct {
	config      config.ClientConfig
	logger      *zap.Logger
	client      *remote.Client
	coordinator *mutation.Coordinator
	notes       *learning.Notes
	reviews     *learning.Reviews
	enrollments *learning.Enrollments
	settings    *learning.Settings
	courses     *learning.Courses
}

func main() {
	current := &session{}
	rootCmd := &cobra.Command{
		Use:           "skiddys",
		Short:         "Command-line client for Skiddy's Learning Platform",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := initConfig(); err != nil {
				return err
			}
			return current.open()
		},
		PersistentPostRun: func(cmd *cobra.Command, args []string) {
			current.close()
		},
	}

	setupFlags(rootCmd)
	rootCmd.AddCommand(
		newLoginCommand(current),
		newRegisterCommand(current),
		newLogoutCommand(current),
		newWhoamiCommand(current),
		newProfileCommand(current),
		newCoursesCommand(current),
		newNotesCommand(current),
		newReviewsCommand(current),
		newEnrollCommand(current),
		newProgressCommand(current),
		newSettingsCommand(current),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, describe(err))
		os.Exit(1)
	}
}

func setupFlags(cmd *cobra.Command) {
	config.ApplyDefaults(viper.GetViper())
	defaults := config.NewViper()
	cmd.PersistentFlags().StringVar(&cfgFile, "config", "", "Path to configuration file")
	cmd.PersistentFlags().String("api", defaults.GetString("api.base_url"), "Record service base URL")
	cmd.PersistentFlags().String("session", defaults.GetString("session.path"), "Where the signed-in session is stored")
	cmd.PersistentFlags().String("log-level", "warn", "Log level (debug, info, warn, error)")

	bindFlag(cmd, "api.base_url", "api")
	bindFlag(cmd, "session.path", "session")
	bindFlag(cmd, "log.level", "log-level")
}

func bindFlag(cmd *cobra.Command, key, flag string) {
	if err := viper.BindPFlag(key, cmd.PersistentFlags().Lookup(flag)); err != nil {
		panic(err)
	}
}

func initConfig() error {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	}

	if err := viper.ReadInConfig(); err != nil {
		var configNotFound viper.ConfigFileNotFoundError
		if cfgFile != "" && errors.As(err, &configNotFound) {
			return err
		}
	}

	return nil
}

func (s *session) open() error {
	clientConfig, err := config.LoadClient(viper.GetViper())
	if err != nil {
		return err
	}
	logger, err := logging.NewLogger(clientConfig.LogLevel, "console")
	if err != nil {
		return err
	}

	authStore := remote.NewAuthStore()
	if err := authStore.Restore(clientConfig.SessionPath); err != nil && !errors.Is(err, remote.ErrNoSession) {
		logger.Warn("discarded stored session", zap.Error(err))
	}
	client, err := remote.NewClient(remote.ClientConfig{
		BaseURL: clientConfig.APIBaseURL,
		Auth:    authStore,
		Schemas: catalog.Lookup,
		Logger:  logger,
	})
	if err != nil {
		return err
	}
	coordinator, err := mutation.New(mutation.Config{
		Remote:       client,
		Cache:        querycache.New(querycache.Config{Logger: logger}),
		Logger:       logger,
		RefetchDelay: clientConfig.RefetchDelay,
		FreshFor:     clientConfig.FreshFor,
	})
	if err != nil {
		return err
	}

	s.config = clientConfig
	s.logger = logger
	s.client = client
	s.coordinator = coordinator
	s.notes = learning.NewNotes(coordinator)
	s.reviews = learning.NewReviews(coordinator)
	s.enrollments = learning.NewEnrollments(coordinator)
	s.settings = learning.NewSettings(coordinator)
	s.courses = learning.NewCourses(coordinator)
	return nil
}

func (s *session) close() {
	if s.coordinator != nil {
		s.coordinator.Close()
	}
	if s.logger != nil {
		_ = s.logger.Sync()
	}
}

// persist saves the current session so later invocations stay signed in.
func (s *session) persist() error {
	return s.client.Auth().Persist(s.config.SessionPath)
}

// settle waits for a mutation and reports its outcome.
func settle(ctx context.Context, cmd *cobra.Command, m *mutation.Mutation, done string) error {
	if m == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "nothing changed")
		return nil
	}
	record, err := m.Wait(ctx)
	if err != nil {
		return err
	}
	if record.ID != "" {
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", done, record.ID)
		return nil
	}
	fmt.Fprintln(cmd.OutOrStdout(), done)
	return nil
}

func describe(err error) string {
	message := learning.Message(err)
	if message == "" {
		return err.Error()
	}
	return message + " (" + err.Error() + ")"
}
