package main

import (
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

// cli carries the wired app from the root pre-run to the subcommands.
type cli struct {
	opts     appOptions
	app      *app
	logLevel string
}

// NewRootCmd creates the root command for the estate session CLI.
func NewRootCmd() *cobra.Command {
	return newRootCmd(appOptions{})
}

func newRootCmd(opts appOptions) *cobra.Command {
	c := &cli{opts: opts}

	cmd := &cobra.Command{
		Use:   "estate",
		Short: "Estate - session client for the real estate auth service",
		Long: `estate logs in to the real estate auth service, keeps the session
between runs when asked to, and reports the caller principal.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			level, err := zerolog.ParseLevel(c.logLevel)
			if err != nil {
				return err
			}
			zerolog.SetGlobalLevel(level)
			c.app, err = newApp(cmd.Context(), c.opts)
			return err
		},
	}

	cmd.PersistentFlags().StringVar(&c.logLevel, "log-level", "warn", "log level (debug, info, warn, error)")

	cmd.AddCommand(newLoginCmd(c))
	cmd.AddCommand(newRegisterCmd(c))
	cmd.AddCommand(newLogoutCmd(c))
	cmd.AddCommand(newWhoamiCmd(c))
	cmd.AddCommand(newStatusCmd(c))
	cmd.AddCommand(newVerifyCmd(c))
	cmd.AddCommand(newResetPasswordCmd(c))
	cmd.AddCommand(newDelegatedLoginCmd(c))

	return cmd
}

// run executes fn with the wired app and releases the app afterwards, also
// when fn fails.
func (c *cli) run(fn func(cmd *cobra.Command, a *app) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		defer func() { _ = c.app.close() }()
		return fn(cmd, c.app)
	}
}
