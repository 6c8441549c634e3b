package cli

import (
	"fmt"

	"github.com/aaronromeo/mailer/internal/app"
	"github.com/spf13/cobra"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the stored session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		a, stop, err := startApp(cmd, cfg)
		if err != nil {
			return err
		}
		defer stop()

		set, err := a.StoredCredentials(commandContext(cmd))
		if app.IsNotLoggedIn(err) {
			fmt.Fprintln(cmd.OutOrStdout(), "Not logged in")
			return nil
		}
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Logged in as %s (%s) at %s\n", set.Account(), set.Kind(), set.Addr())
		fmt.Fprintf(cmd.OutOrStdout(), "Credentials: %s\n", set)
		return nil
	},
}
