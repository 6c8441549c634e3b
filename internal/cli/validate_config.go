package cli

import (
	"fmt"

	"github.com/aaronromeo/mailer/internal/config"
	"github.com/spf13/cobra"
)

var validateConfigCmd = &cobra.Command{
	Use:   "validate-config",
	Short: "Validate the configuration and print a summary",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), config.Summary(cfg))
		return nil
	},
}
