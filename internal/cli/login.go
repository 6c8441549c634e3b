package cli

import (
	"fmt"
	"os"
	"os/signal"

	"github.com/aaronromeo/mailer/internal/config"
	"github.com/spf13/cobra"
)

var loginCmd = &cobra.Command{
	Use:   "login",
	Short: "Sign in through the browser and keep the session",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		timeout, err := cmd.Flags().GetString("timeout")
		if err != nil {
			return err
		}
		if timeout != "" {
			cfg.Login.ConsentTimeout = timeout
			if _, err := cfg.Login.ConsentTimeoutDuration(); err != nil {
				return err
			}
		}
		supersede, err := cmd.Flags().GetBool("supersede")
		if err != nil {
			return err
		}
		if supersede {
			cfg.Login.Policy = config.PolicySupersede
		}

		a, stop, err := startApp(cmd, cfg)
		if err != nil {
			return err
		}
		defer stop()

		ui := newGateway(cmd.OutOrStdout())
		unsubscribe := a.Machine.Subscribe(ui.Transition)
		defer unsubscribe()
		a.Flow.OnConsentURIReady(ui.ConsentURIReady)
		a.Flow.OnCompleted(ui.Completed)

		ctx, cancel := signal.NotifyContext(commandContext(cmd), os.Interrupt)
		defer cancel()

		handle, err := a.Login(ctx)
		if err != nil {
			return err
		}
		<-handle.Done()
		res, _ := handle.Result()
		if !res.Succeeded() {
			return fmt.Errorf("login failed: %w", res.Err)
		}
		return nil
	},
}

func init() {
	loginCmd.Flags().String("timeout", "", "How long to wait for the browser sign-in (overrides login.consent_timeout)")
	loginCmd.Flags().Bool("supersede", false, "Cancel a running sign-in instead of refusing to start")
}
