package commands

import (
	"github.com/ashureev/pairbot/internal/credstore"
	"github.com/spf13/cobra"
)

var resetCmd = &cobra.Command{
	Use:   "reset",
	Short: "Delete stored credentials so the next run pairs again",
	Long: `Delete the persisted session credentials for CLIENT_ID.

Use this after the service has logged the session out. Stop any running
pairbot with the same CLIENT_ID first; the next "pairbot run" will print a
fresh pairing code.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		creds, err := credstore.New(cfg.AuthStateDir, cfg.ClientID, logger)
		if err != nil {
			return err
		}
		if err := creds.Reset(); err != nil {
			return err
		}
		green.Fprintf(cmd.OutOrStdout(), "✓ Credentials removed: %s\n", creds.Path())
		return nil
	},
}
