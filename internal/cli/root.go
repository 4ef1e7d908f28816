package cli

import (
	"github.com/spf13/cobra"
)

// NewRootCommand creates the root command for the dispatch service.
func NewRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "dispatchd",
		Short: "Web push notification dispatch service",
		Long: `Registers browser push subscriptions per user and fans notifications
out to every active device of a user, deactivating subscriptions the push
service reports as gone.`,
		SilenceUsage: true,
	}

	cmd.AddCommand(NewServeCommand())
	cmd.AddCommand(NewVAPIDKeysCommand())
	cmd.AddCommand(NewMigrateCommand())

	return cmd
}
