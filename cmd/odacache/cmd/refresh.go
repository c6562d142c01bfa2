package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var refreshCmd = &cobra.Command{
	Use:   "refresh",
	Short: "Force a refresh of the shop listing",
	Long:  "Drop the cached listing and rebuild it from the remote service.",
	Args:  cobra.NoArgs,
	RunE:  runRefresh,
}

func init() {
	rootCmd.AddCommand(refreshCmd)
}

func runRefresh(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		if err := a.requireLoader(); err != nil {
			return err
		}

		fmt.Fprintln(os.Stderr, "Refreshing...")
		view, err := a.loader.Refresh(cmd.Context())
		if err != nil {
			return fmt.Errorf("refresh failed: %w", err)
		}
		printView(os.Stdout, view)
		return nil
	})
}
