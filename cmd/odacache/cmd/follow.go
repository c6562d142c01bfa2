package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var followCmd = &cobra.Command{
	Use:   "follow <user-id> <shop-id>",
	Short: "Follow or unfollow a shop",
	Long:  "Follow (or with --unfollow, stop following) a shop and drop the cached subscriber counts.",
	Args:  cobra.ExactArgs(2),
	RunE:  runFollow,
}

func init() {
	followCmd.Flags().Bool("unfollow", false, "stop following the shop")
	rootCmd.AddCommand(followCmd)
}

func runFollow(cmd *cobra.Command, args []string) error {
	userID, shopID := args[0], args[1]
	unfollow, _ := cmd.Flags().GetBool("unfollow")

	return withApp(cmd.Context(), func(a *app) error {
		if err := a.requireLoader(); err != nil {
			return err
		}
		if err := a.subs.Toggle(cmd.Context(), userID, shopID, !unfollow); err != nil {
			return err
		}

		if unfollow {
			fmt.Fprintf(os.Stderr, "Unfollowed %s.\n", shopID)
		} else {
			fmt.Fprintf(os.Stderr, "Following %s.\n", shopID)
		}
		return nil
	})
}
