package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var flushCmd = &cobra.Command{
	Use:   "flush",
	Short: "Remove every cached entry",
	Long:  "Remove every entry of the current cache version from both layers.",
	Args:  cobra.NoArgs,
	RunE:  runFlush,
}

func init() {
	rootCmd.AddCommand(flushCmd)
}

func runFlush(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		if err := a.cache.Flush(cmd.Context()); err != nil {
			return fmt.Errorf("flush failed: %w", err)
		}
		fmt.Fprintln(os.Stderr, "Cache flushed.")
		return nil
	})
}
