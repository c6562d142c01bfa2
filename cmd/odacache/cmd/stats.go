package cmd

import (
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show cache storage usage",
	Args:  cobra.NoArgs,
	RunE:  runStats,
}

func init() {
	rootCmd.AddCommand(statsCmd)
}

func runStats(cmd *cobra.Command, args []string) error {
	return withApp(cmd.Context(), func(a *app) error {
		stats, err := a.cache.Stats(cmd.Context())
		if err != nil {
			return err
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintf(tw, "backend\t%s\n", a.cfg.Cache.Backend)
		fmt.Fprintf(tw, "namespace\t%s%s_\n", a.cfg.Cache.Prefix, a.cfg.Cache.Version)
		fmt.Fprintf(tw, "entries\t%d\n", stats.Storage.Entries)
		fmt.Fprintf(tw, "namespace bytes\t%d\n", stats.Storage.NamespaceBytes)
		fmt.Fprintf(tw, "total bytes\t%d / %d\n", stats.Storage.TotalBytes, a.cfg.Cache.MaxStorageSize)
		return tw.Flush()
	})
}
