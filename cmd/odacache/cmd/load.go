package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/aweris/odacache/loader"
)

// refreshWait bounds the refresh a stale load runs before exiting.
const refreshWait = 30 * time.Second

var loadCmd = &cobra.Command{
	Use:   "load",
	Short: "Load the shop listing",
	Long:  "Load the compiled shop listing, from the cache when possible and from the remote service otherwise.",
	Args:  cobra.NoArgs,
	RunE:  runLoad,
}

func init() {
	loadCmd.Flags().Bool("json", false, "print the compiled view as JSON")
	rootCmd.AddCommand(loadCmd)
}

func runLoad(cmd *cobra.Command, args []string) error {
	asJSON, _ := cmd.Flags().GetBool("json")

	return withApp(cmd.Context(), func(a *app) error {
		if err := a.requireLoader(); err != nil {
			return err
		}

		res, err := a.loader.LoadAll(cmd.Context(), func(pct int, label string) {
			fmt.Fprintf(os.Stderr, "[%3d%%] %s\n", pct, label)
		})
		if err != nil {
			return fmt.Errorf("load failed: %w", err)
		}

		if asJSON {
			return printJSON(os.Stdout, res.View)
		}
		printView(os.Stdout, res.View)
		switch {
		case res.Stale:
			fmt.Fprintln(os.Stderr, "Served from cache (stale).")
			// the process exits next, so run the scheduled refresh now
			ctx, cancel := context.WithTimeout(cmd.Context(), refreshWait)
			defer cancel()
			if err := a.loader.WaitRefresh(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "Refresh failed: %v\n", err)
			} else {
				fmt.Fprintln(os.Stderr, "Cache refreshed.")
			}
		case res.FromCache:
			fmt.Fprintln(os.Stderr, "Served from cache.")
		}
		return nil
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func printView(w io.Writer, view loader.View) {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "RANK\tSHOP\tID\tLIKES\tPRODUCTS\tSUBSCRIBERS")
	for i, s := range view.Top {
		fmt.Fprintf(tw, "%d\t%s\t%s\t%d\t%d\t%d\n", i+1, s.Name, s.ID, s.TotalLikes, s.ProductCount, s.SubscriberCount)
	}
	for _, s := range view.Rest {
		fmt.Fprintf(tw, "-\t%s\t%s\t%d\t%d\t%d\n", s.Name, s.ID, s.TotalLikes, s.ProductCount, s.SubscriberCount)
	}
	tw.Flush()

	fmt.Fprintf(w, "%d shops, %d in the top list\n", len(view.AllShops), len(view.Top))
}
