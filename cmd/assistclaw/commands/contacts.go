package commands

import (
	"context"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

// newContactsCmd creates `assistclaw contacts` for the local contacts cache.
func newContactsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "contacts",
		Short: "Manage the contacts cache",
		Long: `Inspect and refresh the local cache of Google Contacts used to turn
names into email addresses.

Examples:
  assistclaw contacts sync
  assistclaw contacts search maria
  assistclaw contacts status`,
	}
	cmd.AddCommand(newContactsSyncCmd(), newContactsSearchCmd(), newContactsStatusCmd())
	return cmd
}

func newContactsSyncCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "sync",
		Short: "Download every contact into the cache",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := loadEnv(cmd, false, quietOutput(cmd))
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			defer cancel()

			a, err := rt.newAssistant(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close()
			if !a.HasGoogle() {
				return fmt.Errorf("google account not linked, run 'assistclaw google login'")
			}

			n, err := a.Directory().Sync(ctx)
			if err != nil {
				return fmt.Errorf("sync failed: %w", err)
			}
			fmt.Printf("Synced %d contacts.\n", n)
			return nil
		},
	}
}

func newContactsSearchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "search <query>",
		Short: "Search contacts by name or email",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := loadEnv(cmd, false, quietOutput(cmd))
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()

			a, err := rt.newAssistant(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close()

			limit, _ := cmd.Flags().GetInt("limit")
			found, err := a.Directory().Search(ctx, strings.Join(args, " "), limit)
			if err != nil {
				return err
			}
			if len(found) == 0 {
				fmt.Println("No contacts found.")
				return nil
			}

			w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "NAME\tEMAIL\tPHONE\tORGANIZATION")
			for _, c := range found {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", c.Name, c.Email, c.Phone, c.Organization)
			}
			return w.Flush()
		},
	}
	cmd.Flags().IntP("limit", "n", 10, "maximum results")
	return cmd
}

func newContactsStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show cache size and the last sync",
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := loadEnv(cmd, false, quietOutput(cmd))
			if err != nil {
				return err
			}
			ctx := context.Background()
			a, err := rt.newAssistant(ctx, cmd.Root().Version)
			if err != nil {
				return err
			}
			defer a.Close()

			count, last, err := a.Directory().Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("Cached contacts: %d\n", count)
			if last == nil {
				fmt.Println("Last sync:       never")
				return nil
			}
			fmt.Printf("Last sync:       %s (%s ago)\n",
				last.FinishedAt.Format(time.RFC1123), time.Since(last.FinishedAt).Round(time.Second))
			if last.Error != "" {
				fmt.Printf("Last error:      %s\n", last.Error)
			}
			return nil
		},
	}
}
