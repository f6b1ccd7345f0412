package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/fogmesh/fog/internal/config"
	"github.com/fogmesh/fog/internal/coord"
)

var (
	adminServer string
	adminToken  string
	adminJSON   bool
	adminStore  string
)

func newAdminCmd() *cobra.Command {
	adminCmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage the coordinator inventory and grants",
		Long: `Inspect and change a running coordinator through its admin API.

The server and token default to FOG_SERVER and FOG_ADMIN_TOKEN.`,
		Example: `  fog admin nodes
  fog admin permit <store-id> /photos/cat.jpg
  fog admin permit-dir <store-id> /photos
  fog admin import /photos /srv/photos`,
	}
	adminCmd.PersistentFlags().StringVar(&adminServer, "server", "", "coordinator URL")
	adminCmd.PersistentFlags().StringVar(&adminToken, "token", "", "admin token")
	adminCmd.PersistentFlags().BoolVar(&adminJSON, "json", false, "print JSON")

	adminCmd.AddCommand(&cobra.Command{
		Use:   "overview",
		Short: "Show registry counts",
		Args:  cobra.NoArgs,
		RunE: withAdmin(func(ctx context.Context, c *coord.AdminClient, out io.Writer, _ []string) error {
			ov, err := c.Overview(ctx)
			if err != nil {
				return err
			}
			if adminJSON {
				return printJSON(out, ov)
			}
			fmt.Fprintf(out, "version: %s\nnodes:   %d\nstores:  %d\nentries: %d\n",
				valueOr(ov.Version, "unknown"), ov.Nodes, ov.Stores, ov.Entries)
			return nil
		}),
	})

	adminCmd.AddCommand(&cobra.Command{
		Use:   "nodes",
		Short: "List registered nodes",
		Args:  cobra.NoArgs,
		RunE: withAdmin(func(ctx context.Context, c *coord.AdminClient, out io.Writer, _ []string) error {
			nodes, err := c.Nodes(ctx)
			if err != nil {
				return err
			}
			if adminJSON {
				return printJSON(out, nodes)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "TOKEN\tNAME\tHOST\tSTORES\tLAST CHECK-IN")
			for _, n := range nodes {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\t%s\n",
					n.Token, n.Name, valueOr(n.Host, "-"), len(n.Stores), formatTime(n.LastCheckIn))
			}
			return w.Flush()
		}),
	})

	adminCmd.AddCommand(&cobra.Command{
		Use:   "stores",
		Short: "List registered stores",
		Args:  cobra.NoArgs,
		RunE: withAdmin(func(ctx context.Context, c *coord.AdminClient, out io.Writer, _ []string) error {
			stores, err := c.Stores(ctx)
			if err != nil {
				return err
			}
			if adminJSON {
				return printJSON(out, stores)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tOWNER\tENTRIES")
			for _, s := range stores {
				fmt.Fprintf(w, "%s\t%s\t%s\t%d\n", s.ID, s.Name, s.Owner, s.Entries)
			}
			return w.Flush()
		}),
	})

	entriesCmd := &cobra.Command{
		Use:   "entries",
		Short: "List global entries, or a store's entries with --store",
		Args:  cobra.NoArgs,
		RunE: withAdmin(func(ctx context.Context, c *coord.AdminClient, out io.Writer, _ []string) error {
			entries, err := c.Entries(ctx, adminStore)
			if err != nil {
				return err
			}
			if adminJSON {
				return printJSON(out, entries)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "PATH\tDIGEST\tUPDATED")
			for _, e := range entries {
				fmt.Fprintf(w, "%s\t%s\t%s\n", e.Path, e.Digest, formatTime(e.Updated))
			}
			return w.Flush()
		}),
	}
	entriesCmd.Flags().StringVar(&adminStore, "store", "", "store ID")
	adminCmd.AddCommand(entriesCmd)

	adminCmd.AddCommand(grantCmd("permit <store-id> <path>", "Grant a global file to a store", (*coord.AdminClient).Permit))
	adminCmd.AddCommand(grantCmd("revoke <store-id> <path>", "Revoke a file from a store", (*coord.AdminClient).Revoke))
	adminCmd.AddCommand(grantCmd("permit-dir <store-id> <dir>", "Grant every file directly under a global directory", (*coord.AdminClient).PermitDir))

	adminCmd.AddCommand(&cobra.Command{
		Use:   "import <virtual-dir> <path>",
		Short: "Import a directory on the coordinator host into the global inventory",
		Args:  cobra.ExactArgs(2),
		RunE: withAdmin(func(ctx context.Context, c *coord.AdminClient, out io.Writer, args []string) error {
			res, err := c.Import(ctx, args[0], args[1])
			if err != nil {
				return err
			}
			if adminJSON {
				return printJSON(out, res)
			}
			fmt.Fprintf(out, "added %d entries (%d conflicts, %d skipped)\n", res.Added, res.Conflicts, res.Skipped)
			return nil
		}),
	})

	adminCmd.AddCommand(&cobra.Command{
		Use:   "save",
		Short: "Persist coordinator state now",
		Args:  cobra.NoArgs,
		RunE: withAdmin(func(ctx context.Context, c *coord.AdminClient, out io.Writer, _ []string) error {
			if err := c.Save(ctx); err != nil {
				return err
			}
			fmt.Fprintln(out, "state saved")
			return nil
		}),
	})

	return adminCmd
}

type adminFunc func(ctx context.Context, c *coord.AdminClient, out io.Writer, args []string) error

type grantFunc func(c *coord.AdminClient, ctx context.Context, storeID, path string) (int, error)

func grantCmd(use, short string, fn grantFunc) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: withAdmin(func(ctx context.Context, c *coord.AdminClient, out io.Writer, args []string) error {
			changed, err := fn(c, ctx, args[0], args[1])
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d entries changed\n", changed)
			return nil
		}),
	}
}

func withAdmin(fn adminFunc) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		server, token, err := adminTarget()
		if err != nil {
			return err
		}
		ctx, cancel := context.WithTimeout(cmd.Context(), 30*time.Second)
		defer cancel()
		return fn(ctx, coord.NewAdminClient(server, token), cmd.OutOrStdout(), args)
	}
}

// adminTarget resolves the coordinator URL and token from flags, the
// environment, and finally the coordinator config file.
func adminTarget() (string, string, error) {
	server := firstNonEmpty(adminServer, os.Getenv("FOG_SERVER"))
	token := firstNonEmpty(adminToken, os.Getenv("FOG_ADMIN_TOKEN"))

	if (server == "" || token == "") && cfgFile != "" {
		cfg, err := config.LoadServerConfig(cfgFile)
		if err != nil {
			return "", "", err
		}
		if server == "" {
			server = "http://" + localAddr(cfg.Listen)
		}
		if token == "" {
			token = cfg.Admin.Token
		}
	}

	if server == "" {
		server = "http://" + localAddr(config.DefaultListen)
	}
	if token == "" {
		return "", "", fmt.Errorf("admin token required (--token or FOG_ADMIN_TOKEN)")
	}
	return server, token, nil
}

// localAddr maps a listen address with no host to localhost.
func localAddr(listen string) string {
	if strings.HasPrefix(listen, ":") {
		return "localhost" + listen
	}
	return listen
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func valueOr(s, def string) string {
	if s == "" {
		return def
	}
	return s
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func printJSON(out io.Writer, v interface{}) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
