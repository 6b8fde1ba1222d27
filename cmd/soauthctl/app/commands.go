package app

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"soauth.org/internal/database"
	"soauth.org/internal/keys"
)

const serverKeyName = "server"

func newMigrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Manage the database schema",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply all pending migrations",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env, _ []string) error {
			mgr, err := database.Manager(e.store)
			if err != nil {
				return err
			}
			n, err := mgr.Up(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("applied %d migration(s)\n", n)
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env, _ []string) error {
			mgr, err := database.Manager(e.store)
			if err != nil {
				return err
			}
			v, err := mgr.Down(cmd.Context())
			if err != nil {
				return err
			}
			cmd.Printf("rolled back version %d\n", v)
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and whether they are applied",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env, _ []string) error {
			mgr, err := database.Manager(e.store)
			if err != nil {
				return err
			}
			history, err := mgr.Status(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "VERSION\tAPPLIED\tAT\tPATH")
			for _, m := range history {
				at := "-"
				if m.Applied && !m.AppliedAt.IsZero() {
					at = m.AppliedAt.UTC().Format(time.RFC3339)
				}
				fmt.Fprintf(w, "%d\t%t\t%s\t%s\n", m.Version, m.Applied, at, m.Path)
			}
			return w.Flush()
		}),
	})
	return cmd
}

func newKeysCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Manage signing keys",
	}
	var appID string
	regen := &cobra.Command{
		Use:   "regenerate",
		Short: "Replace the server key, or an app's key with --app",
		Long: `Regenerating a key invalidates everything signed with the old one. For the
server key that is pending login state; for an app it is every access token
issued for that app.`,
		Args: cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env, _ []string) error {
			if appID != "" {
				app, err := e.apps.RegenerateKeys(cmd.Context(), appID)
				if err != nil {
					return err
				}
				cmd.Printf("regenerated key for app %s (%s)\n", app.Name, app.ID)
				return nil
			}
			km, err := keys.Regenerate(cmd.Context(), e.store.Keys(cmd.Context()), serverKeyName, e.cfg.KeyPassword)
			if err != nil {
				return err
			}
			cmd.Printf("regenerated server key %s\n", km.ID())
			return nil
		}),
	}
	regen.Flags().StringVar(&appID, "app", "", "app id whose key should be regenerated")
	cmd.AddCommand(regen)
	return cmd
}

func newAppsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "apps",
		Short: "Inspect registered apps",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List apps",
		Args:  cobra.NoArgs,
		RunE: withEnv(func(cmd *cobra.Command, e *env, _ []string) error {
			apps, err := e.apps.List(cmd.Context())
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tNAME\tDOMAIN\tAPI")
			for _, a := range apps {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\n", a.ID, a.Name, a.Domain, a.APIAccess)
			}
			return w.Flush()
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "rotate-secret <app-id>",
		Short: "Issue a new client secret and print it once",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			secret, err := e.apps.RotateClientSecret(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			cmd.Println(secret)
			return nil
		}),
	})
	return cmd
}

func newGrantCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "grant",
		Short: "Manage grants held directly by a user",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "add <user> <grant>",
		Short: "Add a grant to a user (by id or username)",
		Args:  cobra.ExactArgs(2),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			user, err := e.admin.FindUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := e.admin.AddUserGrant(cmd.Context(), user.ID, args[1]); err != nil {
				return err
			}
			cmd.Printf("granted %q to %s\n", args[1], user.Username)
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remove <user> <grant>",
		Short: "Remove a grant from a user (by id or username)",
		Args:  cobra.ExactArgs(2),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			user, err := e.admin.FindUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if err := e.admin.RemoveUserGrant(cmd.Context(), user.ID, args[1]); err != nil {
				return err
			}
			cmd.Printf("removed %q from %s\n", args[1], user.Username)
			return nil
		}),
	})
	return cmd
}

func newSessionsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "Inspect and revoke refresh sessions",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "list <user>",
		Short: "List a user's sessions",
		Args:  cobra.ExactArgs(1),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			user, err := e.admin.FindUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			sessions, err := e.svc.ListSessionsForUser(cmd.Context(), user.ID)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAPP\tKIND\tEXPIRES")
			for _, s := range sessions {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", s.ID, s.AppID, s.Kind, s.ExpiresAt.UTC().Format(time.RFC3339))
			}
			return w.Flush()
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "revoke-all <user> <app-id>",
		Short: "Revoke every session a user holds for an app",
		Args:  cobra.ExactArgs(2),
		RunE: withEnv(func(cmd *cobra.Command, e *env, args []string) error {
			user, err := e.admin.FindUser(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			n, err := e.svc.LogoutEverywhere(cmd.Context(), user.ID, args[1])
			if err != nil {
				return err
			}
			cmd.Printf("revoked %d session(s)\n", n)
			return nil
		}),
	})
	return cmd
}
