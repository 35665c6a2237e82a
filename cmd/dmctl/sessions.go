package main

import (
	"encoding/json"
	"fmt"
	"strconv"
	"text/tabwriter"

	"github.com/dustin/go-humanize"
	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/wapuda/dmrelay/internal/app"
)

var sessionsCmd = &cobra.Command{
	Use:   "sessions",
	Short: "Inspect and remove stored user sessions",
}

var sessionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List every stored session",
	RunE: func(cmd *cobra.Command, args []string) error {
		deps, err := app.Open(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer deps.Close()

		all, err := deps.Store.List(cmd.Context())
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "USER\tSTEP\tSIGNED IN\tCHANNELS\tUPDATED")
		for _, s := range all {
			fmt.Fprintf(tw, "%d\t%s\t%v\t%d\t%s\n", s.UserID, s.Step, s.Authenticated(), len(s.Channels), humanize.Time(s.UpdatedAt))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "\n%d session(s) in %s store\n", len(all), cfg.SessionStore)
		return nil
	},
}

var sessionsShowCmd = &cobra.Command{
	Use:   "show <user-id>",
	Short: "Print one session as JSON with the password masked",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		deps, err := app.Open(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer deps.Close()

		s, err := deps.Store.Get(cmd.Context(), uid)
		if err != nil {
			return err
		}
		if s == nil {
			return errors.Errorf("no session for user %d", uid)
		}
		if s.Credentials != nil {
			s.Credentials.APISecret = mask(s.Credentials.APISecret)
			s.Credentials.Password = mask(s.Credentials.Password)
		}
		enc := json.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent("", "  ")
		return enc.Encode(s)
	},
}

var sessionsDeleteCmd = &cobra.Command{
	Use:   "delete <user-id>",
	Short: "Remove a session; the user starts over with /start",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		uid, err := parseUserID(args[0])
		if err != nil {
			return err
		}
		deps, err := app.Open(cmd.Context(), cfg)
		if err != nil {
			return err
		}
		defer deps.Close()

		if err := deps.Store.Delete(cmd.Context(), uid); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "session %d deleted\n", uid)
		return nil
	},
}

func parseUserID(s string) (int64, error) {
	uid, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 0, errors.Errorf("invalid user id %q", s)
	}
	return uid, nil
}

func mask(s string) string {
	if s == "" {
		return ""
	}
	return "********"
}

func init() {
	sessionsCmd.AddCommand(sessionsListCmd)
	sessionsCmd.AddCommand(sessionsShowCmd)
	sessionsCmd.AddCommand(sessionsDeleteCmd)
}
