package main

import (
	"bufio"
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/subscriber-dash/authcore/internal/twofactor"
)

func adminCmd(e *env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Manage two-factor admin accounts",
	}
	cmd.AddCommand(adminCreateCmd(e), adminUnlockCmd(e), adminLockCmd(e), adminEventsCmd(e))
	return cmd
}

func adminCreateCmd(e *env) *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "create EMAIL",
		Short: "Enroll an admin and print the TOTP secret and backup codes",
		Long: `Enroll an admin. The password is read from --password or, when absent,
from the first line of stdin. The TOTP URL and backup codes are shown once.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}
			repo, closeRepo, err := e.adminStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRepo()

			enrollment, err := e.twoFactor(repo).Enroll(cmd.Context(), twofactor.EnrollInput{Email: args[0], Password: password})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "admin:       %s\n", enrollment.Email)
			fmt.Fprintf(out, "totp secret: %s\n", enrollment.Secret)
			fmt.Fprintf(out, "totp url:    %s\n", enrollment.URL)
			fmt.Fprintln(out, "backup codes (each works once):")
			for _, code := range enrollment.BackupCodes {
				fmt.Fprintf(out, "  %s\n", code)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&password, "password", "", "Admin password (read from stdin when empty)")

	return cmd
}

func adminUnlockCmd(e *env) *cobra.Command {
	var actor string

	cmd := &cobra.Command{
		Use:   "unlock EMAIL",
		Short: "Clear a lockout and reset the failure counter",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeRepo, err := e.adminStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRepo()
			if err := e.twoFactor(repo).Unlock(cmd.Context(), args[0], actor); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unlocked %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&actor, "actor", "authctl", "Name recorded in the security event log")

	return cmd
}

func adminLockCmd(e *env) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "lock EMAIL",
		Short: "Lock an admin and end their two-factor sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeRepo, err := e.adminStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRepo()
			if err := e.twoFactor(repo).Lockout(cmd.Context(), args[0], reason, twofactor.Client{UserAgent: "authctl"}); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "locked %s\n", args[0])
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "locked by operator", "Reason recorded in the security event log")

	return cmd
}

func adminEventsCmd(e *env) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "events EMAIL",
		Short: "List recent security events for an admin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			repo, closeRepo, err := e.adminStore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeRepo()
			events, err := e.twoFactor(repo).Events(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "AT\tKIND\tMETHOD\tSUCCESS\tREASON")
			for _, ev := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%t\t%s\n", ev.At.Format("2006-01-02 15:04:05"), ev.Kind, ev.Method, ev.Success, ev.Reason)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 20, "Maximum number of events")

	return cmd
}
