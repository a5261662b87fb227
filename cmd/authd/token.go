package main

import (
	"fmt"
	"time"

	auth "github.com/goliatone/go-auth-tokens"
	"github.com/spf13/cobra"
)

func newTokenCmd(a *app) *cobra.Command {
	token := &cobra.Command{
		Use:   "token",
		Short: "Inspect and revoke access tokens",
	}

	var reason string
	revoke := &cobra.Command{
		Use:   "revoke <access-token>",
		Short: "Blacklist an access token until it expires",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.services(true)
			if err != nil {
				return err
			}
			defer s.Close()

			actor := auth.ActorRef{ID: "authd", Type: "cli"}
			if err := s.lifecycle.RevokeAccessToken(cmd.Context(), args[0], reason, actor); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "token revoked")
			return nil
		},
	}
	revoke.Flags().StringVar(&reason, "reason", auth.BlacklistReasonAdmin, "reason stored with the blacklist entry")

	validate := &cobra.Command{
		Use:   "validate <access-token>",
		Short: "Verify an access token and check the blacklist",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.services(true)
			if err != nil {
				return err
			}
			defer s.Close()

			claims, err := s.lifecycle.ValidateAccessToken(cmd.Context(), args[0])
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "subject: %s\ntoken id: %s\nroles: %v\nexpires: %s\n",
				claims.UserID(), claims.TokenID(), claims.Roles, claims.Expiry().Format(time.RFC3339))
			return nil
		},
	}

	token.AddCommand(revoke, validate)
	return token
}
