package main

import (
	"fmt"

	auth "github.com/goliatone/go-auth-tokens"
	"github.com/spf13/cobra"
)

func newUserCmd(a *app) *cobra.Command {
	user := &cobra.Command{
		Use:   "user",
		Short: "Administer user accounts",
	}

	user.AddCommand(newUserRegisterCmd(a), newUserDeleteCmd(a), newUserVerifyCmd(a))
	return user
}

func newUserRegisterCmd(a *app) *cobra.Command {
	var msg auth.RegisterUserMessage

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create a user account and send the verification email",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.services(false)
			if err != nil {
				return err
			}
			defer s.Close()

			msg.OnResponse = func(resp *auth.RegisterUserResponse) {
				fmt.Fprintf(cmd.OutOrStdout(), "registered %s (%s)\n", resp.User.ID, resp.User.Email)
			}

			return auth.NewRegisterUserHandler(s.repo, a.commandOptions(s)...).
				Execute(cmd.Context(), msg)
		},
	}

	cmd.Flags().StringVar(&msg.Email, "email", "", "account email")
	cmd.Flags().StringVar(&msg.Username, "username", "", "username, defaults to the email local part")
	cmd.Flags().StringVar(&msg.Password, "password", "", "initial password")
	cmd.Flags().StringVar(&msg.Role, "role", string(auth.RoleMember), "account role")
	cmd.Flags().BoolVar(&msg.UseHashid, "hashid", false, "derive the user id from the email")
	_ = cmd.MarkFlagRequired("email")
	_ = cmd.MarkFlagRequired("password")

	return cmd
}

func newUserVerifyCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <token>",
		Short: "Consume an email verification token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := a.services(false)
			if err != nil {
				return err
			}
			defer s.Close()

			return auth.NewVerifyEmailHandler(s.repo, a.commandOptions(s)...).
				Execute(cmd.Context(), auth.VerifyEmailMessage{Token: args[0]})
		},
	}
}

func newUserDeleteCmd(a *app) *cobra.Command {
	var req auth.SoftDeleteRequest

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Soft delete a user and revoke all of their refresh tokens",
		RunE: func(cmd *cobra.Command, _ []string) error {
			s, err := a.services(true)
			if err != nil {
				return err
			}
			defer s.Close()

			req.Actor = auth.ActorRef{ID: "authd", Type: "cli"}
			res, err := s.lifecycle.SoftDeleteUser(cmd.Context(), req)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "deleted %s, revoked %d refresh tokens\n", res.UserID, res.RevokedTokens)
			return nil
		},
	}

	cmd.Flags().StringVar(&req.UserID, "id", "", "user id")
	cmd.Flags().StringVar(&req.Email, "email", "", "user email, used when --id is empty")
	return cmd
}
